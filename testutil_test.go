package shelf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "shelf-test.db"))
	require.NoError(t, err)
	return store
}

func newTestVolume(t *testing.T, store *Store, id, visibility string, features ...string) *Volume {
	t.Helper()
	volume, err := store.CreateVolume(id, id, t.TempDir(), visibility, features)
	require.NoError(t, err)
	return volume
}

func writeTestFile(t *testing.T, root, relativePath, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relativePath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}
