package shelf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scratchVolume(t *testing.T) *Volume {
	t.Helper()
	return &Volume{ID: "v1", Path: t.TempDir()}
}

func TestResolve(t *testing.T) {
	volume := scratchVolume(t)
	root := filepath.Clean(volume.Path)

	t.Run("SimplePath", func(t *testing.T) {
		resolved, err := volume.Resolve("docs/notes.md")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "docs", "notes.md"), resolved)
	})

	t.Run("EmptyPathIsRoot", func(t *testing.T) {
		resolved, err := volume.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, root, resolved)
	})

	t.Run("TraversalIsNeutralized", func(t *testing.T) {
		resolved, err := volume.Resolve("../../etc/passwd")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "etc", "passwd"), resolved)
	})

	t.Run("PureTraversalLandsAtRoot", func(t *testing.T) {
		resolved, err := volume.Resolve("../../../")
		require.NoError(t, err)
		assert.Equal(t, root, resolved)
	})

	t.Run("DotSegmentsCollapse", func(t *testing.T) {
		resolved, err := volume.Resolve("a/./b/../c")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "a", "c"), resolved)
	})

	t.Run("AbsoluteInputStaysInside", func(t *testing.T) {
		resolved, err := volume.Resolve("/etc/passwd")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "etc", "passwd"), resolved)
	})
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("reports"))
	assert.NoError(t, ValidateName("2024 photos"))

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "..hidden..", "x/../y"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidInput, "name %q", name)
	}
}

func TestEntries(t *testing.T) {
	volume := scratchVolume(t)
	writeTestFile(t, volume.Path, "beta.txt", "b")
	writeTestFile(t, volume.Path, "Alpha.txt", "a")
	writeTestFile(t, volume.Path, ".hidden", "h")
	require.NoError(t, os.Mkdir(filepath.Join(volume.Path, "zebra"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(volume.Path, "Apple"), 0o755))

	t.Run("DirectoriesFirstCaseInsensitive", func(t *testing.T) {
		entries, err := volume.Entries("", false)
		require.NoError(t, err)
		require.Len(t, entries, 4)

		names := []string{}
		for _, entry := range entries {
			names = append(names, entry.Name)
		}
		assert.Equal(t, []string{"Apple", "zebra", "Alpha.txt", "beta.txt"}, names)
		assert.True(t, entries[0].IsDirectory)
		assert.True(t, entries[1].IsDirectory)
		assert.False(t, entries[2].IsDirectory)
	})

	t.Run("DotfilesOptIn", func(t *testing.T) {
		entries, err := volume.Entries("", true)
		require.NoError(t, err)
		assert.Len(t, entries, 5)
	})

	t.Run("NotADirectory", func(t *testing.T) {
		_, err := volume.Entries("beta.txt", false)
		assert.ErrorIs(t, err, ErrNotADirectory)
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		_, err := volume.Entries("nope", false)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestEntry(t *testing.T) {
	volume := scratchVolume(t)
	writeTestFile(t, volume.Path, "docs/notes.txt", "hello")

	entry, err := volume.Entry("docs/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", entry.Name)
	assert.Equal(t, "docs/notes.txt", entry.Path)
	assert.EqualValues(t, 5, entry.Size)
	require.NotNil(t, entry.MimeType)
	assert.Equal(t, "text/plain", *entry.MimeType)

	dir, err := volume.Entry("docs")
	require.NoError(t, err)
	assert.True(t, dir.IsDirectory)
	assert.Nil(t, dir.MimeType)
}

func TestDelete(t *testing.T) {
	volume := scratchVolume(t)
	writeTestFile(t, volume.Path, "dir/inner.txt", "x")

	t.Run("RootIsProtected", func(t *testing.T) {
		assert.ErrorIs(t, volume.Delete(""), ErrForbidden)
		assert.ErrorIs(t, volume.Delete("../.."), ErrForbidden)
	})

	t.Run("RecursiveRemove", func(t *testing.T) {
		require.NoError(t, volume.Delete("dir"))
		_, err := os.Stat(filepath.Join(volume.Path, "dir"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("MissingTarget", func(t *testing.T) {
		err := volume.Delete("gone")
		assert.True(t, os.IsNotExist(err))
	})
}

func TestMove(t *testing.T) {
	volume := scratchVolume(t)
	writeTestFile(t, volume.Path, "a.txt", "a")
	require.NoError(t, os.Mkdir(filepath.Join(volume.Path, "sub"), 0o755))

	t.Run("Rename", func(t *testing.T) {
		require.NoError(t, volume.Move("a.txt", "sub/b.txt"))
		_, err := os.Stat(filepath.Join(volume.Path, "sub", "b.txt"))
		assert.NoError(t, err)
	})

	t.Run("MissingDestinationParent", func(t *testing.T) {
		writeTestFile(t, volume.Path, "c.txt", "c")
		assert.ErrorIs(t, volume.Move("c.txt", "nowhere/c.txt"), ErrNotFound)
	})

	t.Run("RootIsProtected", func(t *testing.T) {
		assert.ErrorIs(t, volume.Move("", "sub/root"), ErrForbidden)
	})
}

func TestCopy(t *testing.T) {
	volume := scratchVolume(t)
	writeTestFile(t, volume.Path, "tree/one.txt", "1")
	writeTestFile(t, volume.Path, "tree/nested/two.txt", "22")

	require.NoError(t, volume.Copy("tree", "tree2"))

	data, err := os.ReadFile(filepath.Join(volume.Path, "tree2", "nested", "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "22", string(data))

	// source is untouched
	_, err = os.Stat(filepath.Join(volume.Path, "tree", "one.txt"))
	assert.NoError(t, err)
}

func TestMkdir(t *testing.T) {
	volume := scratchVolume(t)

	t.Run("Creates", func(t *testing.T) {
		entry, err := volume.Mkdir("", "fresh")
		require.NoError(t, err)
		assert.True(t, entry.IsDirectory)
		assert.Equal(t, "fresh", entry.Name)
	})

	t.Run("AlreadyExists", func(t *testing.T) {
		_, err := volume.Mkdir("", "fresh")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("MissingParent", func(t *testing.T) {
		_, err := volume.Mkdir("no/such", "dir")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("BadName", func(t *testing.T) {
		_, err := volume.Mkdir("", "../escape")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}
