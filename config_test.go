package shelf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
admins = ["alice"]

http {
  bind   = "127.0.0.1:8080"
  secret = "hunter2"
}

database {
  path = "/var/lib/shelf/shelf.db"
}

index {
  scan_interval = "30m"
  max_depth     = 6
  ignore        = ["tmp"]
}
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, cfg.Admins)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Bind)
	assert.Equal(t, "/var/lib/shelf/shelf.db", cfg.Database.DatabasePath())
	assert.Equal(t, 30*time.Minute, cfg.Index.RescanInterval())
	assert.Equal(t, 6, cfg.Index.ScanDepth())

	ignore := cfg.Index.IgnoreNames()
	assert.Contains(t, ignore, "tmp")
	assert.Contains(t, ignore, "node_modules")
	assert.Contains(t, ignore, "Library")
}

func TestConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
http {
  bind   = ":8080"
  secret = "s"
}
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "shelf.db", cfg.Database.DatabasePath())
	assert.Equal(t, defaultScanDepth, cfg.Index.ScanDepth())
	assert.Zero(t, cfg.Index.RescanInterval())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.hcl"))
	assert.Error(t, err)
}
