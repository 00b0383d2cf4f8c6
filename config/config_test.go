package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/core/vfs"
)

func TestValidateFillsDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.Validate())
	require.Equal(t, Default(), c)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.PageSize = 1000 // not a power of two
	require.Error(t, c.Validate())

	c = Default()
	c.CachePages = 2
	require.Error(t, c.Validate())

	c = Default()
	c.Synchronous = "extreme"
	require.Error(t, c.Validate())

	c = Default()
	c.IOBackend = "uring"
	require.Error(t, c.Validate())
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	doc := `
page_size: 8192
synchronous: full
io_backend: queue
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, 8192, c.PageSize)
	require.Equal(t, SyncFull, c.Synchronous)
	require.Equal(t, vfs.BackendQueue, c.IOBackend)
	require.Equal(t, "debug", c.Log.Level)
	// Unset fields keep their defaults.
	require.Equal(t, Default().CachePages, c.CachePages)
}

func TestFromFileErrors(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: [oops"), 0o644))
	_, err = FromFile(path)
	require.Error(t, err)
}
