package configreset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResetMissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	require.NoError(t, Reset(path))
}

func TestResetBacksUpAndRemovesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	require.NoError(t, Reset(path))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "expected original config to be gone")

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(backup))
}

func TestResetReplacesExistingBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	backupPath := path + ".backup"

	require.NoError(t, os.WriteFile(backupPath, []byte("stale"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("fresh"), 0o600))

	require.NoError(t, Reset(path))

	backup, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(backup))
}
