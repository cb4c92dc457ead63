//go:build linux

package config

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveConfigMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, &Config{LogLevel: "info"}))

	info, err := os.Stat(filepath.Join(dir, configFileName))
	require.NoError(t, err)

	// Group readable only when the msgport group exists on this host.
	want := os.FileMode(configFilePerm)
	if _, err := user.LookupGroup("msgport"); err == nil {
		want = 0o640
	}
	require.Equal(t, want, info.Mode().Perm())
}
