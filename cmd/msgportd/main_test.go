package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sambigeara/msgport/pkg/config"
	"github.com/sambigeara/msgport/pkg/workspace"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.Save(dir, &config.Config{
		Socket:   "/from/file.sock",
		LogLevel: "warn",
		Certificates: config.Certificates{
			Dir:            "/from/file/certs",
			CompareTimeout: 2 * time.Second,
		},
	}))

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--dir", dir, "--socket", "/from/flag.sock", "--log-level", "debug"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "/from/flag.sock", cfg.Socket)
	require.Equal(t, "debug", cfg.Level())
	require.Equal(t, "/from/file/certs", cfg.Certificates.Dir)
	require.Equal(t, 2*time.Second, cfg.CompareTimeout())
}

func TestLoadConfigDefaultsSocketFromEnv(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bus.sock")
	t.Setenv(workspace.BusAddressEnv, "unix:path="+sock)

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--dir", t.TempDir()}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, sock, cfg.Socket)
	require.Equal(t, config.DefaultQueueSize, cfg.QueueSize())
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--dir", t.TempDir(), "--socket", "/tmp/x.sock", "--log-level", "loud"}))

	_, err := loadConfig(cmd)
	require.Error(t, err)
}

func TestRenderUnits(t *testing.T) {
	data := unitData{
		Label:   launchdLabel,
		Binary:  "/usr/local/bin/msgportd",
		Dir:     "/home/u/.msgport",
		LogPath: "/home/u/Library/Logs/msgportd.log",
	}

	var unit bytes.Buffer
	require.NoError(t, renderUnit(&unit, systemdUnitTmpl, data))
	require.Contains(t, unit.String(), `ExecStart="/usr/local/bin/msgportd" --dir "/home/u/.msgport"`)

	var plist bytes.Buffer
	require.NoError(t, renderUnit(&plist, launchdPlistTmpl, data))
	require.Contains(t, plist.String(), "<string>"+launchdLabel+"</string>")
	require.Contains(t, plist.String(), "<string>/home/u/Library/Logs/msgportd.log</string>")
}

func TestWriteUnitCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "systemd", "user", systemdUnitName)
	require.NoError(t, writeUnit(path, systemdUnitTmpl, unitData{Binary: "/bin/msgportd", Dir: "/d"}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "Description=Message port daemon")
}
