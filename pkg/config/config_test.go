package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Level())
	assert.Equal(t, DefaultCompareTimeout, cfg.CompareTimeout())
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize())
	assert.Equal(t, DefaultMaxPortsPerConnection, cfg.MaxPortsPerConnection())
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	raw := `
socket: /run/msgport/bus
logLevel: debug
certificates:
  dir: /etc/msgport/certs
  compareTimeout: 250ms
limits:
  queueSize: 8
  maxPortsPerConnection: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(raw), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/run/msgport/bus", cfg.Socket)
	assert.Equal(t, "debug", cfg.Level())
	assert.Equal(t, "/etc/msgport/certs", cfg.Certificates.Dir)
	assert.Equal(t, 250*time.Millisecond, cfg.CompareTimeout())
	assert.Equal(t, 8, cfg.QueueSize())
	assert.Equal(t, 3, cfg.MaxPortsPerConnection())
}

func TestLoadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("\n  \n"), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"level":   "logLevel: loud\n",
		"queue":   "limits:\n  queueSize: -1\n",
		"ports":   "limits:\n  maxPortsPerConnection: -4\n",
		"timeout": "certificates:\n  compareTimeout: -1s\n",
		"syntax":  "limits: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(raw), 0o600))
			_, err := Load(dir)
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	want := &Config{
		Socket:       "/tmp/bus",
		LogLevel:     "warn",
		Certificates: Certificates{Dir: "/certs", CompareTimeout: 2 * time.Second},
		Limits:       Limits{QueueSize: 16},
	}
	require.NoError(t, Save(dir, want))

	info, err := os.Stat(filepath.Join(dir, configFileName))
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.Error(t, Save(dir, &Config{Limits: Limits{QueueSize: -1}}))
	_, err := os.Stat(filepath.Join(dir, configFileName))
	assert.True(t, os.IsNotExist(err))
}
