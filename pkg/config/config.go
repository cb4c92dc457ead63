// Package config loads and saves the daemon's config.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sambigeara/msgport/pkg/perm"
)

const (
	configFileName = "config.yaml"
	directoryPerm  = 0o700
	configFilePerm = 0o600
)

const (
	DefaultLogLevel              = "info"
	DefaultCompareTimeout        = 5 * time.Second
	DefaultQueueSize             = 64
	DefaultMaxPortsPerConnection = 256
)

type Certificates struct {
	// Dir holds one <appID>.pem per application. Empty disables trust
	// enforcement: every trusted port fails open.
	Dir            string        `yaml:"dir,omitempty"`
	CompareTimeout time.Duration `yaml:"compareTimeout,omitempty"`
}

type Limits struct {
	QueueSize             int `yaml:"queueSize,omitempty"`
	MaxPortsPerConnection int `yaml:"maxPortsPerConnection,omitempty"`
}

type Config struct {
	Socket       string       `yaml:"socket,omitempty"`
	LogLevel     string       `yaml:"logLevel,omitempty"`
	Certificates Certificates `yaml:"certificates,omitempty"`
	Limits       Limits       `yaml:"limits,omitempty"`
}

func orDefault[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

func (c *Config) Level() string { return orDefault(c.LogLevel, DefaultLogLevel) }

func (c *Config) CompareTimeout() time.Duration {
	return orDefault(c.Certificates.CompareTimeout, DefaultCompareTimeout)
}

func (c *Config) QueueSize() int { return orDefault(c.Limits.QueueSize, DefaultQueueSize) }

func (c *Config) MaxPortsPerConnection() int {
	return orDefault(c.Limits.MaxPortsPerConnection, DefaultMaxPortsPerConnection)
}

func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(dir string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, configFileName)
	if err := renameio.WriteFile(path, encoded, configFilePerm); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return perm.SetGroupReadable(path)
}

func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("logLevel: %w", err)
		}
	}
	if c.Certificates.CompareTimeout < 0 {
		return errors.New("certificates.compareTimeout must be >= 0")
	}
	if c.Limits.QueueSize < 0 {
		return errors.New("limits.queueSize must be >= 0")
	}
	if c.Limits.MaxPortsPerConnection < 0 {
		return errors.New("limits.maxPortsPerConnection must be >= 0")
	}
	return nil
}
