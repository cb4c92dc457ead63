// Package workspace resolves where the daemon keeps its state and where its
// socket lives.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	rootDir    = ".msgport"
	socketName = ".message-port"

	// BusAddressEnv overrides the socket path. Both a bare path and the
	// "unix:path=<path>" address form are accepted.
	BusAddressEnv = "MESSAGEPORT_BUS_ADDRESS"
)

func DefaultDir() (string, error) {
	base, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to retrieve user home dir: %w", err)
	}
	return filepath.Join(base, rootDir), nil
}

// EnsureDir creates dir, or the default state directory when dir is empty.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("unable to create msgport dir: %w", err)
	}
	return dir, nil
}

// SocketPath picks the daemon socket: BusAddressEnv, then
// $XDG_RUNTIME_DIR/.message-port, then a per-user directory under the
// system temp dir.
func SocketPath() (string, error) {
	if addr := os.Getenv(BusAddressEnv); addr != "" {
		return ParseBusAddress(addr)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, socketName), nil
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("msgport-%d", os.Getuid()), socketName), nil
}

// ParseBusAddress accepts "/path", "unix:path=/path" and
// "unix:path=/path,guid=...".
func ParseBusAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "unix:") {
		if addr == "" || !filepath.IsAbs(addr) {
			return "", fmt.Errorf("bus address %q is not an absolute path", addr)
		}
		return addr, nil
	}

	for _, kv := range strings.Split(strings.TrimPrefix(addr, "unix:"), ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == "path" && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("bus address %q has no unix path", addr)
}
