package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDataDirectory picks where the result index lives: a system path when
// one is writable, otherwise a data folder next to the binary or in the temp
// directory.
func GetDataDirectory() string {
	for _, path := range []string{"/var/lib/bridge-payments", "/usr/local/var/bridge-payments"} {
		if writable(path) {
			return path
		}
	}
	for _, path := range []string{
		filepath.Join(ExecutableDir(), "data"),
		filepath.Join(os.TempDir(), "bridge-payments"),
	} {
		if os.MkdirAll(path, 0o755) == nil {
			return path
		}
	}
	return "."
}

// writable creates path if needed and checks a file can be created in it.
func writable(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// ExecutableDir is the directory holding the running binary. Default inbox,
// outbox, archive and config paths hang off it.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// EnsureDirectories creates every directory in dirs.
func EnsureDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
