// Package paths resolves the per-user directories permd uses for its
// config file and IPC socket.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

// ConfigDir returns the permd config directory ($XDG_CONFIG_HOME/permd).
func ConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "permd")
	}
	return filepath.Join(homeDir(), ".config", "permd")
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// RuntimeDir returns the directory the IPC socket lives in.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return v
	}
	if runtime.GOOS == "linux" {
		dir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	return os.TempDir()
}

// SocketPath returns the default IPC endpoint path. On Windows this is a
// named-pipe path; everywhere else a Unix socket in the runtime dir.
func SocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\permd`
	}
	return filepath.Join(RuntimeDir(), "permd.sock")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
