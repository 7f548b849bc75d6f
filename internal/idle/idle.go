// Package idle reports user idle/active transitions from a
// platform-specific backend. The daemon depends only on the Monitor
// contract: transitions are edge-triggered, the initial state is
// assumed active, and backend failure fails open to active.
package idle

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/stellarlinkco/permd/internal/config"
)

// ChangeFunc receives idle transitions (true = idle, false = active).
// Backends never report the same state twice in a row.
type ChangeFunc func(idle bool)

// Monitor is one running idle-detection backend.
type Monitor interface {
	Start(ctx context.Context) error
	Stop() error
}

// New selects the backend for the host platform. Returns a descriptive
// error when no backend is usable; the daemon treats that as fatal.
func New(cfg *config.Config, onChange ChangeFunc) (Monitor, error) {
	switch runtime.GOOS {
	case "linux":
		binary, err := findBinary(cfg.Swayidle.Binary)
		if err != nil {
			return nil, fmt.Errorf("idle backend: %w (install swayidle or set swayidle.binary)", err)
		}
		return newSwayidleMonitor(binary, cfg.Daemon.IdleTimeout, onChange), nil
	case "darwin":
		binary, err := findBinary(cfg.Mac.Binary)
		if err != nil {
			return nil, fmt.Errorf("idle backend: %w (ioreg ships with macOS; set mac.binary if relocated)", err)
		}
		return newIoregMonitor(binary, cfg.Daemon.IdleTimeout, onChange), nil
	case "windows":
		return newLastInputMonitor(cfg.Daemon.IdleTimeout, onChange)
	default:
		return nil, fmt.Errorf("idle backend: no backend for %s", runtime.GOOS)
	}
}

func findBinary(binary string) (string, error) {
	if strings.ContainsRune(binary, '/') {
		return binary, nil
	}
	found, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%q not found in PATH", binary)
	}
	return found, nil
}
