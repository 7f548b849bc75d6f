//go:build !windows

package idle

import "fmt"

func newLastInputMonitor(timeoutSec int, onChange ChangeFunc) (Monitor, error) {
	return nil, fmt.Errorf("GetLastInputInfo backend is only available on Windows")
}
