//go:build windows

package idle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	procGetLastInputInfo = user32.NewProc("GetLastInputInfo")
)

// lastInputInfo mirrors the Win32 LASTINPUTINFO structure.
type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// lastInputMonitor polls GetLastInputInfo and compares the time since
// the last keyboard/mouse input to the configured threshold.
type lastInputMonitor struct {
	timeout  time.Duration
	onChange ChangeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	idle   bool
}

func newLastInputMonitor(timeoutSec int, onChange ChangeFunc) (Monitor, error) {
	if err := procGetLastInputInfo.Find(); err != nil {
		return nil, fmt.Errorf("GetLastInputInfo unavailable: %w", err)
	}
	return &lastInputMonitor{
		timeout:  time.Duration(timeoutSec) * time.Second,
		onChange: onChange,
	}, nil
}

func (m *lastInputMonitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go m.poll(ctx)
	log.Printf("[idle] GetLastInputInfo polling started (threshold %s)", m.timeout)
	return nil
}

func (m *lastInputMonitor) poll(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		idleFor, err := queryLastInput()
		if err != nil {
			log.Printf("[idle] GetLastInputInfo failed: %v, failing open to active", err)
			m.report(false)
			continue
		}
		m.report(idleFor >= m.timeout)
	}
}

func queryLastInput() (time.Duration, error) {
	info := lastInputInfo{cbSize: uint32(unsafe.Sizeof(lastInputInfo{}))}
	ret, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0, fmt.Errorf("GetLastInputInfo: %w", err)
	}
	// Tick counts wrap at 49.7 days; uint32 subtraction handles one wrap.
	elapsed := uint32(windows.GetTickCount64()) - info.dwTime
	return time.Duration(elapsed) * time.Millisecond, nil
}

func (m *lastInputMonitor) report(idle bool) {
	m.mu.Lock()
	changed := m.idle != idle
	m.idle = idle
	m.mu.Unlock()
	if changed {
		m.onChange(idle)
	}
}

func (m *lastInputMonitor) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Printf("[idle] GetLastInputInfo polling stopped")
	return nil
}
