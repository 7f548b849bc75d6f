package idle

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// hidIdleTimePattern extracts HIDIdleTime (nanoseconds since last input)
// from `ioreg -c IOHIDSystem` output.
var hidIdleTimePattern = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

const (
	ioregPollInterval = time.Second
	ioregMaxFailures  = 5
)

// ioregMonitor polls IOHIDSystem on macOS and compares the reported
// input-idle time to the configured threshold.
type ioregMonitor struct {
	binary   string
	timeout  time.Duration
	onChange ChangeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	idle   bool
}

func newIoregMonitor(binary string, timeoutSec int, onChange ChangeFunc) *ioregMonitor {
	return &ioregMonitor{
		binary:   binary,
		timeout:  time.Duration(timeoutSec) * time.Second,
		onChange: onChange,
	}
}

func (m *ioregMonitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go m.poll(ctx)
	log.Printf("[idle] ioreg polling started (threshold %s)", m.timeout)
	return nil
}

func (m *ioregMonitor) poll(ctx context.Context) {
	ticker := time.NewTicker(ioregPollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		idleFor, err := m.queryIdleTime(ctx)
		if err != nil {
			failures++
			if failures == 1 {
				log.Printf("[idle] ioreg query failed: %v, failing open to active", err)
				m.report(false)
			}
			if failures >= ioregMaxFailures {
				log.Printf("[idle] ioreg failed %d times, staying active permanently", failures)
				return
			}
			continue
		}
		failures = 0
		m.report(idleFor >= m.timeout)
	}
}

func (m *ioregMonitor) queryIdleTime(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, m.binary, "-c", "IOHIDSystem").Output()
	if err != nil {
		return 0, fmt.Errorf("run ioreg: %w", err)
	}
	return parseHIDIdleTime(out)
}

// parseHIDIdleTime extracts the idle duration from raw ioreg output.
func parseHIDIdleTime(out []byte) (time.Duration, error) {
	match := hidIdleTimePattern.FindSubmatch(out)
	if match == nil {
		return 0, fmt.Errorf("HIDIdleTime not found in ioreg output")
	}
	ns, err := strconv.ParseInt(string(match[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse HIDIdleTime: %w", err)
	}
	return time.Duration(ns), nil
}

// report forwards edge transitions only.
func (m *ioregMonitor) report(idle bool) {
	m.mu.Lock()
	changed := m.idle != idle
	m.idle = idle
	m.mu.Unlock()
	if changed {
		m.onChange(idle)
	}
}

func (m *ioregMonitor) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Printf("[idle] ioreg polling stopped")
	return nil
}
