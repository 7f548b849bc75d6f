package idle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// swayidleMonitor runs swayidle as a helper process and parses the
// IDLE/ACTIVE markers it prints on state changes. Event-driven: no
// polling on our side.
type swayidleMonitor struct {
	binary   string
	timeout  int
	onChange ChangeFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	idle    bool
}

func newSwayidleMonitor(binary string, timeout int, onChange ChangeFunc) *swayidleMonitor {
	return &swayidleMonitor{binary: binary, timeout: timeout, onChange: onChange}
}

func (m *swayidleMonitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	stdout, err := m.spawn(ctx)
	if err != nil {
		cancel()
		return err
	}

	go m.run(ctx, stdout)
	log.Printf("[idle] swayidle started (timeout %ds)", m.timeout)
	return nil
}

func (m *swayidleMonitor) spawn(ctx context.Context) (io.ReadCloser, error) {
	// -w makes swayidle wait for the timeout command before treating a
	// resume as a new cycle, keeping IDLE/ACTIVE strictly alternating.
	cmd := exec.CommandContext(ctx, m.binary,
		"-w",
		"timeout", strconv.Itoa(m.timeout), "echo IDLE",
		"resume", "echo ACTIVE",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("swayidle stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start swayidle: %w", err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return stdout, nil
}

func (m *swayidleMonitor) run(ctx context.Context, stdout io.ReadCloser) {
	started := time.Now()
	m.scan(stdout)

	// The helper exited. One restart is allowed; a crash shortly after
	// start degrades to permanent active.
	if ctx.Err() != nil || m.isStopped() {
		return
	}
	log.Printf("[idle] swayidle exited, failing open to active")
	m.report(false)

	if time.Since(started) < 5*time.Second {
		log.Printf("[idle] swayidle crashed during warm-up, staying active permanently")
		return
	}

	stdout, err := m.spawn(ctx)
	if err != nil {
		log.Printf("[idle] swayidle restart failed: %v, staying active permanently", err)
		return
	}
	log.Printf("[idle] swayidle restarted")
	m.scan(stdout)

	if ctx.Err() == nil && !m.isStopped() {
		log.Printf("[idle] swayidle exited again, staying active permanently")
		m.report(false)
	}
}

func (m *swayidleMonitor) scan(stdout io.ReadCloser) {
	defer stdout.Close()
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		switch scanner.Text() {
		case "IDLE":
			m.report(true)
		case "ACTIVE":
			m.report(false)
		}
	}
}

// report forwards edge transitions only, so a fail-open emission after
// a helper crash never duplicates the current state.
func (m *swayidleMonitor) report(idle bool) {
	m.mu.Lock()
	changed := m.idle != idle
	m.idle = idle
	m.mu.Unlock()
	if changed {
		m.onChange(idle)
	}
}

func (m *swayidleMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *swayidleMonitor) Stop() error {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Printf("[idle] swayidle stopped")
	return nil
}
