// Package state holds the daemon's shared mutable state: the idle
// record and the table of pending permission requests. All operations
// are serialized under one mutex and never block on I/O while holding it.
package state

import (
	"net"
	"sync"
	"time"

	"github.com/stellarlinkco/permd/internal/chat"
	"github.com/stellarlinkco/permd/internal/protocol"
)

// Pending tracks a permission request that has been posted to chat and
// is awaiting a terminal event. The daemon owns Conn until resolution.
type Pending struct {
	Request *protocol.PermissionRequest
	Conn    net.Conn
	Chat    chat.Handle

	// Timer is the armed per-request timeout; stopped by the resolver.
	Timer *time.Timer
	// CancelWatch stops the peer-close watcher. No-op when the watcher
	// itself is the resolver.
	CancelWatch func()
}

// IdleSnapshot is a point-in-time read of the idle record.
type IdleSnapshot struct {
	Idle     bool
	Since    time.Time
	Duration time.Duration
}

// Transition describes one idle-state change.
type Transition struct {
	Idle bool
	At   time.Time
}

// Counters accumulate totals for the status digest.
type Counters struct {
	Requests    int
	Approved    int
	Denied      int
	Passthrough int
	Remote      int
}

// Store is the single-writer record of idle state and pending requests.
type Store struct {
	mu       sync.Mutex
	idle     bool
	since    time.Time
	pending  map[string]*Pending
	counters Counters
}

func NewStore() *Store {
	return &Store{
		since:   time.Now(),
		pending: make(map[string]*Pending),
	}
}

// IdleSnapshot returns the current idle state with its duration.
func (s *Store) IdleSnapshot() IdleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IdleSnapshot{
		Idle:     s.idle,
		Since:    s.since,
		Duration: time.Since(s.since),
	}
}

// SetIdle records a new idle state. Returns nil when the value is
// unchanged; otherwise the transition descriptor, so the caller can fire
// change callbacks outside the critical section.
func (s *Store) SetIdle(idle bool) *Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle == idle {
		return nil
	}
	s.idle = idle
	s.since = time.Now()
	return &Transition{Idle: idle, At: s.since}
}

// Insert adds a pending request keyed by its request ID.
func (s *Store) Insert(p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.Request.RequestID] = p
}

// CountRequest bumps the total of permission requests received.
func (s *Store) CountRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Requests++
}

// Get returns the pending entry for id, or nil.
func (s *Store) Get(id string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

// Remove atomically removes and returns the entry for id, or nil if a
// competing resolver already claimed it.
func (s *Store) Remove(id string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	if p != nil {
		delete(s.pending, id)
	}
	return p
}

// Drain removes and returns every pending entry.
func (s *Store) Drain() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pending, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.pending = make(map[string]*Pending)
	return out
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CountOutcome bumps the counter for a resolved request.
func (s *Store) CountOutcome(outcome chat.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case chat.OutcomeApproved:
		s.counters.Approved++
	case chat.OutcomeDenied:
		s.counters.Denied++
	case chat.OutcomeAnsweredLocally:
		s.counters.Passthrough++
	case chat.OutcomeAnsweredRemotely:
		s.counters.Remote++
	}
}

// CountersSnapshot returns a copy of the accumulated totals.
func (s *Store) CountersSnapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}
