package state

import (
	"testing"
	"time"

	"github.com/stellarlinkco/permd/internal/chat"
	"github.com/stellarlinkco/permd/internal/protocol"
)

func newRequest(t *testing.T) *protocol.PermissionRequest {
	t.Helper()
	return protocol.NewPermissionRequest(&protocol.Frame{
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "ls"},
	})
}

func TestStore_IdleDefaultsToActive(t *testing.T) {
	s := NewStore()
	snap := s.IdleSnapshot()
	if snap.Idle {
		t.Error("new store should start active")
	}
	if snap.Since.IsZero() {
		t.Error("since should be set")
	}
}

func TestStore_SetIdle_Transition(t *testing.T) {
	s := NewStore()

	tr := s.SetIdle(true)
	if tr == nil || !tr.Idle {
		t.Fatalf("SetIdle(true) = %+v, want idle transition", tr)
	}

	// Same value again is a no-op.
	if tr := s.SetIdle(true); tr != nil {
		t.Errorf("repeated SetIdle(true) = %+v, want nil", tr)
	}

	tr = s.SetIdle(false)
	if tr == nil || tr.Idle {
		t.Fatalf("SetIdle(false) = %+v, want active transition", tr)
	}
}

func TestStore_SetIdle_ResetsDuration(t *testing.T) {
	s := NewStore()
	time.Sleep(10 * time.Millisecond)
	before := s.IdleSnapshot()
	if before.Duration <= 0 {
		t.Fatal("duration should grow while state is unchanged")
	}

	s.SetIdle(true)
	after := s.IdleSnapshot()
	if after.Duration > before.Duration {
		t.Error("duration should reset across a transition")
	}
}

func TestStore_InsertRemove(t *testing.T) {
	s := NewStore()
	p := &Pending{Request: newRequest(t)}
	s.Insert(p)

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if got := s.Get(p.Request.RequestID); got != p {
		t.Error("Get should return the inserted entry")
	}

	if got := s.Remove(p.Request.RequestID); got != p {
		t.Error("Remove should return the entry")
	}
	// Second removal is the losing side of a race.
	if got := s.Remove(p.Request.RequestID); got != nil {
		t.Error("second Remove should return nil")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_Drain(t *testing.T) {
	s := NewStore()
	a := &Pending{Request: newRequest(t)}
	b := &Pending{Request: newRequest(t)}
	s.Insert(a)
	s.Insert(b)

	drained := s.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain returned %d entries, want 2", len(drained))
	}
	if s.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", s.Len())
	}
	// A drained entry cannot be resolved again through the table.
	if got := s.Remove(a.Request.RequestID); got != nil {
		t.Error("Remove after Drain should return nil")
	}
}

func TestStore_Counters(t *testing.T) {
	s := NewStore()
	s.CountRequest()
	s.CountOutcome(chat.OutcomeApproved)
	s.CountOutcome(chat.OutcomeDenied)
	s.CountOutcome(chat.OutcomeAnsweredLocally)
	s.CountOutcome(chat.OutcomeAnsweredRemotely)

	c := s.CountersSnapshot()
	if c.Requests != 1 || c.Approved != 1 || c.Denied != 1 || c.Passthrough != 1 || c.Remote != 1 {
		t.Errorf("counters = %+v", c)
	}
}
