// Package chat posts permission cards and notifications to the remote
// chat service and delivers button decisions back to the daemon.
package chat

import (
	"context"

	"github.com/stellarlinkco/permd/internal/protocol"
)

// Handle identifies a posted message well enough to edit it later.
type Handle struct {
	ChatID    int64
	MessageID int
}

// Zero reports whether the handle refers to no message.
func (h Handle) Zero() bool {
	return h.MessageID == 0
}

// Outcome is the terminal status a permission card is edited to.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeDenied           Outcome = "denied"
	OutcomeAnsweredLocally  Outcome = "answered_locally"
	OutcomeAnsweredRemotely Outcome = "answered_remotely"
)

// DecisionFunc receives button decisions. The request ID comes verbatim
// from the button payload; unknown IDs are the daemon's problem.
type DecisionFunc func(requestID string, action protocol.Action)

// Adapter is the transport-independent surface the daemon talks to.
// Implementations own their connection and reconnect state; PostRequest,
// PostNotification and UpdateResolved return either success or a
// terminal error for that call.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	OnDecision(fn DecisionFunc)
	PostRequest(req *protocol.PermissionRequest) (Handle, error)
	PostNotification(n *protocol.Notification) error
	PostStatus(text string) error
	UpdateResolved(h Handle, outcome Outcome, req *protocol.PermissionRequest) error
}
