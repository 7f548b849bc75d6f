// Package daemon coordinates the idle monitor, the IPC server and the
// chat adapter around the pending-request table. Four event sources may
// touch the same request (button press, idle transition, hook
// disconnect, timeout); atomic removal from the table guarantees each
// request is resolved exactly once, and every path the daemon does not
// understand ends in passthrough.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/stellarlinkco/permd/internal/chat"
	"github.com/stellarlinkco/permd/internal/config"
	"github.com/stellarlinkco/permd/internal/idle"
	"github.com/stellarlinkco/permd/internal/ipc"
	"github.com/stellarlinkco/permd/internal/protocol"
	"github.com/stellarlinkco/permd/internal/state"
)

const responseWriteTimeout = 5 * time.Second

// MonitorFactory creates the idle monitor (allows injection in tests).
type MonitorFactory func(cfg *config.Config, onChange idle.ChangeFunc) (idle.Monitor, error)

// Options for creating a Daemon with custom dependencies for testing.
type Options struct {
	Adapter        chat.Adapter
	MonitorFactory MonitorFactory
	SignalChan     chan os.Signal
}

// Daemon owns the per-request state machine and wires the event sources.
type Daemon struct {
	cfg       *config.Config
	store     *state.Store
	adapter   chat.Adapter
	monitor   idle.Monitor
	server    *ipc.Server
	cron      *rcron.Cron
	signalCh  chan os.Signal
	startedAt time.Time
}

// New creates a Daemon with the default Telegram adapter and the
// platform idle backend.
func New(cfg *config.Config) (*Daemon, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Daemon with injectable dependencies.
func NewWithOptions(cfg *config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		store:     state.NewStore(),
		signalCh:  opts.SignalChan,
		startedAt: time.Now(),
	}

	adapter := opts.Adapter
	if adapter == nil {
		tg, err := chat.NewTelegram(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("create chat adapter: %w", err)
		}
		adapter = tg
	}
	adapter.OnDecision(d.handleDecision)
	d.adapter = adapter

	monitorFactory := opts.MonitorFactory
	if monitorFactory == nil {
		monitorFactory = idle.New
	}
	monitor, err := monitorFactory(cfg, d.handleIdleChange)
	if err != nil {
		return nil, err
	}
	d.monitor = monitor

	d.server = ipc.NewServer(
		cfg.Daemon.SocketPath,
		cfg.Notifications.IgnoreTypes,
		d.handlePermissionRequest,
		d.handleNotification,
		cfg.Daemon.Debug,
	)

	if cfg.Digest.Enabled {
		d.cron = rcron.New(rcron.WithSeconds())
		if _, err := d.cron.AddFunc(cfg.Digest.Schedule, d.postDigest); err != nil {
			return nil, fmt.Errorf("digest schedule %q: %w", cfg.Digest.Schedule, err)
		}
	}

	return d, nil
}

// Run starts all components and blocks until a termination signal.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start chat adapter: %w", err)
	}
	if err := d.monitor.Start(ctx); err != nil {
		d.adapter.Stop()
		return fmt.Errorf("start idle monitor: %w", err)
	}
	if err := d.server.Start(); err != nil {
		d.monitor.Stop()
		d.adapter.Stop()
		return err
	}
	if d.cron != nil {
		d.cron.Start()
		log.Printf("[daemon] digest scheduled: %s", d.cfg.Digest.Schedule)
	}

	log.Printf("[daemon] started, socket %s", d.cfg.Daemon.SocketPath)

	sigCh := d.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[daemon] shutting down...")
	return d.Shutdown()
}

// Shutdown stops accepting connections, resolves every pending request
// as answered locally, and stops the remaining components.
func (d *Daemon) Shutdown() error {
	d.server.Stop()

	for _, p := range d.store.Drain() {
		d.resolvePending(p, chat.OutcomeAnsweredLocally, protocol.ActionPassthrough, "daemon shutting down")
	}

	if d.cron != nil {
		stopCtx := d.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[daemon] digest job stop timed out")
		}
	}
	d.adapter.Stop()
	d.monitor.Stop()
	log.Printf("[daemon] shutdown complete")
	return nil
}

// handlePermissionRequest drives NEW through POSTING to AWAITING, or
// straight to a passthrough response.
func (d *Daemon) handlePermissionRequest(frame *protocol.Frame, conn net.Conn) {
	req := protocol.NewPermissionRequest(frame)
	d.store.CountRequest()

	snap := d.store.IdleSnapshot()
	log.Printf("[daemon] request %s: %s (idle=%v for %s)",
		req.RequestID, req.ToolName, snap.Idle, snap.Duration.Round(time.Second))

	if !snap.Idle {
		d.respond(conn, protocol.ActionPassthrough, "user active locally")
		return
	}

	handle, err := d.adapter.PostRequest(req)
	if err != nil {
		// Chat unavailable is treated like an active user: the local
		// prompt is always the safe fallback.
		log.Printf("[daemon] chat post failed for %s: %v, passing through", req.RequestID, err)
		d.respond(conn, protocol.ActionPassthrough, "chat unavailable")
		return
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	p := &state.Pending{
		Request:     req,
		Conn:        conn,
		Chat:        handle,
		CancelWatch: cancelWatch,
	}
	p.Timer = time.AfterFunc(time.Duration(d.cfg.Daemon.RequestTimeout)*time.Second, func() {
		d.resolve(req.RequestID, chat.OutcomeAnsweredLocally, protocol.ActionPassthrough, "request timed out")
	})
	d.store.Insert(p)
	go d.watchPeer(watchCtx, req.RequestID, conn)

	// The user may have returned between the idle check and the insert;
	// the drain for that transition cannot see this entry, so settle it
	// here instead of letting it ride until the timeout.
	if !d.store.IdleSnapshot().Idle {
		d.resolve(req.RequestID, chat.OutcomeAnsweredLocally, protocol.ActionPassthrough, "user returned")
		return
	}

	log.Printf("[daemon] request %s awaiting remote decision", req.RequestID)
}

// watchPeer blocks reading from the hook connection. The hook sends
// nothing after its frame, so any read result means the peer closed.
// If the resolver cancelled us first, it owns the connection and this
// returns quietly.
func (d *Daemon) watchPeer(ctx context.Context, requestID string, conn net.Conn) {
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if ctx.Err() != nil {
		return
	}
	if d.cfg.Daemon.Debug {
		log.Printf("[daemon] hook connection for %s closed: %v", requestID, err)
	}
	d.resolve(requestID, chat.OutcomeAnsweredRemotely, protocol.ActionPassthrough, "")
}

// handleDecision is the chat adapter's button callback.
func (d *Daemon) handleDecision(requestID string, action protocol.Action) {
	switch action {
	case protocol.ActionApprove:
		d.resolve(requestID, chat.OutcomeApproved, action, "Approved via chat")
	case protocol.ActionDeny:
		d.resolve(requestID, chat.OutcomeDenied, action, "Denied via chat")
	default:
		log.Printf("[daemon] ignoring decision %q for %s", action, requestID)
	}
}

// handleIdleChange is the idle monitor callback. The transition is
// recorded first; callbacks losing the SetIdle race are dropped there.
func (d *Daemon) handleIdleChange(idleNow bool) {
	tr := d.store.SetIdle(idleNow)
	if tr == nil {
		return
	}
	if idleNow {
		log.Printf("[daemon] user idle, new requests go to chat")
		return
	}

	pending := d.store.Drain()
	log.Printf("[daemon] user active, resolving %d pending request(s)", len(pending))
	for _, p := range pending {
		d.resolvePending(p, chat.OutcomeAnsweredLocally, protocol.ActionPassthrough, "user returned")
	}
}

// handleNotification posts one-way notifications while the user is idle
// and only logs them while active.
func (d *Daemon) handleNotification(n *protocol.Notification) {
	snap := d.store.IdleSnapshot()
	if !snap.Idle {
		log.Printf("[daemon] notification %s (%s) while active, not posting", n.NotificationID, n.Type)
		return
	}

	if err := d.adapter.PostNotification(n); err != nil {
		log.Printf("[daemon] notification %s post failed (idle %s): %v",
			n.NotificationID, snap.Duration.Round(time.Second), err)
		return
	}
	log.Printf("[daemon] notification %s (%s) posted (idle %s)",
		n.NotificationID, n.Type, snap.Duration.Round(time.Second))
}

// resolve claims the entry for requestID and settles it. An absent
// entry means another event source won the race; the loser is dropped.
func (d *Daemon) resolve(requestID string, outcome chat.Outcome, action protocol.Action, reason string) {
	p := d.store.Remove(requestID)
	if p == nil {
		if d.cfg.Daemon.Debug {
			log.Printf("[daemon] request %s already resolved, dropping %s", requestID, outcome)
		}
		return
	}
	d.resolvePending(p, outcome, action, reason)
}

// resolvePending settles an entry already removed from the table.
// Removal precedes the chat update and the response write, so no other
// event source can reach either for the same request.
func (d *Daemon) resolvePending(p *state.Pending, outcome chat.Outcome, action protocol.Action, reason string) {
	if p.Timer != nil {
		p.Timer.Stop()
	}
	if p.CancelWatch != nil {
		p.CancelWatch()
	}

	if err := d.adapter.UpdateResolved(p.Chat, outcome, p.Request); err != nil {
		// A stale card is acceptable; the hook response still proceeds.
		log.Printf("[daemon] chat update failed for %s: %v", p.Request.RequestID, err)
	}

	if outcome == chat.OutcomeAnsweredRemotely {
		// The peer is gone; there is nobody to respond to.
		p.Conn.Close()
	} else {
		d.respond(p.Conn, action, reason)
	}

	d.store.CountOutcome(outcome)
	log.Printf("[daemon] request %s resolved: %s", p.Request.RequestID, outcome)
}

// respond writes the one-line decision and closes the connection.
func (d *Daemon) respond(conn net.Conn, action protocol.Action, reason string) {
	defer conn.Close()

	data, err := (&protocol.Response{Action: action, Reason: reason}).Encode()
	if err != nil {
		log.Printf("[daemon] encode response: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	if _, err := conn.Write(data); err != nil {
		log.Printf("[daemon] write response: %v", err)
	}
}

// postDigest sends the periodic status summary through the chat adapter.
func (d *Daemon) postDigest() {
	snap := d.store.IdleSnapshot()
	c := d.store.CountersSnapshot()

	stateDesc := "active"
	if snap.Idle {
		stateDesc = "idle"
	}
	text := fmt.Sprintf(
		"📊 <b>permd status</b>\nUptime: %s\nUser: %s for %s\nRequests: %d (approved %d, denied %d, passthrough %d, remote %d)\nPending: %d",
		time.Since(d.startedAt).Round(time.Second),
		stateDesc,
		snap.Duration.Round(time.Second),
		c.Requests, c.Approved, c.Denied, c.Passthrough, c.Remote,
		d.store.Len(),
	)
	if err := d.adapter.PostStatus(text); err != nil {
		log.Printf("[daemon] digest post failed: %v", err)
	}
}
