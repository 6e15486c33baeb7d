package toolkit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrRejected is returned by Gate.Request helpers (and surfaced by tools)
// when the user declines an approval request.
var ErrRejected = errors.New("rejected by user")

// Decision is the resolution of an approval request.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionApproveSession Decision = "approve_for_session"
	DecisionReject         Decision = "reject"
)

// ApprovalRequest is one pending user-consent question. It resolves
// exactly once; later resolutions are ignored.
type ApprovalRequest struct {
	ID          string
	Sender      string
	Action      string
	Description string

	once    sync.Once
	decided chan Decision
}

// resolve delivers the decision. Reports false if already resolved.
func (r *ApprovalRequest) resolve(d Decision) bool {
	delivered := false
	r.once.Do(func() {
		r.decided <- d
		delivered = true
	})
	return delivered
}

// Gate serializes side-effecting tool calls through a request/response
// protocol with the user, with per-session auto-approve memory and a
// bypass mode. Safe for concurrent use by many tool goroutines.
type Gate struct {
	mu      sync.Mutex
	bypass  bool
	session map[string]struct{}
	pending map[string]*ApprovalRequest
	queue   chan *ApprovalRequest
	logger  *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithBypass puts the gate in auto-approve-everything mode.
func WithBypass() GateOption {
	return func(g *Gate) { g.bypass = true }
}

// WithGateLogger sets the structured logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a Gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		session: make(map[string]struct{}),
		pending: make(map[string]*ApprovalRequest),
		queue:   make(chan *ApprovalRequest, 64),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request asks for user consent to perform action. It returns immediately
// when the gate is bypassed or the action was previously approved for the
// session; otherwise it enqueues an ApprovalRequest and suspends the
// calling goroutine until the user resolves it. The boolean is true when
// the call may proceed.
func (g *Gate) Request(ctx context.Context, sender, action, description string) (bool, error) {
	g.mu.Lock()
	if g.bypass {
		g.mu.Unlock()
		return true, nil
	}
	if _, ok := g.session[action]; ok {
		g.mu.Unlock()
		return true, nil
	}

	req := &ApprovalRequest{
		ID:          uuid.New().String(),
		Sender:      sender,
		Action:      action,
		Description: description,
		decided:     make(chan Decision, 1),
	}
	g.pending[req.ID] = req
	g.mu.Unlock()

	select {
	case g.queue <- req:
	case <-ctx.Done():
		g.drop(req.ID)
		return false, ctx.Err()
	}

	select {
	case d := <-req.decided:
		g.drop(req.ID)
		if d == DecisionApproveSession {
			g.mu.Lock()
			g.session[action] = struct{}{}
			g.mu.Unlock()
		}
		return d != DecisionReject, nil
	case <-ctx.Done():
		g.drop(req.ID)
		return false, ctx.Err()
	}
}

// FetchRequest blocks until a pending request arrives or the context is
// cancelled. The engine calls this to forward requests onto the wire.
func (g *Gate) FetchRequest(ctx context.Context) (*ApprovalRequest, error) {
	select {
	case req := <-g.queue:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers the user's decision for the request with the given id.
// Resolving an unknown or already-resolved id logs a warning and is
// otherwise a no-op.
func (g *Gate) Resolve(id string, d Decision) {
	g.mu.Lock()
	req, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		g.logger.Warn("approval resolution for unknown request", "id", id, "decision", d)
		return
	}
	if !req.resolve(d) {
		g.logger.Warn("approval request already resolved", "id", id, "decision", d)
	}
}

// Bypassed reports whether the gate auto-approves everything.
func (g *Gate) Bypassed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bypass
}

func (g *Gate) drop(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
