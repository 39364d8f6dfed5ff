package permission

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"pilot/pkg/logger"
)

// ErrRequestNotFound is returned when resolving an unknown request id.
var ErrRequestNotFound = errors.New("permission: request not found")

// Request describes one permission request surfaced to the UI.
type Request struct {
	RequestID   string `json:"request_id"`
	ToolName    string `json:"tool_name"`
	Command     string `json:"command,omitempty"`
	BaseCommand string `json:"base_command,omitempty"`
	Description string `json:"description,omitempty"`
}

// Result is the resolution of a permission request.
type Result struct {
	Allowed     bool `json:"allowed"`
	AlwaysAllow bool `json:"always_allow"`
}

// RequestCallback is notified when a new request needs a decision. Fired at
// most once per request id.
type RequestCallback func(req Request)

// pendingRequest holds the state for one outstanding request.
type pendingRequest struct {
	request Request
	done    chan Result
}

// Pending tracks outstanding permission requests and blocks callers until
// an external decision arrives. There is no internal timeout: a pending
// request represents a human decision.
type Pending struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	callback RequestCallback
}

// NewPending creates an empty pending-request tracker.
func NewPending() *Pending {
	return &Pending{pending: make(map[string]*pendingRequest)}
}

// OnRequest registers the decision callback. Without a registered callback
// every Ask fails closed (Wait returns denied).
func (p *Pending) OnRequest(cb RequestCallback) {
	p.mu.Lock()
	p.callback = cb
	p.mu.Unlock()
}

// Wait creates a request, notifies the callback and blocks until Resolve is
// called or ctx is cancelled. notify, when non-nil, observes the created
// request before the registered callback fires; the engine uses it to put
// the permission request on the event stream. With no callback registered
// every Ask denies immediately: fail closed.
func (p *Pending) Wait(ctx context.Context, toolName string, d Decision, notify func(Request)) (Result, error) {
	p.mu.Lock()
	cb := p.callback
	if cb == nil {
		p.mu.Unlock()
		logger.Warn().Str("tool", toolName).Msg("no permission callback registered, denying")
		return Result{Allowed: false}, nil
	}

	pr := &pendingRequest{
		request: Request{
			RequestID:   uuid.New().String(),
			ToolName:    toolName,
			Command:     d.Command,
			BaseCommand: d.BaseCommand,
			Description: d.Reason,
		},
		done: make(chan Result, 1),
	}
	p.pending[pr.request.RequestID] = pr
	p.mu.Unlock()

	logger.Info().
		Str("request_id", pr.request.RequestID).
		Str("tool", toolName).
		Str("command", d.Command).
		Msg("permission request created")

	if notify != nil {
		notify(pr.request)
	}
	cb(pr.request)

	select {
	case result := <-pr.done:
		return result, nil
	case <-ctx.Done():
		p.remove(pr.request.RequestID)
		return Result{Allowed: false}, ctx.Err()
	}
}

// Resolve settles a pending request exactly once. Later resolutions for the
// same id return ErrRequestNotFound.
func (p *Pending) Resolve(requestID string, allowed, alwaysAllow bool) error {
	p.mu.Lock()
	pr, ok := p.pending[requestID]
	if !ok {
		p.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(p.pending, requestID)
	p.mu.Unlock()

	logger.Info().
		Str("request_id", requestID).
		Bool("allowed", allowed).
		Bool("always_allow", alwaysAllow).
		Msg("permission request resolved")

	pr.done <- Result{Allowed: allowed, AlwaysAllow: alwaysAllow}
	return nil
}

// List returns the outstanding requests.
func (p *Pending) List() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, 0, len(p.pending))
	for _, pr := range p.pending {
		out = append(out, pr.request)
	}
	return out
}

func (p *Pending) remove(requestID string) {
	p.mu.Lock()
	delete(p.pending, requestID)
	p.mu.Unlock()
}
