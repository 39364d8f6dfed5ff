package gateway

import (
	"sync"

	"pilot/internal/continuity"
	"pilot/internal/engine"
	"pilot/internal/permission"
	"pilot/internal/session"
	"pilot/internal/source"
)

// Runtime bundles the live engine state for one session. Policy, pending
// requests and whitelists are session-scoped and die with the runtime.
type Runtime struct {
	Policy       *permission.Policy
	Pending      *permission.Pending
	Broker       *source.Broker
	Continuity   *continuity.Manager
	Orchestrator *engine.Orchestrator
}

// RuntimeFactory assembles a Runtime for a stored session.
type RuntimeFactory func(sess *session.Session) (*Runtime, error)

// RuntimeManager memoizes one Runtime per session id.
type RuntimeManager struct {
	factory RuntimeFactory

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewRuntimeManager creates a manager over the given factory.
func NewRuntimeManager(factory RuntimeFactory) *RuntimeManager {
	return &RuntimeManager{
		factory:  factory,
		runtimes: make(map[string]*Runtime),
	}
}

// Get returns the session's runtime, building it on first use.
func (m *RuntimeManager) Get(sess *session.Session) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[sess.ID]; ok {
		return rt, nil
	}
	rt, err := m.factory(sess)
	if err != nil {
		return nil, err
	}
	m.runtimes[sess.ID] = rt
	return rt, nil
}

// Peek returns an already built runtime without creating one.
func (m *RuntimeManager) Peek(sessionID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	return rt, ok
}

// Drop removes a session's runtime, cancelling any in-flight turn.
func (m *RuntimeManager) Drop(sessionID string) {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	delete(m.runtimes, sessionID)
	m.mu.Unlock()
	if ok && rt.Orchestrator != nil {
		rt.Orchestrator.Cancel()
	}
}
