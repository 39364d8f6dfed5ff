package continuity

import (
	"fmt"
	"strings"
	"sync"

	"pilot/pkg/logger"
)

// DefaultMaxRecoveryPairs is the number of user/assistant exchanges
// summarized into the recovery context when a resume silently fails.
const DefaultMaxRecoveryPairs = 3

// Exchange is one completed user/assistant message pair.
type Exchange struct {
	User      string
	Assistant string
}

// Manager owns the resumable session token and the recent-exchange window
// used to rebuild context after a silent resume failure. One Manager per
// session; access is single-threaded per session but a mutex guards against
// host-side snapshot reads.
type Manager struct {
	mu        sync.Mutex
	token     string
	exchanges []Exchange
	maxPairs  int
}

// NewManager creates a Manager keeping at most maxPairs recent exchanges.
func NewManager(maxPairs int) *Manager {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxRecoveryPairs
	}
	return &Manager{maxPairs: maxPairs}
}

// ResumeToken returns the current resume token, empty when the next turn
// must start fresh.
func (m *Manager) ResumeToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// SetResumeToken stores the token reported by a successful turn.
func (m *Manager) SetResumeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// ClearResumeToken drops the token. Called when a resume attempt yields no
// model content or the channel reports the session as expired.
func (m *Manager) ClearResumeToken() {
	m.mu.Lock()
	if m.token != "" {
		logger.Info().Msg("resume token cleared")
	}
	m.token = ""
	m.mu.Unlock()
}

// RecordExchange appends a completed user/assistant pair to the recovery
// window, evicting the oldest beyond the limit.
func (m *Manager) RecordExchange(user, assistant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, Exchange{User: user, Assistant: assistant})
	if len(m.exchanges) > m.maxPairs {
		m.exchanges = m.exchanges[len(m.exchanges)-m.maxPairs:]
	}
}

// RecoveryContext builds the context block prepended to the replayed
// message after a silent resume failure. Empty when there is no history to
// recover.
func (m *Manager) RecoveryContext() string {
	m.mu.Lock()
	exchanges := append([]Exchange(nil), m.exchanges...)
	m.mu.Unlock()

	if len(exchanges) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<conversation-recovery>\n")
	b.WriteString("The previous session could not be resumed. Recent conversation for context:\n")
	for i, ex := range exchanges {
		fmt.Fprintf(&b, "\n[%d] User: %s\n", i+1, ex.User)
		if ex.Assistant != "" {
			fmt.Fprintf(&b, "[%d] Assistant: %s\n", i+1, ex.Assistant)
		}
	}
	b.WriteString("</conversation-recovery>\n\n")
	return b.String()
}

// ShouldRetryResume decides whether a finished stream warrants the one
// transparent resume retry: the turn must have been resuming, must not have
// produced any model content, and the retry budget must be unspent. The
// explicit retried flag is what bounds recovery to depth 1.
func (m *Manager) ShouldRetryResume(resuming, sawContent, retried bool) bool {
	return resuming && !sawContent && !retried
}
