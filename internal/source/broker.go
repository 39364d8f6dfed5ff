package source

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"pilot/pkg/logger"
)

// Activator asks the external authority to enable a source. It blocks until
// the authority decides; the authority's own policy bounds the wait.
type Activator func(ctx context.Context, slug string) (allowed bool, err error)

// toolNotFoundPattern matches the channel's "unknown tool" error wording
// and captures the tool name.
var toolNotFoundPattern = regexp.MustCompile(`(?i)no such tool available:\s*([\w./-]+)`)

// Outcome reports one activation attempt.
type Outcome struct {
	Slug      string
	Activated bool
	// Hint replaces the generic "tool not found" text when activation
	// fails, so the model can tell the user what happened instead of
	// guessing alternate tool names.
	Hint string
}

// pendingActivation memoizes one in-flight activation per slug so the
// proactive and reactive detection paths never double-activate.
type pendingActivation struct {
	done    chan struct{}
	outcome Outcome
}

// Broker detects inactive-source conditions and drives activation through
// the external authority. Both detection paths share a single idempotent
// activation per slug for the duration of one pending request.
type Broker struct {
	registry  Registry
	activator Activator

	mu       sync.Mutex
	inflight map[string]*pendingActivation
	// attempted remembers slugs already activated (or refused) this
	// session, so a replacement turn cannot loop on the same slug.
	attempted map[string]bool
}

// NewBroker creates a Broker over the given registry and activator.
func NewBroker(registry Registry, activator Activator) *Broker {
	return &Broker{
		registry:  registry,
		activator: activator,
		inflight:  make(map[string]*pendingActivation),
		attempted: make(map[string]bool),
	}
}

// lookup returns the source owning slug, if known.
func (b *Broker) lookup(slug string) (Source, bool) {
	if b.registry == nil {
		return Source{}, false
	}
	for _, s := range b.registry.Sources() {
		if strings.EqualFold(s.Slug, slug) {
			return s, true
		}
	}
	return Source{}, false
}

// InactiveSourceFor reports the slug of a known-but-inactive source owning
// toolName. Used proactively, before dispatch.
func (b *Broker) InactiveSourceFor(toolName string) (string, bool) {
	slug, _, ok := SplitToolName(toolName)
	if !ok {
		return "", false
	}
	src, known := b.lookup(slug)
	if !known || src.Enabled {
		return "", false
	}
	return src.Slug, true
}

// InactiveSourceForError inspects a tool-result error text for the "tool
// not found" pattern and reports the owning inactive source, if any. Used
// reactively, after dispatch.
func (b *Broker) InactiveSourceForError(errorText string) (string, bool) {
	m := toolNotFoundPattern.FindStringSubmatch(errorText)
	if m == nil {
		return "", false
	}
	return b.InactiveSourceFor(m[1])
}

// AlreadyAttempted reports whether activation for slug was already driven
// this session. A replacement turn must not re-trigger it.
func (b *Broker) AlreadyAttempted(slug string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempted[strings.ToLower(slug)]
}

// Activate requests activation of slug, memoizing concurrent and repeated
// requests: only the first caller drives the authority, later callers for
// the same pending request share its outcome.
func (b *Broker) Activate(ctx context.Context, slug string) Outcome {
	key := strings.ToLower(slug)

	b.mu.Lock()
	if pa, ok := b.inflight[key]; ok {
		b.mu.Unlock()
		select {
		case <-pa.done:
			return pa.outcome
		case <-ctx.Done():
			return Outcome{Slug: slug, Activated: false, Hint: activationHint(slug)}
		}
	}
	pa := &pendingActivation{done: make(chan struct{})}
	b.inflight[key] = pa
	b.attempted[key] = true
	b.mu.Unlock()

	pa.outcome = b.drive(ctx, slug)
	close(pa.done)

	b.mu.Lock()
	delete(b.inflight, key)
	b.mu.Unlock()

	return pa.outcome
}

func (b *Broker) drive(ctx context.Context, slug string) Outcome {
	if b.activator == nil {
		return Outcome{Slug: slug, Activated: false, Hint: activationHint(slug)}
	}

	logger.Info().Str("slug", slug).Msg("requesting source activation")
	allowed, err := b.activator(ctx, slug)
	if err != nil {
		logger.Warn().Err(err).Str("slug", slug).Msg("source activation failed")
		return Outcome{Slug: slug, Activated: false, Hint: activationHint(slug)}
	}
	if !allowed {
		logger.Info().Str("slug", slug).Msg("source activation refused")
		return Outcome{Slug: slug, Activated: false, Hint: activationHint(slug)}
	}

	logger.Info().Str("slug", slug).Msg("source activated")
	return Outcome{Slug: slug, Activated: true}
}

// activationHint is the corrected error text handed to the model in place
// of a generic "tool not found".
func activationHint(slug string) string {
	return "The tool source \"" + slug + "\" is installed but not active. " +
		"It may require re-authentication. Ask the user to enable it instead of trying other tool names."
}
