package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"pilot/internal/continuity"
	"pilot/internal/source"
	"pilot/internal/stream"
	"pilot/pkg/logger"
)

// Dispatcher executes one namespaced host tool and returns its result
// content. isError marks results the model should treat as failures; err is
// reserved for dispatch-level faults and is reported to the model as an
// error result too.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, input json.RawMessage) (content string, isError bool, err error)
}

// Options wires an Orchestrator. Client, Hooks and Continuity are required;
// the rest degrade gracefully when nil.
type Options struct {
	Client     stream.Client
	Dispatcher Dispatcher
	Hooks      *HookPipeline
	Broker     *source.Broker
	Continuity *continuity.Manager
	Registry   source.Registry

	WorkingDir     string
	ThinkingLevel  string
	PermissionMode func() string
}

// Orchestrator drives one conversation: it opens a fragment stream per turn,
// translates fragments into the ordered event sequence, dispatches host
// tools through the hook pipeline, recovers silently from failed resumes and
// restarts the turn after a mid-conversation source activation. One
// Orchestrator per session; starting a new turn force-aborts the previous
// one.
type Orchestrator struct {
	opts Options

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewOrchestrator creates an Orchestrator over the given collaborators.
func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

// Turn starts one turn and returns its event stream. The channel carries
// the full ordered sequence for the turn and closes after exactly one
// EventComplete; the caller must consume it until it closes. Any turn
// still in flight is aborted first.
func (o *Orchestrator) Turn(ctx context.Context, message string) <-chan Event {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.opts.Client.Abort()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer cancel()
		defer close(events)
		o.run(turnCtx, message, events)
	}()
	return events
}

// Cancel aborts the in-flight turn, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.opts.Client.Abort()
	}
}

// attemptResult is the outcome of consuming one stream attempt.
type attemptResult struct {
	// replaySlug is set when a source activation succeeded mid-stream and
	// the turn must be replayed.
	replaySlug string
	// streamErr is the transport failure reported by an error fragment.
	streamErr error
	cancelled bool
}

// run is the outer attempt loop for one turn. Each iteration opens one
// stream; a silent resume retry or a successful source activation restarts
// the iteration with a rebuilt prompt. The resume retry budget is one; the
// broker's attempted set bounds activation replays.
func (o *Orchestrator) run(ctx context.Context, message string, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	resumeRetried := false
	recovery := ""
	for {
		token := o.opts.Continuity.ResumeToken()
		resuming := token != ""
		tr := NewTranslator()

		frags, err := o.openStream(ctx, o.buildPrompt(message, recovery), token)
		if err != nil {
			typed := continuity.Classify(err.Error(), o.diagnostic())
			emit(Event{Type: EventTypedError, TypedError: &typed, ErrorMsg: err.Error()})
			events <- Event{Type: EventComplete, Status: CompleteError}
			return
		}

		res := o.consume(ctx, tr, frags, emit)
		if res.cancelled {
			o.opts.Client.Abort()
			drain(frags)
			events <- Event{Type: EventStatus, Status: "interrupted"}
			events <- Event{Type: EventComplete, Status: CompleteInterrupted}
			return
		}
		if res.replaySlug != "" {
			drain(frags)
			logger.Info().Str("slug", res.replaySlug).Msg("replaying turn after source activation")
			continue
		}

		raw := tr.FinalError()
		if res.streamErr != nil {
			raw = res.streamErr.Error()
		}
		if raw != "" {
			typed := continuity.Classify(raw, o.diagnostic())
			if typed.Code == continuity.CodeSessionExpired && resuming && !resumeRetried {
				// Silent recovery: drop the dead token and replay the
				// message once with the recent-exchange context.
				o.opts.Continuity.ClearResumeToken()
				resumeRetried = true
				recovery = o.opts.Continuity.RecoveryContext()
				logger.Info().Msg("resume rejected, retrying fresh")
				continue
			}
			emit(Event{Type: EventTypedError, TypedError: &typed, ErrorMsg: raw})
			events <- Event{Type: EventComplete, Status: CompleteError}
			return
		}

		if o.opts.Continuity.ShouldRetryResume(resuming, tr.SawContent(), resumeRetried) {
			// The resume "succeeded" but produced nothing: the token is
			// dead. Same recovery path, same budget of one.
			o.opts.Continuity.ClearResumeToken()
			resumeRetried = true
			recovery = o.opts.Continuity.RecoveryContext()
			logger.Info().Msg("resumed stream was empty, retrying fresh")
			continue
		}

		if tok := tr.SessionToken(); tok != "" {
			o.opts.Continuity.SetResumeToken(tok)
		}
		assistant := tr.FinalResult()
		if assistant == "" {
			assistant = tr.Text()
		}
		o.opts.Continuity.RecordExchange(message, assistant)
		events <- Event{Type: EventComplete, Status: CompleteSuccess}
		return
	}
}

// consume processes one stream attempt until the fragment channel closes,
// dispatching ready host tools as they appear.
func (o *Orchestrator) consume(ctx context.Context, tr *Translator, frags <-chan stream.Fragment, emit func(Event) bool) attemptResult {
	var res attemptResult
	for {
		select {
		case <-ctx.Done():
			res.cancelled = true
			return res
		case f, ok := <-frags:
			if !ok {
				return res
			}
			if f.Type == stream.FragmentError {
				// The channel closes right after; keep the error and
				// let the outer loop classify it.
				res.streamErr = f.Err
				continue
			}
			for _, ev := range tr.Translate(f) {
				if ev.Type == EventToolResult && ev.IsError {
					if out, tried := o.reactiveActivate(ctx, ev.Content); tried {
						if out.Activated {
							o.opts.Client.Abort()
							if !emit(Event{Type: EventSourceActivated, Slug: out.Slug}) {
								res.cancelled = true
								return res
							}
							res.replaySlug = out.Slug
							return res
						}
						ev.Content = out.Hint
					}
				}
				if !emit(ev) {
					res.cancelled = true
					return res
				}
			}
			for _, rec := range tr.TakeReady() {
				slug, ok := o.dispatchOne(ctx, tr, rec, emit)
				if !ok {
					res.cancelled = true
					return res
				}
				if slug != "" {
					o.opts.Client.Abort()
					res.replaySlug = slug
					return res
				}
			}
		}
	}
}

// dispatchOne runs one ready host tool through the hook pipeline and the
// dispatcher, reports the result back over the channel and emits the
// tool-result event. A non-empty slug means the turn must be replayed after
// a successful activation.
func (o *Orchestrator) dispatchOne(ctx context.Context, tr *Translator, rec *ToolCallRecord, emit func(Event) bool) (string, bool) {
	pre := o.opts.Hooks.PreToolUse(ctx, rec, func(ev Event) { emit(ev) })

	switch pre.Action {
	case ActionDeny:
		content := "Permission denied"
		if pre.Reason != "" {
			content = "Permission denied: " + pre.Reason
		}
		return "", o.settle(tr, rec, content, true, emit)

	case ActionActivate:
		out := o.opts.Broker.Activate(ctx, pre.Slug)
		if out.Activated {
			if !emit(Event{Type: EventSourceActivated, Slug: out.Slug}) {
				return "", false
			}
			return out.Slug, true
		}
		return "", o.settle(tr, rec, out.Hint, true, emit)
	}

	content, isError := o.dispatch(ctx, rec.Name, pre.Input)
	content = o.opts.Hooks.PostToolUse(ctx, rec.ToolUseID, content, isError)
	if isError {
		if out, tried := o.reactiveActivate(ctx, content); tried {
			if out.Activated {
				tr.Index().Finish(rec.ToolUseID)
				if !emit(Event{Type: EventSourceActivated, Slug: out.Slug}) {
					return "", false
				}
				return out.Slug, true
			}
			content = out.Hint
		}
	}
	return "", o.settle(tr, rec, content, isError, emit)
}

// settle finishes one host tool call: index cleanup, result back to the
// channel, tool-result event out. An invocation the channel already settled
// itself stays silent.
func (o *Orchestrator) settle(tr *Translator, rec *ToolCallRecord, content string, isError bool, emit func(Event) bool) bool {
	if !tr.Index().MarkSettled(rec.ToolUseID) {
		return true
	}
	tr.Index().Finish(rec.ToolUseID)
	o.respond(rec.ToolUseID, content, isError)
	return emit(Event{
		Type:      EventToolResult,
		ToolUseID: rec.ToolUseID,
		Name:      rec.Name,
		Content:   content,
		IsError:   isError,
	})
}

// dispatch executes the tool through the host dispatcher.
func (o *Orchestrator) dispatch(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	if o.opts.Dispatcher == nil {
		return "tool \"" + name + "\" has no host dispatcher", true
	}
	content, isError, err := o.opts.Dispatcher.Dispatch(ctx, name, input)
	if err != nil {
		return err.Error(), true
	}
	return content, isError
}

// reactiveActivate checks an error result text for the inactive-source
// pattern and, at most once per slug per session, drives activation.
func (o *Orchestrator) reactiveActivate(ctx context.Context, content string) (source.Outcome, bool) {
	if o.opts.Broker == nil {
		return source.Outcome{}, false
	}
	slug, ok := o.opts.Broker.InactiveSourceForError(content)
	if !ok || o.opts.Broker.AlreadyAttempted(slug) {
		return source.Outcome{}, false
	}
	return o.opts.Broker.Activate(ctx, slug), true
}

// openStream opens one attempt, retrying once when the previous aborted
// stream has not fully released yet.
func (o *Orchestrator) openStream(ctx context.Context, prompt, token string) (<-chan stream.Fragment, error) {
	opts := stream.OpenOptions{
		Prompt:        prompt,
		ResumeToken:   token,
		WorkingDir:    o.opts.WorkingDir,
		ThinkingLevel: o.opts.ThinkingLevel,
	}
	if o.opts.PermissionMode != nil {
		opts.PermissionMode = o.opts.PermissionMode()
	}

	frags, err := o.opts.Client.OpenStream(ctx, opts)
	if errors.Is(err, stream.ErrStreamInFlight) {
		o.opts.Client.Abort()
		time.Sleep(100 * time.Millisecond)
		frags, err = o.opts.Client.OpenStream(ctx, opts)
	}
	return frags, err
}

// buildPrompt assembles the outbound prompt: recovery context first, then
// the active-source snapshot, then the user's message.
func (o *Orchestrator) buildPrompt(message, recovery string) string {
	var b strings.Builder
	if recovery != "" {
		b.WriteString(recovery)
	}
	if o.opts.Registry != nil {
		var active []string
		for _, s := range o.opts.Registry.Sources() {
			if s.Enabled {
				active = append(active, s.Slug)
			}
		}
		if len(active) > 0 {
			b.WriteString("<active-tool-sources>")
			b.WriteString(strings.Join(active, ", "))
			b.WriteString("</active-tool-sources>\n\n")
		}
	}
	b.WriteString(message)
	return b.String()
}

// respond reports a host tool result back over the channel, when the client
// supports it.
func (o *Orchestrator) respond(toolUseID, content string, isError bool) {
	responder, ok := o.opts.Client.(stream.ToolResponder)
	if !ok {
		return
	}
	if err := responder.SendToolResult(toolUseID, content, isError); err != nil {
		logger.Warn().Err(err).Str("tool_use_id", toolUseID).Msg("failed to send tool result")
	}
}

// diagnostic returns the client's side-channel log tail, when available.
func (o *Orchestrator) diagnostic() string {
	if d, ok := o.opts.Client.(stream.Diagnoser); ok {
		return d.DiagnosticTail()
	}
	return ""
}

// drain empties a fragment channel so the producing goroutine can exit.
func drain(frags <-chan stream.Fragment) {
	for range frags {
	}
}
