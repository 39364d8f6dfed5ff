package engine

import (
	"strings"

	"pilot/internal/stream"
)

// Translator consumes inbound fragments and emits a deduplicated, ordered
// event sequence using the turn's ToolCallIndex. It is deterministic:
// replaying an identical fragment sequence through a fresh Translator
// reproduces an identical event sequence, which is what makes turn replay
// during recovery safe.
type Translator struct {
	index *ToolCallIndex

	sawContent   bool
	sessionToken string
	finalResult  string
	finalError   string
	resultSeen   bool
	textParts    []string

	// ready queues aggregate-sighted invocations for dispatch, in
	// fragment order.
	ready []*ToolCallRecord
}

// NewTranslator creates a Translator over a fresh index.
func NewTranslator() *Translator {
	return &Translator{index: NewToolCallIndex()}
}

// Index exposes the turn's tool-call index.
func (t *Translator) Index() *ToolCallIndex {
	return t.index
}

// SawContent reports whether any model content was observed. A resumed
// stream that completes without content means the resume token is invalid.
func (t *Translator) SawContent() bool {
	return t.sawContent
}

// SessionToken returns the resumable token reported by the channel, if any.
func (t *Translator) SessionToken() string {
	return t.sessionToken
}

// FinalError returns the terminal error text reported by the channel.
func (t *Translator) FinalError() string {
	return t.finalError
}

// FinalResult returns the terminal result text reported by the channel.
func (t *Translator) FinalResult() string {
	return t.finalResult
}

// ResultSeen reports whether a terminal result fragment arrived.
func (t *Translator) ResultSeen() bool {
	return t.resultSeen
}

// Text returns the assembled assistant text for this attempt.
func (t *Translator) Text() string {
	return strings.Join(t.textParts, "")
}

// TakeReady returns and clears the invocations queued for dispatch.
func (t *Translator) TakeReady() []*ToolCallRecord {
	ready := t.ready
	t.ready = nil
	return ready
}

// Translate processes one fragment and returns the events it produces, in
// order. Duplicate sightings of the same tool invocation update the index
// but never re-emit a tool-start.
func (t *Translator) Translate(f stream.Fragment) []Event {
	switch f.Type {
	case stream.FragmentStatus:
		return t.translateStatus(f)
	case stream.FragmentDelta:
		return t.translateDelta(f)
	case stream.FragmentAssistant:
		return t.translateAssistant(f)
	case stream.FragmentProgress:
		return t.translateProgress(f)
	case stream.FragmentToolResult:
		return t.translateToolResult(f)
	case stream.FragmentResult:
		return t.translateResult(f)
	default:
		return nil
	}
}

func (t *Translator) translateStatus(f stream.Fragment) []Event {
	if f.SessionToken != "" {
		t.sessionToken = f.SessionToken
	}
	if f.Status == "" {
		return nil
	}
	return []Event{{Type: EventStatus, Status: f.Status}}
}

func (t *Translator) translateDelta(f stream.Fragment) []Event {
	var events []Event
	if f.TextDelta != "" {
		t.sawContent = true
		t.textParts = append(t.textParts, f.TextDelta)
		events = append(events, Event{Type: EventTextDelta, Text: f.TextDelta})
	}
	if f.ToolUseID != "" {
		t.sawContent = true
		rec, _ := t.index.Register(f.ToolUseID, f.Name, f.Input, f.ParentToolUseID)
		events = append(events, t.startEvents(rec)...)
	}
	return events
}

func (t *Translator) translateAssistant(f stream.Fragment) []Event {
	var events []Event
	for _, block := range f.Blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			t.sawContent = true
			events = append(events, Event{Type: EventTextComplete, Text: block.Text})
		case "tool_use":
			if block.ToolUseID == "" {
				continue
			}
			t.sawContent = true
			rec, _ := t.index.Register(block.ToolUseID, block.Name, block.Input, f.ParentToolUseID)
			events = append(events, t.startEvents(rec)...)
			// The aggregate sighting is authoritative: the invocation
			// is now ready for dispatch, exactly once, even when the
			// tool takes no arguments. Invocations the channel already
			// settled itself stay out of the queue.
			if t.index.MarkDispatched(rec.ToolUseID) {
				t.ready = append(t.ready, rec)
			}
		}
	}
	return events
}

func (t *Translator) translateProgress(f stream.Fragment) []Event {
	if f.ToolUseID == "" {
		return nil
	}
	rec, ok := t.index.Get(f.ToolUseID)
	if !ok {
		rec, _ = t.index.Register(f.ToolUseID, f.Name, f.Input, f.ParentToolUseID)
		return t.startEvents(rec)
	}
	// A progress ping can teach us the parent of an already known call.
	if rec.ParentToolUseID == "" && f.ParentToolUseID != "" {
		rec.ParentToolUseID = f.ParentToolUseID
		return []Event{{
			Type:            EventParentUpdate,
			ToolUseID:       rec.ToolUseID,
			ParentToolUseID: rec.ParentToolUseID,
		}}
	}
	return nil
}

func (t *Translator) translateToolResult(f stream.Fragment) []Event {
	if f.ToolUseID == "" {
		return nil
	}
	rec, ok := t.index.Get(f.ToolUseID)
	if !ok {
		// Result for an invocation we never saw announced. Register it
		// so the start-before-result invariant holds.
		rec, _ = t.index.Register(f.ToolUseID, f.Name, f.Input, f.ParentToolUseID)
	}
	// The channel executed this invocation itself: the host must not
	// dispatch it, and a still-queued dispatch is withdrawn.
	t.index.MarkDispatched(rec.ToolUseID)
	t.dropReady(rec.ToolUseID)
	if !t.index.MarkSettled(rec.ToolUseID) {
		// The host already reported a result for this id.
		return nil
	}
	events := t.startEvents(rec)
	t.index.Finish(rec.ToolUseID)
	events = append(events, Event{
		Type:      EventToolResult,
		ToolUseID: rec.ToolUseID,
		Name:      rec.Name,
		Content:   f.Content,
		IsError:   f.IsError,
	})
	return events
}

// dropReady withdraws a queued invocation that no longer needs host
// dispatch.
func (t *Translator) dropReady(id string) {
	for i, rec := range t.ready {
		if rec.ToolUseID == id {
			t.ready = append(t.ready[:i], t.ready[i+1:]...)
			return
		}
	}
}

func (t *Translator) translateResult(f stream.Fragment) []Event {
	t.resultSeen = true
	if f.SessionToken != "" {
		t.sessionToken = f.SessionToken
	}
	if f.Result != "" {
		t.sawContent = true
		t.finalResult = f.Result
	}
	if f.IsError || f.ErrorText != "" {
		t.finalError = f.ErrorText
		if t.finalError == "" {
			t.finalError = f.Result
		}
	}
	var events []Event
	if f.Usage != nil {
		events = append(events, Event{Type: EventUsage, Usage: f.Usage})
	}
	return events
}

// startEvents emits the tool-start (and deterministic parent attribution)
// for a record exactly once.
func (t *Translator) startEvents(rec *ToolCallRecord) []Event {
	if !t.index.MarkEmitted(rec.ToolUseID) {
		return nil
	}
	return []Event{{
		Type:            EventToolStart,
		ToolUseID:       rec.ToolUseID,
		Name:            rec.Name,
		Input:           rec.Input,
		ParentToolUseID: rec.ParentToolUseID,
	}}
}
