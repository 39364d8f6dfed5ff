// Package engine is the orchestration core: it turns the inbound fragment
// stream into an ordered event sequence, gates tool dispatch through the
// permission hook pipeline, recovers from silent resume failures and drives
// source activation mid-conversation.
package engine

import (
	"encoding/json"

	"pilot/internal/continuity"
	"pilot/internal/permission"
	"pilot/internal/stream"
)

// EventType tags an event emitted during a turn.
type EventType int

const (
	// EventStatus reports an out-of-band status ("thinking", "interrupted").
	EventStatus EventType = iota
	// EventTextDelta carries a partial text update.
	EventTextDelta
	// EventTextComplete carries a finished text block.
	EventTextComplete
	// EventToolStart announces a tool invocation, once per tool-use id.
	EventToolStart
	// EventToolResult reports the outcome of a tool invocation.
	EventToolResult
	// EventParentUpdate attributes a tool invocation to a parent call.
	EventParentUpdate
	// EventPermissionRequest surfaces a pending permission decision.
	EventPermissionRequest
	// EventError reports a plain error.
	EventError
	// EventTypedError reports a classified failure with recovery hints.
	EventTypedError
	// EventComplete terminates the turn. Emitted exactly once.
	EventComplete
	// EventSourceActivated reports a mid-conversation source activation.
	EventSourceActivated
	// EventUsage reports token usage.
	EventUsage
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStatus:
		return "status"
	case EventTextDelta:
		return "text_delta"
	case EventTextComplete:
		return "text_complete"
	case EventToolStart:
		return "tool_start"
	case EventToolResult:
		return "tool_result"
	case EventParentUpdate:
		return "parent_update"
	case EventPermissionRequest:
		return "permission_request"
	case EventError:
		return "error"
	case EventTypedError:
		return "typed_error"
	case EventComplete:
		return "complete"
	case EventSourceActivated:
		return "source_activated"
	case EventUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Completion statuses carried on EventComplete.
const (
	CompleteSuccess     = "success"
	CompleteError       = "error"
	CompleteInterrupted = "interrupted"
)

// Event is one unit of the ordered per-turn event sequence, the sole
// UI-facing contract. Consumers rely only on content and order, never on
// arrival timing.
type Event struct {
	Type EventType `json:"type"`

	// Status for EventStatus and EventComplete.
	Status string `json:"status,omitempty"`

	// Text for text events.
	Text string `json:"text,omitempty"`

	// Tool fields.
	ToolUseID       string          `json:"tool_use_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Content         string          `json:"content,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`

	// Permission for EventPermissionRequest.
	Permission *permission.Request `json:"permission,omitempty"`

	// TypedError for EventTypedError.
	TypedError *continuity.TypedError `json:"typed_error,omitempty"`

	// ErrorMsg for EventError.
	ErrorMsg string `json:"error,omitempty"`

	// Usage for EventUsage.
	Usage *stream.Usage `json:"usage,omitempty"`

	// Slug for EventSourceActivated.
	Slug string `json:"slug,omitempty"`
}

// MarshalJSON includes the string form of the event type for consumers.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		TypeName string `json:"event"`
		alias
	}{TypeName: e.Type.String(), alias: alias(e)})
}
