// Package stream abstracts the agent's streaming channel as a capability:
// a client opens one fragment stream per turn and can abort it hard. The
// wire format of the underlying channel is opaque; this package only fixes
// the fragment shapes the engine consumes.
package stream

import "encoding/json"

// FragmentType tags an inbound fragment.
type FragmentType string

const (
	// FragmentAssistant is an aggregated assistant message with full
	// content blocks. May repeat tool invocations already announced by
	// earlier deltas, with fuller input.
	FragmentAssistant FragmentType = "assistant"
	// FragmentDelta is a partial update: a text delta or an early
	// tool-use sighting, possibly with empty input.
	FragmentDelta FragmentType = "delta"
	// FragmentProgress is a tool progress ping, typically from nested
	// sub-agent calls.
	FragmentProgress FragmentType = "progress"
	// FragmentToolResult reports the outcome of one tool invocation.
	FragmentToolResult FragmentType = "tool_result"
	// FragmentResult terminates the stream with the final outcome.
	FragmentResult FragmentType = "result"
	// FragmentStatus is an out-of-band status line (init, thinking).
	FragmentStatus FragmentType = "status"
	// FragmentError reports a transport-level failure. Err is set.
	FragmentError FragmentType = "error"
)

// ContentBlock is one block of an aggregated assistant message.
type ContentBlock struct {
	Type      string          `json:"type"` // "text" or "tool_use"
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Usage carries token accounting reported by the channel.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Fragment is one inbound unit from the streaming channel. Fields are
// populated according to Type; unknown fields are ignored on decode so the
// channel can evolve without breaking the engine.
type Fragment struct {
	Type FragmentType `json:"type"`

	// Assistant message blocks.
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// Delta and progress fields.
	TextDelta       string          `json:"text_delta,omitempty"`
	ToolUseID       string          `json:"tool_use_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// Tool result fields.
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// Terminal result fields.
	Result       string `json:"result,omitempty"`
	ErrorText    string `json:"error_text,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	SessionToken string `json:"session_id,omitempty"`

	// Status fields.
	Status string `json:"status,omitempty"`

	// Transport failure; never serialized.
	Err error `json:"-"`
}

// ParseFragment decodes one line of the channel's JSON-lines output.
func ParseFragment(line []byte) (*Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
