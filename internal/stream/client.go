package stream

import "context"

// OpenOptions configures one streamed turn.
type OpenOptions struct {
	// Prompt is the fully built outbound prompt for this turn.
	Prompt string
	// ResumeToken continues a prior conversation when non-empty.
	ResumeToken string
	// WorkingDir is the directory the agent operates in.
	WorkingDir string
	// ThinkingLevel passes the session's reasoning budget through.
	ThinkingLevel string
	// PermissionMode is forwarded so the channel can annotate prompts;
	// enforcement stays in the engine.
	PermissionMode string
}

// Client is the capability interface over the streaming channel. Any vendor
// implementing it is substitutable; the engine never depends on a concrete
// transport.
type Client interface {
	// OpenStream starts one turn and returns its fragment sequence. The
	// channel is closed when the stream ends, after a terminal result or
	// error fragment.
	OpenStream(ctx context.Context, opts OpenOptions) (<-chan Fragment, error)

	// Abort hard-cancels the in-flight stream, settling all waits.
	Abort()
}

// ToolResponder is implemented by clients whose channel expects the host
// to execute namespaced tools and report their results back.
type ToolResponder interface {
	SendToolResult(toolUseID, content string, isError bool) error
}

// Diagnoser is implemented by clients that keep a side-channel diagnostic
// log for wrapped-process failures.
type Diagnoser interface {
	// DiagnosticTail returns the most recent diagnostic output, best
	// effort. Empty when nothing useful is available.
	DiagnosticTail() string
}
