package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/stream"
)

func translateAll(t *testing.T, frags []stream.Fragment) []Event {
	t.Helper()
	tr := NewTranslator()
	var events []Event
	for _, f := range frags {
		events = append(events, tr.Translate(f)...)
	}
	return events
}

func TestTranslator_DeltaThenAggregateEmitsStartOnce(t *testing.T) {
	tr := NewTranslator()

	// Early sighting without input.
	events := tr.Translate(stream.Fragment{Type: stream.FragmentDelta, ToolUseID: "t1", Name: "shell"})
	require.Len(t, events, 1)
	assert.Equal(t, EventToolStart, events[0].Type)
	assert.Equal(t, "t1", events[0].ToolUseID)
	assert.Empty(t, tr.TakeReady())

	// The aggregate repeats the invocation with full input: no second
	// start, but the call becomes ready for dispatch.
	input := json.RawMessage(`{"command":"ls"}`)
	events = tr.Translate(stream.Fragment{
		Type:   stream.FragmentAssistant,
		Blocks: []stream.ContentBlock{{Type: "tool_use", ToolUseID: "t1", Name: "shell", Input: input}},
	})
	assert.Empty(t, events)

	ready := tr.TakeReady()
	require.Len(t, ready, 1)
	assert.Equal(t, input, ready[0].Input)
	assert.Empty(t, tr.TakeReady())
}

func TestTranslator_ReadyQueuedOnce(t *testing.T) {
	tr := NewTranslator()
	frag := stream.Fragment{
		Type:   stream.FragmentAssistant,
		Blocks: []stream.ContentBlock{{Type: "tool_use", ToolUseID: "t1", Name: "shell", Input: json.RawMessage(`{}`)}},
	}
	tr.Translate(frag)
	require.Len(t, tr.TakeReady(), 1)

	// A duplicate aggregate sighting must not dispatch again.
	tr.Translate(frag)
	assert.Empty(t, tr.TakeReady())
}

func TestTranslator_NoInputToolStillQueued(t *testing.T) {
	// A tool that takes no arguments is still dispatched once its
	// aggregate sighting arrives.
	tr := NewTranslator()
	tr.Translate(stream.Fragment{
		Type:   stream.FragmentAssistant,
		Blocks: []stream.ContentBlock{{Type: "tool_use", ToolUseID: "t1", Name: "list_sessions"}},
	})
	ready := tr.TakeReady()
	require.Len(t, ready, 1)
	assert.Equal(t, "t1", ready[0].ToolUseID)
}

func TestTranslator_ChannelResultWithdrawsQueuedDispatch(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(stream.Fragment{
		Type:   stream.FragmentAssistant,
		Blocks: []stream.ContentBlock{{Type: "tool_use", ToolUseID: "t1", Name: "write_file", Input: json.RawMessage(`{"path":"a.txt"}`)}},
	})

	// The channel reports the result itself before the queued dispatch is
	// taken: the invocation is settled and must not run host-side.
	events := tr.Translate(stream.Fragment{Type: stream.FragmentToolResult, ToolUseID: "t1", Content: "wrote a.txt"})
	require.Len(t, events, 1)
	assert.Equal(t, EventToolResult, events[0].Type)
	assert.Equal(t, "wrote a.txt", events[0].Content)

	assert.Empty(t, tr.TakeReady())
}

func TestTranslator_ChannelResultBlocksLaterDispatch(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(stream.Fragment{Type: stream.FragmentDelta, ToolUseID: "t1", Name: "write_file"})
	tr.Translate(stream.Fragment{Type: stream.FragmentToolResult, ToolUseID: "t1", Content: "done"})

	// The aggregate sighting arrives after the channel already settled
	// the invocation: nothing to dispatch, nothing to re-emit.
	events := tr.Translate(stream.Fragment{
		Type:   stream.FragmentAssistant,
		Blocks: []stream.ContentBlock{{Type: "tool_use", ToolUseID: "t1", Name: "write_file", Input: json.RawMessage(`{"path":"a.txt"}`)}},
	})
	assert.Empty(t, events)
	assert.Empty(t, tr.TakeReady())
}

func TestTranslator_HostSettledResultSuppressed(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(stream.Fragment{
		Type:   stream.FragmentAssistant,
		Blocks: []stream.ContentBlock{{Type: "tool_use", ToolUseID: "t1", Name: "write_file", Input: json.RawMessage(`{"path":"a.txt"}`)}},
	})
	require.Len(t, tr.TakeReady(), 1)
	require.True(t, tr.Index().MarkSettled("t1"))

	// A later stream-reported result for an invocation the host already
	// settled must not yield a second tool-result event.
	assert.Empty(t, tr.Translate(stream.Fragment{Type: stream.FragmentToolResult, ToolUseID: "t1", Content: "wrote a.txt"}))
}

func TestTranslator_StartBeforeResult(t *testing.T) {
	// A result for an invocation never announced still yields start
	// before result.
	events := translateAll(t, []stream.Fragment{
		{Type: stream.FragmentToolResult, ToolUseID: "t9", Name: "shell", Content: "done"},
	})
	require.Len(t, events, 2)
	assert.Equal(t, EventToolStart, events[0].Type)
	assert.Equal(t, EventToolResult, events[1].Type)
	assert.Equal(t, "done", events[1].Content)
}

func TestTranslator_ProgressTeachesParent(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(stream.Fragment{Type: stream.FragmentDelta, ToolUseID: "t1", Name: "shell"})

	events := tr.Translate(stream.Fragment{Type: stream.FragmentProgress, ToolUseID: "t1", ParentToolUseID: "task-1"})
	require.Len(t, events, 1)
	assert.Equal(t, EventParentUpdate, events[0].Type)
	assert.Equal(t, "task-1", events[0].ParentToolUseID)

	// Repeated pings teach nothing new.
	assert.Empty(t, tr.Translate(stream.Fragment{Type: stream.FragmentProgress, ToolUseID: "t1", ParentToolUseID: "task-1"}))
}

func TestTranslator_TextAndStatus(t *testing.T) {
	tr := NewTranslator()
	assert.False(t, tr.SawContent())

	events := tr.Translate(stream.Fragment{Type: stream.FragmentStatus, Status: "thinking", SessionToken: "tok-1"})
	require.Len(t, events, 1)
	assert.Equal(t, EventStatus, events[0].Type)
	assert.Equal(t, "tok-1", tr.SessionToken())

	events = tr.Translate(stream.Fragment{Type: stream.FragmentDelta, TextDelta: "hel"})
	require.Len(t, events, 1)
	assert.Equal(t, EventTextDelta, events[0].Type)
	assert.True(t, tr.SawContent())

	tr.Translate(stream.Fragment{Type: stream.FragmentDelta, TextDelta: "lo"})
	assert.Equal(t, "hello", tr.Text())
}

func TestTranslator_ResultFragment(t *testing.T) {
	tr := NewTranslator()
	events := tr.Translate(stream.Fragment{
		Type:         stream.FragmentResult,
		Result:       "all done",
		SessionToken: "tok-2",
		Usage:        &stream.Usage{InputTokens: 10, OutputTokens: 20},
	})
	require.Len(t, events, 1)
	assert.Equal(t, EventUsage, events[0].Type)
	assert.Equal(t, 10, events[0].Usage.InputTokens)
	assert.True(t, tr.ResultSeen())
	assert.Equal(t, "all done", tr.FinalResult())
	assert.Equal(t, "tok-2", tr.SessionToken())
	assert.Empty(t, tr.FinalError())
}

func TestTranslator_ErrorResult(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(stream.Fragment{Type: stream.FragmentResult, IsError: true, ErrorText: "boom"})
	assert.Equal(t, "boom", tr.FinalError())
}

func TestTranslator_ReplayDeterminism(t *testing.T) {
	frags := []stream.Fragment{
		{Type: stream.FragmentStatus, Status: "thinking"},
		{Type: stream.FragmentDelta, ToolUseID: "task-1", Name: "task"},
		{Type: stream.FragmentDelta, ToolUseID: "c1", Name: "shell"},
		{Type: stream.FragmentProgress, ToolUseID: "c1"},
		{Type: stream.FragmentToolResult, ToolUseID: "c1", Content: "ok"},
		{Type: stream.FragmentDelta, TextDelta: "answer"},
		{Type: stream.FragmentToolResult, ToolUseID: "task-1", Content: "done"},
		{Type: stream.FragmentResult, Result: "answer", SessionToken: "tok"},
	}

	first := translateAll(t, frags)
	second := translateAll(t, frags)
	assert.Equal(t, first, second)

	// The nested call is attributed to the sole in-flight composite on
	// both runs.
	var start Event
	for _, ev := range first {
		if ev.Type == EventToolStart && ev.ToolUseID == "c1" {
			start = ev
		}
	}
	assert.Equal(t, "task-1", start.ParentToolUseID)
}
