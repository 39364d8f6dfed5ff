package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/permission"
	"pilot/internal/source"
)

func testBroker(activated *atomic.Int32, allow bool) *source.Broker {
	registry := &source.StaticRegistry{Items: []source.Source{
		{Slug: "github", Enabled: false},
		{Slug: "linear", Enabled: true},
	}}
	return source.NewBroker(registry, func(ctx context.Context, slug string) (bool, error) {
		if activated != nil {
			activated.Add(1)
		}
		return allow, nil
	})
}

func TestPreToolUse_SafeModeDenies(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeSafe, nil)
	h := NewHookPipeline(policy, permission.NewPending(), nil, nil, 0)

	rec := &ToolCallRecord{ToolUseID: "t1", Name: "shell", Input: json.RawMessage(`{"command":"rm -rf build"}`)}
	pre := h.PreToolUse(context.Background(), rec, nil)
	assert.Equal(t, ActionDeny, pre.Action)
	assert.NotEmpty(t, pre.Reason)
}

func TestPreToolUse_DenyBeatsActivation(t *testing.T) {
	// A call the mode forbids must not trigger activation side effects,
	// even when its source is inactive.
	var activated atomic.Int32
	policy := permission.NewPolicy(permission.ModeSafe, nil)
	h := NewHookPipeline(policy, permission.NewPending(), testBroker(&activated, true), nil, 0)

	rec := &ToolCallRecord{ToolUseID: "t1", Name: "github_create_issue"}
	pre := h.PreToolUse(context.Background(), rec, nil)
	assert.Equal(t, ActionDeny, pre.Action)
	assert.Zero(t, activated.Load())
}

func TestPreToolUse_InactiveSourceActivates(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	h := NewHookPipeline(policy, permission.NewPending(), testBroker(nil, true), nil, 0)

	rec := &ToolCallRecord{ToolUseID: "t1", Name: "github_search"}
	pre := h.PreToolUse(context.Background(), rec, nil)
	require.Equal(t, ActionActivate, pre.Action)
	assert.Equal(t, "github", pre.Slug)
}

func TestPreToolUse_NoCallbackFailsClosed(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	h := NewHookPipeline(policy, permission.NewPending(), nil, nil, 0)

	rec := &ToolCallRecord{ToolUseID: "t1", Name: "shell", Input: json.RawMessage(`{"command":"make build"}`)}
	pre := h.PreToolUse(context.Background(), rec, nil)
	assert.Equal(t, ActionDeny, pre.Action)
}

func TestPreToolUse_AlwaysAllowWhitelists(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	pending := permission.NewPending()
	pending.OnRequest(func(req permission.Request) {
		go func() { _ = pending.Resolve(req.RequestID, true, true) }()
	})
	h := NewHookPipeline(policy, pending, nil, nil, 0)

	var requests []Event
	emit := func(ev Event) { requests = append(requests, ev) }

	rec := &ToolCallRecord{ToolUseID: "t1", Name: "shell", Input: json.RawMessage(`{"command":"make build"}`)}
	pre := h.PreToolUse(context.Background(), rec, emit)
	require.Equal(t, ActionAllow, pre.Action)

	// The permission request reached the event stream before resolution.
	require.Len(t, requests, 1)
	assert.Equal(t, EventPermissionRequest, requests[0].Type)
	assert.Equal(t, "make", requests[0].Permission.BaseCommand)

	// Same command again: whitelisted, no second prompt.
	pre = h.PreToolUse(context.Background(), rec, func(Event) {
		t.Fatal("no prompt expected for whitelisted command")
	})
	assert.Equal(t, ActionAllow, pre.Action)
}

func TestPreToolUse_NormalizesInputAndStripsMeta(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	h := NewHookPipeline(policy, permission.NewPending(), nil, nil, 0)

	rec := &ToolCallRecord{
		ToolUseID: "t1",
		Name:      "read_file",
		Input:     json.RawMessage(`{"path":"~/notes.txt","intent":"check notes","display_name":"Read notes"}`),
	}
	pre := h.PreToolUse(context.Background(), rec, nil)
	require.Equal(t, ActionAllow, pre.Action)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(pre.Input, &fields))
	assert.NotContains(t, fields, "intent")
	assert.NotContains(t, fields, "display_name")
	assert.NotContains(t, fields["path"], "~")

	meta, ok := h.Meta("t1")
	require.True(t, ok)
	assert.Equal(t, "check notes", meta.Intent)
	assert.Equal(t, "Read notes", meta.DisplayName)

	// Post hook releases the per-call record.
	h.PostToolUse(context.Background(), "t1", "contents", false)
	assert.Zero(t, h.PendingMetaCount())
}

func TestPostToolUse_TruncatesWithoutSummarizer(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	h := NewHookPipeline(policy, permission.NewPending(), nil, nil, 10)

	big := strings.Repeat("line of output\n", 100)
	out := h.PostToolUse(context.Background(), "t1", big, false)
	assert.Less(t, len(out), len(big))
	assert.Contains(t, out, "truncated")
}

func TestPostToolUse_PrefersSummarizer(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	summarize := func(ctx context.Context, prompt string) (string, error) {
		return "the gist", nil
	}
	h := NewHookPipeline(policy, permission.NewPending(), nil, summarize, 10)

	out := h.PostToolUse(context.Background(), "t1", strings.Repeat("x", 1000), false)
	assert.Contains(t, out, "the gist")
}

func TestPostToolUse_ErrorsPassThrough(t *testing.T) {
	policy := permission.NewPolicy(permission.ModeAsk, nil)
	h := NewHookPipeline(policy, permission.NewPending(), nil, nil, 10)

	// Error text is never truncated: the classifier downstream needs it
	// intact.
	content := strings.Repeat("Error: no such tool available: github_search\n", 50)
	assert.Equal(t, content, h.PostToolUse(context.Background(), "t1", content, true))
}
