package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pilot/internal/permission"
	"pilot/internal/source"
	"pilot/pkg/logger"
)

// Summarizer condenses an oversized tool result. Returning an empty string
// or an error falls back to plain truncation.
type Summarizer func(ctx context.Context, prompt string) (string, error)

// PreAction is the outcome of the pre-dispatch hook chain.
type PreAction int

const (
	// ActionAllow dispatches the call.
	ActionAllow PreAction = iota
	// ActionDeny aborts only this call; the turn continues.
	ActionDeny
	// ActionActivate blocks dispatch pending source activation.
	ActionActivate
)

// PreResult carries the pre-dispatch decision plus the normalized input to
// forward when allowed.
type PreResult struct {
	Action PreAction
	// Reason explains a denial.
	Reason string
	// Slug names the source to activate for ActionActivate.
	Slug string
	// Input is the normalized, metadata-stripped input.
	Input json.RawMessage
}

// Input fields that may carry shorthand home-relative paths.
var pathInputFields = []string{"path", "file_path", "cwd", "directory"}

// Caller-only metadata fields stripped before input reaches the provider.
// Their values are kept per call for display until the call settles.
var callerMetaFields = []string{"intent", "display_name"}

// callMeta is the per-call display bookkeeping retained between pre and
// post hooks.
type callMeta struct {
	Intent      string
	DisplayName string
}

// HookPipeline intercepts each tool call before and after dispatch. It
// applies the permission policy, checks source availability, normalizes
// paths, strips caller-only metadata and sizes down oversized results.
type HookPipeline struct {
	policy     *permission.Policy
	pending    *permission.Pending
	broker     *source.Broker
	summarizer Summarizer
	maxTokens  int

	mu   sync.Mutex
	meta map[string]callMeta
}

// NewHookPipeline creates a pipeline. summarizer may be nil; maxTokens <= 0
// uses DefaultMaxResultTokens.
func NewHookPipeline(policy *permission.Policy, pending *permission.Pending, broker *source.Broker, summarizer Summarizer, maxTokens int) *HookPipeline {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxResultTokens
	}
	return &HookPipeline{
		policy:     policy,
		pending:    pending,
		broker:     broker,
		summarizer: summarizer,
		maxTokens:  maxTokens,
		meta:       make(map[string]callMeta),
	}
}

// PreToolUse runs the pre-dispatch chain, in order: mode policy, source
// availability, path normalization, metadata stripping, interactive ask
// gating. The mode policy runs first on purpose: a call the user's mode
// forbids must not trigger activation side effects. emit, when non-nil,
// receives the permission-request event before the chain blocks on a
// decision.
func (h *HookPipeline) PreToolUse(ctx context.Context, rec *ToolCallRecord, emit func(Event)) PreResult {
	// 1. Mode policy.
	decision := h.policy.Classify(rec.Name, rec.Input)
	if decision.Verdict == permission.VerdictDeny {
		logger.Info().
			Str("tool", rec.Name).
			Str("reason", decision.Reason).
			Msg("tool call denied by policy")
		return PreResult{Action: ActionDeny, Reason: decision.Reason}
	}

	// 2. Source availability.
	if h.broker != nil {
		if slug, inactive := h.broker.InactiveSourceFor(rec.Name); inactive && !h.broker.AlreadyAttempted(slug) {
			return PreResult{Action: ActionActivate, Slug: slug}
		}
	}

	// 3 + 4. Path normalization and metadata stripping.
	input := h.normalizeInput(rec.ToolUseID, rec.Input)

	// 5. Interactive ask gating.
	if decision.Verdict == permission.VerdictAsk {
		notify := func(req permission.Request) {
			if emit != nil {
				emit(Event{
					Type:       EventPermissionRequest,
					ToolUseID:  rec.ToolUseID,
					Name:       rec.Name,
					Permission: &req,
				})
			}
		}
		result, err := h.pending.Wait(ctx, rec.Name, decision, notify)
		if err != nil {
			h.Release(rec.ToolUseID)
			return PreResult{Action: ActionDeny, Reason: "cancelled"}
		}
		if !result.Allowed {
			h.Release(rec.ToolUseID)
			return PreResult{Action: ActionDeny, Reason: decision.Reason}
		}
		if result.AlwaysAllow {
			// For network fetches "always allow" whitelists the
			// domain; the dangerous-command set itself is never
			// whitelisted.
			if decision.Domain != "" {
				h.policy.WhitelistDomain(decision.Domain)
			} else if decision.BaseCommand != "" {
				h.policy.WhitelistCommand(decision.BaseCommand)
			}
		}
	}

	return PreResult{Action: ActionAllow, Input: input}
}

// PostToolUse sizes down an oversized result and releases the per-call
// bookkeeping. It must be called on every exit path for a dispatched call.
func (h *HookPipeline) PostToolUse(ctx context.Context, toolUseID, content string, isError bool) string {
	defer h.Release(toolUseID)

	if isError || EstimateTokens(content) <= h.maxTokens {
		return content
	}

	if h.summarizer != nil {
		prompt := "Summarize this tool output, preserving paths, identifiers and error messages:\n\n" + content
		if summary, err := h.summarizer(ctx, prompt); err == nil && summary != "" {
			logger.Debug().
				Str("tool_use_id", toolUseID).
				Int("from_tokens", EstimateTokens(content)).
				Int("to_tokens", EstimateTokens(summary)).
				Msg("tool result summarized")
			return "[summarized]\n" + summary
		}
	}
	return TruncateResult(content, h.maxTokens)
}

// Release drops the per-call metadata. Safe to call repeatedly; the map
// must not grow across a long session.
func (h *HookPipeline) Release(toolUseID string) {
	h.mu.Lock()
	delete(h.meta, toolUseID)
	h.mu.Unlock()
}

// Meta returns the recorded caller metadata for a call, if still held.
func (h *HookPipeline) Meta(toolUseID string) (callMeta, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.meta[toolUseID]
	return m, ok
}

// PendingMetaCount reports how many per-call records are held. Used by
// tests to assert release on every exit path.
func (h *HookPipeline) PendingMetaCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.meta)
}

// normalizeInput expands home-relative paths and strips caller-only
// metadata fields, recording them for display.
func (h *HookPipeline) normalizeInput(toolUseID string, input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return input
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return input
	}

	changed := false
	for _, key := range pathInputFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var val string
		if err := json.Unmarshal(raw, &val); err != nil {
			continue
		}
		if expanded := expandHome(val); expanded != val {
			if b, err := json.Marshal(expanded); err == nil {
				fields[key] = b
				changed = true
			}
		}
	}

	var meta callMeta
	for _, key := range callerMetaFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var val string
		_ = json.Unmarshal(raw, &val)
		switch key {
		case "intent":
			meta.Intent = val
		case "display_name":
			meta.DisplayName = val
		}
		delete(fields, key)
		changed = true
	}
	if meta != (callMeta{}) {
		h.mu.Lock()
		h.meta[toolUseID] = meta
		h.mu.Unlock()
	}

	if !changed {
		return input
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return input
	}
	return out
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
