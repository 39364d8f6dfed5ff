package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_RegisterFillsOnce(t *testing.T) {
	x := NewToolCallIndex()

	rec, first := x.Register("t1", "shell", nil, "")
	require.True(t, first)
	assert.Empty(t, rec.Input)

	// A later sighting fills in the missing input but never replaces it.
	input := json.RawMessage(`{"command":"ls"}`)
	rec2, first := x.Register("t1", "shell", input, "")
	require.False(t, first)
	assert.Same(t, rec, rec2)
	assert.Equal(t, input, rec2.Input)

	_, _ = x.Register("t1", "shell", json.RawMessage(`{"command":"rm"}`), "")
	assert.Equal(t, input, rec.Input)

	assert.Equal(t, 1, x.Len())
}

func TestIndex_MarkEmittedOnce(t *testing.T) {
	x := NewToolCallIndex()
	x.Register("t1", "shell", nil, "")

	assert.True(t, x.MarkEmitted("t1"))
	assert.False(t, x.MarkEmitted("t1"))
}

func TestIndex_MarkDispatchedOnce(t *testing.T) {
	x := NewToolCallIndex()
	x.Register("t1", "shell", nil, "")

	assert.True(t, x.MarkDispatched("t1"))
	assert.False(t, x.MarkDispatched("t1"))
}

func TestIndex_SoleCompositeParentFallback(t *testing.T) {
	x := NewToolCallIndex()

	x.Register("task-1", "task", nil, "")
	child, _ := x.Register("c1", "shell", nil, "")
	assert.Equal(t, "task-1", child.ParentToolUseID)

	// Two composites in flight: attribution would be a guess, so none.
	x.Register("task-2", "agent", nil, "")
	orphan, _ := x.Register("c2", "shell", nil, "")
	assert.Empty(t, orphan.ParentToolUseID)

	// After the first composite finishes the second is sole again.
	x.Finish("task-1")
	late, _ := x.Register("c3", "shell", nil, "")
	assert.Equal(t, "task-2", late.ParentToolUseID)
}

func TestIndex_ExplicitParentWins(t *testing.T) {
	x := NewToolCallIndex()
	x.Register("task-1", "task", nil, "")

	rec, _ := x.Register("c1", "shell", nil, "other-parent")
	assert.Equal(t, "other-parent", rec.ParentToolUseID)
}
