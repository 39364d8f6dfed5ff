package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_ResolveAllow(t *testing.T) {
	p := NewPending()

	var captured Request
	p.OnRequest(func(req Request) {
		captured = req
		go func() {
			err := p.Resolve(req.RequestID, true, false)
			assert.NoError(t, err)
		}()
	})

	var notified Request
	result, err := p.Wait(context.Background(), "shell", Decision{Command: "make build", BaseCommand: "make"}, func(req Request) {
		notified = req
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "shell", captured.ToolName)
	assert.Equal(t, "make", captured.BaseCommand)
	assert.Equal(t, captured.RequestID, notified.RequestID)
}

func TestPending_ResolveOnlyOnce(t *testing.T) {
	p := NewPending()
	p.OnRequest(func(req Request) {
		require.NoError(t, p.Resolve(req.RequestID, false, false))
		// Second resolution for the same id fails.
		assert.ErrorIs(t, p.Resolve(req.RequestID, true, false), ErrRequestNotFound)
	})

	result, err := p.Wait(context.Background(), "shell", Decision{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestPending_NoCallbackFailsClosed(t *testing.T) {
	p := NewPending()

	result, err := p.Wait(context.Background(), "shell", Decision{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Empty(t, p.List())
}

func TestPending_ContextCancel(t *testing.T) {
	p := NewPending()
	p.OnRequest(func(Request) {}) // never resolves

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := p.Wait(ctx, "shell", Decision{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, result.Allowed)
	// Cancelled requests are removed from the pending set.
	assert.Empty(t, p.List())
}

func TestPending_ResolveUnknown(t *testing.T) {
	p := NewPending()
	assert.ErrorIs(t, p.Resolve("nope", true, false), ErrRequestNotFound)
}
