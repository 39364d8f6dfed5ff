package websocket

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(h *Hub) *Client {
	c := newClient(h, nil)
	h.add(c)
	return c
}

func drainSend(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestHub_BroadcastOrder(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)
	h.Subscribe(c, "s1")

	for i := 0; i < 5; i++ {
		h.Broadcast("s1", []byte(fmt.Sprintf("event-%d", i)))
	}

	got := drainSend(c)
	require.Len(t, got, 5)
	for i, data := range got {
		assert.Equal(t, fmt.Sprintf("event-%d", i), string(data))
	}
}

func TestHub_BroadcastScopedToSession(t *testing.T) {
	h := NewHub()
	a := newTestClient(h)
	b := newTestClient(h)
	h.Subscribe(a, "s1")
	h.Subscribe(b, "s2")

	h.Broadcast("s1", []byte("for-a"))

	assert.Len(t, drainSend(a), 1)
	assert.Empty(t, drainSend(b))
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)
	h.Subscribe(c, "s1")
	h.Unsubscribe(c, "s1")

	h.Broadcast("s1", []byte("dropped"))
	assert.Empty(t, drainSend(c))
}

func TestHub_RemoveClosesSend(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)
	h.Subscribe(c, "s1")

	h.remove(c)
	assert.Equal(t, 0, h.ClientCount())

	_, open := <-c.send
	assert.False(t, open)

	// Broadcasting to the departed session must not panic.
	h.Broadcast("s1", []byte("late"))
}

func TestHub_SlowClientSkipped(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)
	h.Subscribe(c, "s1")

	for i := 0; i < cap(c.send)+10; i++ {
		h.Broadcast("s1", []byte("x"))
	}
	assert.Len(t, drainSend(c), cap(c.send))
}
