package websocket

import (
	"encoding/json"
	"sync"

	"pilot/pkg/logger"
)

// PermissionHandler resolves a pending permission request on behalf of a
// client.
type PermissionHandler func(sessionID, requestID string, allowed, alwaysAllow bool) error

// ChatHandler starts a turn for a chat message and returns the marshaled
// event stream.
type ChatHandler func(sessionID, message string) (<-chan []byte, error)

// Hub tracks connected clients and their session subscriptions.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	sessions map[string]map[*Client]bool

	permissionHandler PermissionHandler
	chatHandler       ChatHandler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*Client]bool),
		sessions: make(map[string]map[*Client]bool),
	}
}

// SetPermissionHandler registers the permission-response callback.
func (h *Hub) SetPermissionHandler(handler PermissionHandler) {
	h.mu.Lock()
	h.permissionHandler = handler
	h.mu.Unlock()
}

// SetChatHandler registers the chat callback.
func (h *Hub) SetChatHandler(handler ChatHandler) {
	h.mu.Lock()
	h.chatHandler = handler
	h.mu.Unlock()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	logger.Debug().Str("client_id", c.id).Msg("websocket client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for session := range c.sessions {
			h.dropSubscriber(session, c)
		}
		close(c.send)
	}
	h.mu.Unlock()
	logger.Debug().Str("client_id", c.id).Msg("websocket client disconnected")
}

// Subscribe adds a client to a session's subscriber set.
func (h *Hub) Subscribe(c *Client, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.sessions[session] = true
	if h.sessions[session] == nil {
		h.sessions[session] = make(map[*Client]bool)
	}
	h.sessions[session][c] = true
}

// Unsubscribe removes a client from a session's subscriber set.
func (h *Hub) Unsubscribe(c *Client, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.sessions, session)
	h.dropSubscriber(session, c)
}

// dropSubscriber must be called with the lock held.
func (h *Hub) dropSubscriber(session string, c *Client) {
	if subs, ok := h.sessions[session]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessions, session)
		}
	}
}

// Broadcast sends data to every subscriber of a session. Slow clients are
// skipped rather than blocking the turn.
func (h *Hub) Broadcast(session string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.sessions[session] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// BroadcastAll sends data to every connected client.
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// BroadcastTyped marshals a typed envelope and broadcasts it to a session.
func (h *Hub) BroadcastTyped(session, messageType string, payload any) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: messageType, Data: payload})
	if err != nil {
		logger.Error().Err(err).Str("type", messageType).Msg("marshal broadcast failed")
		return
	}
	if session == "" {
		h.BroadcastAll(data)
		return
	}
	h.Broadcast(session, data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handlePermissionResponse(sessionID, requestID string, allowed, alwaysAllow bool) error {
	h.mu.RLock()
	handler := h.permissionHandler
	h.mu.RUnlock()
	if handler == nil {
		logger.Warn().Str("request_id", requestID).Msg("permission response with no handler configured")
		return nil
	}
	return handler(sessionID, requestID, allowed, alwaysAllow)
}

func (h *Hub) handleChat(sessionID, message string) (<-chan []byte, error) {
	h.mu.RLock()
	handler := h.chatHandler
	h.mu.RUnlock()
	if handler == nil {
		return nil, nil
	}
	return handler(sessionID, message)
}
