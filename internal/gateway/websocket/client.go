package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pilot/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback; the host app is the only peer.
		return true
	},
}

// Client is one connected UI peer.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	sessions map[string]bool
	id       string
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		sessions: make(map[string]bool),
		id:       uuid.New().String(),
	}
}

// ServeWs upgrades an HTTP request and attaches the client to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(hub, conn)
	hub.add(client)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendError("invalid_message", "failed to parse message")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		if msg.Session != "" {
			c.hub.Subscribe(c, msg.Session)
		}

	case TypeUnsubscribe:
		if msg.Session != "" {
			c.hub.Unsubscribe(c, msg.Session)
		}

	case TypePing:
		c.enqueue(WSMessage{Type: TypePong})

	case TypePermissionResponse:
		if msg.RequestID == "" {
			c.sendError("invalid_request", "permission response requires request_id")
			return
		}
		if err := c.hub.handlePermissionResponse(msg.Session, msg.RequestID, msg.Allowed, msg.AlwaysAllow); err != nil {
			c.sendError("permission_error", err.Error())
		}

	case TypeChat:
		if msg.Message == "" || msg.Session == "" {
			c.sendError("invalid_request", "chat requires session and message")
			return
		}
		c.hub.Subscribe(c, msg.Session)
		events, err := c.hub.handleChat(msg.Session, msg.Message)
		if err != nil {
			c.sendError("chat_error", err.Error())
			return
		}
		if events == nil {
			c.sendError("chat_error", "chat handler not configured")
			return
		}
		go func() {
			for data := range events {
				select {
				case c.send <- data:
				default:
				}
			}
		}()

	default:
		logger.Debug().Str("type", msg.Type).Msg("unknown websocket message type")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(msg WSMessage) {
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(WSMessage{Type: TypeError, Code: code, Message: message})
}
