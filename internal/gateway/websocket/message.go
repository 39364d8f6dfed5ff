// Package websocket streams per-session engine events to connected UI
// clients and carries their permission decisions back.
package websocket

// Inbound and outbound message types.
const (
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeChat               = "chat"
	TypePermissionResponse = "permission_response"
	TypeError              = "error"
)

// WSMessage is the envelope for client-facing traffic. Engine events are
// broadcast pre-marshaled and bypass this struct.
type WSMessage struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Message string `json:"message,omitempty"`

	// Permission response fields.
	RequestID   string `json:"request_id,omitempty"`
	Allowed     bool   `json:"allowed,omitempty"`
	AlwaysAllow bool   `json:"always_allow,omitempty"`

	// Error fields.
	Code string `json:"code,omitempty"`
}
