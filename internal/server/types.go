package server

import (
	"encoding/json"
	"strings"
)

// Event names exchanged over the gateway.
const (
	EventJoinChat    = "joinChat"
	EventJoinedChat  = "joinedChat"
	EventTyping      = "typing"
	EventSendMessage = "sendMessage"
	EventMessage     = "message"
	EventMessageSent = "messageSent"
	EventPresence    = "presence"
	EventException   = "exception"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the JSON frame carried in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinChatPayload struct {
	ChatID string `json:"chatId"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type SendMessagePayload struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

type TypingBroadcast struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageSentPayload struct {
	ID     string `json:"id"`
	ChatID string `json:"chatId"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type ExceptionPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BroadcastMessage is a frame routed by the hub. With Target set it goes to
// that client only; with Room set to the room's members; otherwise to every
// client. Sender, when set, is excluded.
type BroadcastMessage struct {
	Room    string
	Target  *Client
	Sender  *Client
	Payload []byte

	// RequireJoined rejects the broadcast unless Sender is in Room.
	RequireJoined bool
	// Remote marks frames that arrived through the relay.
	Remote bool
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func exceptionFrame(message string) []byte {
	b, err := encodeEvent(EventException, ExceptionPayload{Status: "error", Message: message})
	if err != nil {
		return []byte(`{"event":"exception","data":{"status":"error","message":"Internal server error"}}`)
	}
	return b
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
