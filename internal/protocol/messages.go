// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pairchat/server/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartChat     = "start_chat"
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypeTyping        = "typing"
	TypeEndChat       = "end_chat"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeChatStarted    = "chat_started"
	TypeChatResumed    = "chat_resumed"
	TypeNewMessage     = "new_message"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeChatEnded      = "chat_ended"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeValidation       = "validation_error"
	CodeAlreadyInChat    = "already_in_chat"
	CodeUserBusy         = "user_busy"
	CodePairingConflict  = "pairing_conflict"
	CodeNotInRoom        = "not_in_room"
	CodeNotSender        = "not_message_sender"
	CodeMessageNotFound  = "message_not_found"
	CodeInvalidMessage   = "invalid_message"
	CodeRateLimited      = "rate_limited"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal_error"
	CodeParse            = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It keeps the full
// raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartChatMsg asks the server to pair the sender with another user.
type StartChatMsg struct {
	Type         string `json:"type"`
	TargetUserID string `json:"targetUserId"`
}

// SendMessageMsg appends a message to the sender's room.
type SendMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// EditMessageMsg replaces the text of one of the sender's messages.
type EditMessageMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// DeleteMessageMsg removes one of the sender's messages.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// EndChatMsg ends the sender's current room.
type EndChatMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg confirms the connection handle assigned to the client.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// ChatStartedMsg is sent to every connection of both users after a pairing.
type ChatStartedMsg struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
}

// ChatResumedMsg brings a newly connected device of a paired user up to date.
type ChatResumedMsg struct {
	Type         string         `json:"type"`
	RoomID       string         `json:"roomId"`
	Participants []string       `json:"participants"`
	Messages     []chat.Message `json:"messages"`
}

// ServerChatMsg carries a created or edited message record.
type ServerChatMsg struct {
	Type string `json:"type"`
	chat.Message
}

// MessageDeletedMsg announces the removal of a message.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// ServerTypingMsg relays a participant's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatEndedMsg is sent to the room before its connections are removed.
type ChatEndedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// originating connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`

	// RetryAfterMs is set on rate_limited errors.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// clientDecoders maps every client message type to the decoder of its
// concrete struct.
var clientDecoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeStartChat:     decode[StartChatMsg],
	TypeSendMessage:   decode[SendMessageMsg],
	TypeEditMessage:   decode[EditMessageMsg],
	TypeDeleteMessage: decode[DeleteMessageMsg],
	TypeTyping:        decode[TypingMsg],
	TypeEndChat:       decode[EndChatMsg],
	TypePing:          decode[PingMsg],
}

func decode[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message
// value (StartChatMsg, SendMessageMsg, ...). The type is returned even when
// decoding fails, so callers can tell unknown types from bad payloads.
// Server-only types are rejected as unknown.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	dec, ok := clientDecoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	msg, err := dec(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
