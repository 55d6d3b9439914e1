// Package v1 defines the classchat realtime protocol v1 contract.
//
// The package is shared by the server gateway and the Go client so both sides
// agree on event names and payload shapes. It has no dependencies beyond the
// standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by clients.
const Subprotocol = "classchat.realtime.v1"

// Event type constants (wire-stable).
const (
	// TypeIdentify binds a pre-authenticated user id to the connection (client -> server).
	TypeIdentify = "identify"
	// TypeIdentified acknowledges identify (server -> client).
	TypeIdentified = "identified"

	// TypeJoinRoom subscribes the connection to a chat room (client -> server).
	TypeJoinRoom = "join_room"
	// TypeRoomJoined acknowledges join_room (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeLeaveRoom unsubscribes the connection from a chat room (client -> server).
	TypeLeaveRoom = "leave_room"
	// TypeRoomLeft acknowledges leave_room (server -> client).
	TypeRoomLeft = "room_left"

	// TypeSendMessage requests a new message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessage carries a persisted canonical message (server -> room members).
	TypeMessage = "message"
	// TypeNotification tells an out-of-room participant about a new message (server -> client).
	TypeNotification = "notification"
	// TypeSendError rejects one send_message (server -> originating client).
	TypeSendError = "send_error"

	// TypeTyping is relayed between room members (both directions).
	TypeTyping = "typing"

	// TypeHistoryFetch requests one page of chat history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns one page of chat history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeIdentified,
		TypeJoinRoom,
		TypeRoomJoined,
		TypeLeaveRoom,
		TypeRoomLeft,
		TypeSendMessage,
		TypeMessage,
		TypeNotification,
		TypeSendError,
		TypeTyping,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload and wraps it. A marshal failure yields an
// envelope without payload and the error.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// IdentifyPayload carries the user id the connection claims.
// When the gateway resolved a bearer credential, the two must agree and Role
// is ignored.
type IdentifyPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// IdentifiedPayload acknowledges identify.
type IdentifiedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Role         string `json:"role,omitempty"`
}

// RoomPayload is used by join_room, leave_room and their acknowledgements.
type RoomPayload struct {
	ChatID string `json:"chat_id"`
}

// AttachmentInput references a completed upload from send_message.
type AttachmentInput struct {
	UploadID string `json:"upload_id"`
}

// SendMessagePayload requests a new message.
//
// Exactly one of ChatID or RecipientID addresses the chat. RecipientID makes the
// server create the chat for the pair on first contact.
type SendMessagePayload struct {
	ChatID      string           `json:"chat_id,omitempty"`
	RecipientID string           `json:"recipient_id,omitempty"`
	SenderID    string           `json:"sender_id,omitempty"`
	Body        string           `json:"body"`
	ClientRef   string           `json:"client_ref,omitempty"`
	Attachment  *AttachmentInput `json:"attachment,omitempty"`
}

// Attachment is the resolved reference carried on a canonical message.
type Attachment struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

// Message is a persisted canonical message.
type Message struct {
	ID         int64       `json:"id"`
	Seq        int64       `json:"seq"`
	ChatID     string      `json:"chat_id"`
	SenderID   string      `json:"sender_id"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ClientRef  string      `json:"client_ref,omitempty"`
}

// SenderSummary describes the sender inside a notification.
type SenderSummary struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// NotificationPayload is pushed to a participant who is online but not in the room.
type NotificationPayload struct {
	ChatID  string        `json:"chat_id"`
	Sender  SenderSummary `json:"sender"`
	Message Message       `json:"message"`
}

// TypingPayload relays typing state. UserID is filled by the server.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// SendErrorPayload rejects one send_message.
type SendErrorPayload struct {
	Reason    string `json:"reason"`
	ChatID    string `json:"chat_id,omitempty"`
	ClientRef string `json:"client_ref,omitempty"`
	Message   string `json:"message,omitempty"`
}

// HistoryFetchPayload requests one page of history. Pages are 1-based.
type HistoryFetchPayload struct {
	ChatID   string `json:"chat_id"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// HistoryChunkPayload returns one page of history ordered oldest first.
type HistoryChunkPayload struct {
	ChatID   string    `json:"chat_id"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
	Messages []Message `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
