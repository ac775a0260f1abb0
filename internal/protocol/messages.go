// Package protocol defines the WebSocket messages exchanged between clients
// and the server. Every message is a JSON object with a "type" discriminator.
// Binary fields (ciphertext, iv, keys) travel base64-encoded.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/matchroom/internal/domain"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartMatching = "start_matching"
	TypeStopMatching  = "stop_matching"
	TypeJoinRoom      = "join_room"
	TypeLeaveRoom     = "leave_room"
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeReact         = "react"
	TypeTyping        = "typing"
	TypeEndChat       = "end_chat"
	TypePing          = "ping"
)

// Server -> Client message types. Typing relays reuse TypeTyping.
const (
	TypeMatchingStarted   = "matching_started"
	TypeMatchingStopped   = "matching_stopped"
	TypeMatchFound        = "match_found"
	TypeNoMatch           = "no_match"
	TypeRoomJoined        = "room_joined"
	TypeNewMessage        = "new_message"
	TypeMessageAccepted   = "message_accepted"
	TypeMessageEdited     = "message_edited"
	TypeReactionUpdated   = "reaction_updated"
	TypeMessagesRead      = "messages_read"
	TypeConversationEnded = "conversation_ended"
	TypeSessionKey        = "session_key"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
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

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
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

type StartMatchingMsg struct {
	Type string `json:"type"`
}

type StopMatchingMsg struct {
	Type string `json:"type"`
}

// JoinRoomMsg attaches the connection to a room. Pending messages addressed
// to the caller are marked read on join.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required"`
}

type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required"`
}

// SendMessageMsg carries an already encrypted text payload or an image
// reference. ClientID lets the sender correlate the acknowledgement.
type SendMessageMsg struct {
	Type        string `json:"type"`
	ClientID    string `json:"client_id,omitempty" validate:"omitempty,max=64"`
	RoomID      string `json:"room_id" validate:"required"`
	MessageType string `json:"message_type" validate:"required,oneof=text image"`
	Ciphertext  []byte `json:"ciphertext,omitempty" validate:"required_if=MessageType text"`
	IV          []byte `json:"iv,omitempty" validate:"required_if=MessageType text"`
	ImageRef    string `json:"image_ref,omitempty" validate:"required_if=MessageType image,max=512"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

type EditMessageMsg struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id" validate:"required"`
	Ciphertext []byte `json:"ciphertext" validate:"required"`
	IV         []byte `json:"iv" validate:"required"`
}

type ReactMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id" validate:"required"`
	IsTyping bool   `json:"is_typing"`
}

type EndChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

type MatchingStartedMsg struct {
	Type string `json:"type"`
}

type MatchingStoppedMsg struct {
	Type string `json:"type"`
}

// MatchFoundMsg is sent to both parties once credits are debited and the
// room exists.
type MatchFoundMsg struct {
	Type      string  `json:"type"`
	RoomID    string  `json:"room_id"`
	PartnerID string  `json:"partner_id"`
	Note      string  `json:"note"`
	Score     float64 `json:"score"`
	Reopened  bool    `json:"reopened,omitempty"`
}

type NoMatchMsg struct {
	Type   string `json:"type"`
	Mode   string `json:"mode"`
	Note   string `json:"note"`
	Reason string `json:"reason,omitempty"`
}

type RoomJoinedMsg struct {
	Type   string       `json:"type"`
	Room   *domain.Room `json:"room"`
	Online bool         `json:"partner_online"`
}

type NewMessageMsg struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message"`
}

// MessageAcceptedMsg acknowledges a send to its sender.
type MessageAcceptedMsg struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	Message  *domain.Message `json:"message"`
}

type MessageEditedMsg struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"room_id"`
	MessageID  string    `json:"message_id"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	EditedAt   time.Time `json:"edited_at"`
}

type ReactionUpdatedMsg struct {
	Type      string            `json:"type"`
	RoomID    string            `json:"room_id"`
	MessageID string            `json:"message_id"`
	UserID    string            `json:"user_id"`
	Emoji     string            `json:"emoji,omitempty"`
	Reactions map[string]string `json:"reactions"`
}

// MessagesReadMsg reports a batch of messages marked delivered and read at
// one instant.
type MessagesReadMsg struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"room_id"`
	ReaderID   string    `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

type ServerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type ConversationEndedMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	EndedBy string `json:"ended_by"`
}

// SessionKeyMsg delivers the room key. Scheme "sealed-box" means Key is
// sealed to the recipient's public key; "derived" means Key is the raw key.
type SessionKeyMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Scheme string `json:"scheme"`
	Key    []byte `json:"key"`
}

type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartMatching:
		var m StartMatchingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopMatching:
		var m StopMatchingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReact:
		var m ReactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and sets its "type" key to msgType.
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

// NewError builds an ErrorMsg frame.
func NewError(code, message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return data
}
