package domain

import "time"

// Message types.
const (
	MessageText  = "text"
	MessageImage = "image"
)

// Message is a single chat message. Only the payload, EditedAt, the
// reactions and the delivery timestamps ever change after creation.
type Message struct {
	ID          string            `json:"id"`
	RoomID      string            `json:"room_id"`
	SenderID    string            `json:"sender_id"`
	ReceiverID  string            `json:"receiver_id"`
	Type        string            `json:"type"`
	Ciphertext  []byte            `json:"ciphertext,omitempty"`
	IV          []byte            `json:"iv,omitempty"`
	ImageRef    string            `json:"image_ref,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Reactions   map[string]string `json:"reactions,omitempty"` // user id -> emoji
	EditedAt    *time.Time        `json:"edited_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	ReadAt      *time.Time        `json:"read_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// MarkDeliveredAndRead stamps both timestamps, keeping existing ones so that
// read never precedes delivery.
func (m *Message) MarkDeliveredAndRead(at time.Time) {
	if m.DeliveredAt == nil {
		t := at
		m.DeliveredAt = &t
	}
	if m.ReadAt == nil {
		t := at
		m.ReadAt = &t
	}
}

// Pending reports whether the message still waits for its receiver.
func (m *Message) Pending() bool {
	return m.ReadAt == nil
}

// ToggleReaction applies the one-reaction-per-user rule and returns the
// user's reaction after the toggle ("" when removed).
func (m *Message) ToggleReaction(userID, emoji string) string {
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if m.Reactions[userID] == emoji {
		delete(m.Reactions, userID)
		return ""
	}
	m.Reactions[userID] = emoji
	return emoji
}
