package domain

import "time"

// Room statuses.
const (
	RoomActive   = "active"
	RoomArchived = "archived"
)

// MessagePreview is the last-message snapshot kept on a room.
type MessagePreview struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Type      string    `json:"type"`
	SentAt    time.Time `json:"sent_at"`
}

// Room is the single conversation between an unordered pair of users.
// ParticipantA always sorts before ParticipantB.
type Room struct {
	ID           string          `json:"id"`
	ParticipantA string          `json:"participant_a"`
	ParticipantB string          `json:"participant_b"`
	Status       string          `json:"status"`
	LastMessage  *MessagePreview `json:"last_message,omitempty"`
	UnreadA      int             `json:"unread_a"`
	UnreadB      int             `json:"unread_b"`
	MatchingNote string          `json:"matching_note,omitempty"`
	EndedBy      string          `json:"ended_by,omitempty"`
	MatchedAt    time.Time       `json:"matched_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SortedPair returns a and b in canonical order.
func SortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// IsParticipant checks if userID is part of this room.
func (r *Room) IsParticipant(userID string) bool {
	return userID == r.ParticipantA || userID == r.ParticipantB
}

// Partner returns the other participant, or "" for outsiders.
func (r *Room) Partner(userID string) string {
	switch userID {
	case r.ParticipantA:
		return r.ParticipantB
	case r.ParticipantB:
		return r.ParticipantA
	}
	return ""
}

// IsActive reports whether the room accepts messages.
func (r *Room) IsActive() bool {
	return r.Status == RoomActive
}

// AddUnread bumps the unread counter of userID by n.
func (r *Room) AddUnread(userID string, n int) {
	switch userID {
	case r.ParticipantA:
		r.UnreadA += n
	case r.ParticipantB:
		r.UnreadB += n
	}
}

// ClearUnread resets the unread counter of userID.
func (r *Room) ClearUnread(userID string) {
	switch userID {
	case r.ParticipantA:
		r.UnreadA = 0
	case r.ParticipantB:
		r.UnreadB = 0
	}
}

// Unread returns the unread counter of userID.
func (r *Room) Unread(userID string) int {
	switch userID {
	case r.ParticipantA:
		return r.UnreadA
	case r.ParticipantB:
		return r.UnreadB
	}
	return 0
}
