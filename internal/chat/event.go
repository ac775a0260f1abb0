package chat

import (
	"context"
	"errors"

	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
)

// emit encodes payload as a msgType frame and sends it to userID. It
// reports whether the frame reached a live connection.
func (m *Manager) emit(ctx context.Context, userID, msgType string, payload any) bool {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		m.log.Error("encode event", "type", msgType, "err", err)
		return false
	}
	if err := m.presence.Send(ctx, userID, frame); err != nil {
		if !errors.Is(err, presence.ErrOffline) {
			m.log.Warn("send event", "type", msgType, "user", userID, "err", err)
		}
		return false
	}
	return true
}

// broadcast emits the event to both participants of room.
func (m *Manager) broadcast(ctx context.Context, room *domain.Room, msgType string, payload any) {
	for _, id := range []string{room.ParticipantA, room.ParticipantB} {
		m.emit(ctx, id, msgType, payload)
	}
}
