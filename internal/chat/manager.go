// Package chat runs conversations inside matched rooms: message delivery
// and read state, edits, reactions, typing relay and ending a conversation.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/metrics"
	"github.com/whisper/matchroom/internal/notify"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/store"
)

// KeyDeliverer hands the room key to a participant who joins the room.
type KeyDeliverer interface {
	DeliverTo(ctx context.Context, room *domain.Room, userID string) error
}

type ManagerDeps struct {
	Rooms    store.Rooms
	Messages store.Messages
	Presence presence.Registry
	Keys     KeyDeliverer // optional
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time

	// MaxTextBytes lowers the ciphertext limit below MaxCiphertextBytes.
	MaxTextBytes int
}

// Manager implements the chat actions of connected users.
type Manager struct {
	rooms    store.Rooms
	messages store.Messages
	presence presence.Registry
	keys     KeyDeliverer
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
	maxText  int

	mu     sync.Mutex
	joined map[string]map[string]struct{} // room id -> local members
}

func NewManager(d ManagerDeps) *Manager {
	m := &Manager{
		rooms:    d.Rooms,
		messages: d.Messages,
		presence: d.Presence,
		keys:     d.Keys,
		notifier: d.Notifier,
		log:      logging.Component(d.Logger, "chat"),
		now:      d.Now,
		maxText:  d.MaxTextBytes,
		joined:   make(map[string]map[string]struct{}),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxText <= 0 || m.maxText > MaxCiphertextBytes {
		m.maxText = MaxCiphertextBytes
	}
	if m.notifier == nil {
		m.notifier = notify.NewLogNotifier(d.Logger)
	}
	return m
}

func (m *Manager) checkLength(ciphertext []byte) error {
	if len(ciphertext) > m.maxText {
		return fmt.Errorf("chat: ciphertext exceeds %d byte limit: %w", m.maxText, apperr.ErrValidation)
	}
	return nil
}

// participantRoom loads roomID and checks that userID belongs to it.
func (m *Manager) participantRoom(ctx context.Context, userID, roomID string) (*domain.Room, error) {
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(userID) {
		return nil, fmt.Errorf("chat: %s is not in room %s: %w", userID, roomID, apperr.ErrUnauthorized)
	}
	return room, nil
}

// ---------- Join / leave ----------

// JoinRoom attaches userID's connection to the room. Every message still
// pending for userID is marked delivered and read at one instant; the
// partner and the reader each receive a single messages_read event for
// the batch.
func (m *Manager) JoinRoom(ctx context.Context, userID, roomID string) error {
	room, err := m.participantRoom(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if err := m.presence.JoinRoom(ctx, userID, roomID); err != nil {
		return fmt.Errorf("chat: join room: %w", err)
	}
	m.track(roomID, userID, true)

	now := m.now()
	ids, err := m.messages.MarkPendingRead(ctx, roomID, userID, now)
	if err != nil {
		return fmt.Errorf("chat: mark read: %w", err)
	}
	if len(ids) > 0 || room.Unread(userID) > 0 {
		if room, err = m.rooms.ClearUnread(ctx, roomID, userID, now); err != nil {
			return fmt.Errorf("chat: clear unread: %w", err)
		}
	}
	partner := room.Partner(userID)
	if len(ids) > 0 {
		read := protocol.MessagesReadMsg{
			RoomID:     roomID,
			ReaderID:   userID,
			MessageIDs: ids,
			ReadAt:     now,
		}
		// The reader's other tabs drop their unread badges too.
		m.emit(ctx, partner, protocol.TypeMessagesRead, read)
		m.emit(ctx, userID, protocol.TypeMessagesRead, read)
	}

	m.emit(ctx, userID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		Room:   room,
		Online: m.presence.InRoom(ctx, partner, roomID),
	})

	if m.keys != nil && room.IsActive() {
		if err := m.keys.DeliverTo(ctx, room, userID); err != nil {
			m.log.Warn("deliver room key", "room", roomID, "user", userID, "err", err)
		}
	}

	m.log.Debug("room joined", "room", roomID, "user", userID, "marked_read", len(ids))
	return nil
}

// LeaveRoom detaches userID's connection from the room. Later messages stay
// pending until the next join.
func (m *Manager) LeaveRoom(ctx context.Context, userID, roomID string) error {
	if err := m.presence.LeaveRoom(ctx, userID, roomID); err != nil {
		return fmt.Errorf("chat: leave room: %w", err)
	}
	m.track(roomID, userID, false)
	return nil
}

// Disconnect forgets every room userID had joined on this instance.
func (m *Manager) Disconnect(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, members := range m.joined {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.joined, roomID)
		}
	}
	metrics.ActiveRooms.Set(float64(len(m.joined)))
}

func (m *Manager) track(roomID, userID string, joined bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.joined[roomID]
	if joined {
		if members == nil {
			members = make(map[string]struct{}, 2)
			m.joined[roomID] = members
		}
		members[userID] = struct{}{}
	} else if members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.joined, roomID)
		}
	}
	metrics.ActiveRooms.Set(float64(len(m.joined)))
}

// ---------- Messages ----------

// SendMessage stores a message from userID. It is delivered and read at
// once when the receiver is in the room; otherwise it stays pending, the
// receiver's unread counter grows and an out-of-band notification goes out.
func (m *Manager) SendMessage(ctx context.Context, userID string, msg protocol.SendMessageMsg) (*domain.Message, error) {
	if err := Validate(msg); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := ValidatePayload(msg.MessageType, msg.Ciphertext, msg.IV, msg.ImageRef); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := m.checkLength(msg.Ciphertext); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	room, err := m.participantRoom(ctx, userID, msg.RoomID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !room.IsActive() {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("chat: send to %s: %w", room.ID, apperr.ErrRoomClosed)
	}

	now := m.now()
	receiver := room.Partner(userID)
	message := &domain.Message{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		SenderID:   userID,
		ReceiverID: receiver,
		Type:       msg.MessageType,
		Ciphertext: msg.Ciphertext,
		IV:         msg.IV,
		ImageRef:   msg.ImageRef,
		ReplyTo:    msg.ReplyTo,
		CreatedAt:  now,
	}
	inRoom := m.presence.InRoom(ctx, receiver, room.ID)
	if inRoom {
		message.MarkDeliveredAndRead(now)
	}
	if _, err := m.rooms.RecordMessage(ctx, message, !inRoom); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("chat: store message: %w", err)
	}

	m.emit(ctx, receiver, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: message})
	m.emit(ctx, userID, protocol.TypeMessageAccepted, protocol.MessageAcceptedMsg{
		ClientID: msg.ClientID,
		Message:  message,
	})

	if inRoom {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("pending").Inc()
		m.notifyNewMessage(ctx, message)
	}
	return message, nil
}

func (m *Manager) notifyNewMessage(ctx context.Context, msg *domain.Message) {
	err := m.notifier.Notify(ctx, msg.ReceiverID, notify.Notification{
		Title: "New message",
		Body:  "Your match sent you a message.",
		Tag:   notify.TagNewMessage,
		Data: map[string]string{
			"room_id":    msg.RoomID,
			"message_id": msg.ID,
			"sender_id":  msg.SenderID,
		},
	})
	if err != nil {
		m.log.Warn("new message notification failed", "user", msg.ReceiverID, "err", err)
	}
}

// loadMessage returns the message together with its room, checking that
// userID takes part in the conversation.
func (m *Manager) loadMessage(ctx context.Context, userID, messageID string) (*domain.Message, *domain.Room, error) {
	msg, err := m.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	room, err := m.participantRoom(ctx, userID, msg.RoomID)
	if err != nil {
		return nil, nil, err
	}
	return msg, room, nil
}

// EditMessage replaces the payload of a text message. Only the sender may
// edit and only while the room is active.
func (m *Manager) EditMessage(ctx context.Context, userID string, edit protocol.EditMessageMsg) (*domain.Message, error) {
	if err := Validate(edit); err != nil {
		return nil, err
	}
	msg, room, err := m.loadMessage(ctx, userID, edit.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, fmt.Errorf("chat: %s cannot edit message %s: %w", userID, msg.ID, apperr.ErrUnauthorized)
	}
	if msg.Type != domain.MessageText {
		return nil, fmt.Errorf("chat: only text messages can be edited: %w", apperr.ErrValidation)
	}
	if !room.IsActive() {
		return nil, fmt.Errorf("chat: edit in %s: %w", room.ID, apperr.ErrRoomClosed)
	}
	if err := validateCiphertext(edit.Ciphertext, edit.IV); err != nil {
		return nil, err
	}
	if err := m.checkLength(edit.Ciphertext); err != nil {
		return nil, err
	}

	now := m.now()
	msg.Ciphertext = edit.Ciphertext
	msg.IV = edit.IV
	msg.EditedAt = &now
	if err := m.messages.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("chat: store edit: %w", err)
	}

	m.broadcast(ctx, room, protocol.TypeMessageEdited, protocol.MessageEditedMsg{
		RoomID:     room.ID,
		MessageID:  msg.ID,
		Ciphertext: msg.Ciphertext,
		IV:         msg.IV,
		EditedAt:   now,
	})
	return msg, nil
}

// ToggleReaction sets, replaces or removes userID's reaction on a message.
// Each participant holds at most one reaction per message.
func (m *Manager) ToggleReaction(ctx context.Context, userID string, react protocol.ReactMsg) (*domain.Message, error) {
	if err := Validate(react); err != nil {
		return nil, err
	}
	msg, room, err := m.loadMessage(ctx, userID, react.MessageID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive() {
		return nil, fmt.Errorf("chat: react in %s: %w", room.ID, apperr.ErrRoomClosed)
	}

	current := msg.ToggleReaction(userID, react.Emoji)
	if err := m.messages.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("chat: store reaction: %w", err)
	}

	m.broadcast(ctx, room, protocol.TypeReactionUpdated, protocol.ReactionUpdatedMsg{
		RoomID:    room.ID,
		MessageID: msg.ID,
		UserID:    userID,
		Emoji:     current,
		Reactions: msg.Reactions,
	})
	return msg, nil
}

// Typing relays a typing indicator to the partner when they are in the
// room. Nothing is stored.
func (m *Manager) Typing(ctx context.Context, userID string, typing protocol.TypingMsg) error {
	if err := Validate(typing); err != nil {
		return err
	}
	room, err := m.participantRoom(ctx, userID, typing.RoomID)
	if err != nil {
		return err
	}
	if !room.IsActive() {
		return nil
	}
	partner := room.Partner(userID)
	if m.presence.InRoom(ctx, partner, room.ID) {
		m.emit(ctx, partner, protocol.TypeTyping, protocol.ServerTypingMsg{
			RoomID:   room.ID,
			UserID:   userID,
			IsTyping: typing.IsTyping,
		})
	}
	return nil
}

// ---------- Lifecycle ----------

// EndConversation archives the room on behalf of userID. Ending an already
// archived room is a no-op.
func (m *Manager) EndConversation(ctx context.Context, userID, roomID string) (*domain.Room, error) {
	room, err := m.participantRoom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive() {
		return room, nil
	}

	room, ended, err := m.rooms.ArchiveRoom(ctx, room.ID, userID, m.now())
	if err != nil {
		return nil, fmt.Errorf("chat: archive room: %w", err)
	}
	if !ended {
		return room, nil
	}

	m.broadcast(ctx, room, protocol.TypeConversationEnded, protocol.ConversationEndedMsg{
		RoomID:  room.ID,
		EndedBy: userID,
	})
	m.log.Info("conversation ended", "room", room.ID, "by", userID)
	return room, nil
}
