package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/notify"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/store"
	"github.com/whisper/matchroom/internal/store/memory"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type frameConn struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (c *frameConn) WriteMessage(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *frameConn) ofType(msgType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

type noteRecorder struct {
	mu   sync.Mutex
	tags map[string][]string
}

func (n *noteRecorder) Notify(_ context.Context, userID string, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tags == nil {
		n.tags = make(map[string][]string)
	}
	n.tags[userID] = append(n.tags[userID], note.Tag)
	return nil
}

type keyRecorder struct {
	delivered []string
}

func (k *keyRecorder) DeliverTo(_ context.Context, room *domain.Room, userID string) error {
	k.delivered = append(k.delivered, room.ID+"/"+userID)
	return nil
}

type harness struct {
	store    *memory.Store
	presence *presence.Local
	notes    *noteRecorder
	keys     *keyRecorder
	clock    time.Time
	mgr      *Manager
	room     *domain.Room
	conns    map[string]*frameConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		presence: presence.NewLocal(),
		notes:    &noteRecorder{},
		keys:     &keyRecorder{},
		clock:    t0,
		conns:    make(map[string]*frameConn),
	}
	h.useRooms(h.store)
	room, _, err := h.store.FindOrCreateRoom(context.Background(), "alice", "bob", t0)
	require.NoError(t, err)
	h.room = room
	return h
}

// useRooms rebuilds the manager on top of rooms.
func (h *harness) useRooms(rooms store.Rooms) {
	h.mgr = NewManager(ManagerDeps{
		Rooms:    rooms,
		Messages: h.store,
		Presence: h.presence,
		Keys:     h.keys,
		Notifier: h.notes,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return h.clock },
	})
}

// interleavedRooms runs a callback once just before the next
// RecordMessage or ArchiveRoom reaches the store.
type interleavedRooms struct {
	store.Rooms
	beforeRecord  func()
	beforeArchive func()
	recorded      []string
}

func (r *interleavedRooms) RecordMessage(ctx context.Context, m *domain.Message, unread bool) (*domain.Room, error) {
	r.recorded = append(r.recorded, m.ID)
	if f := r.beforeRecord; f != nil {
		r.beforeRecord = nil
		f()
	}
	return r.Rooms.RecordMessage(ctx, m, unread)
}

func (r *interleavedRooms) ArchiveRoom(ctx context.Context, id, endedBy string, at time.Time) (*domain.Room, bool, error) {
	if f := r.beforeArchive; f != nil {
		r.beforeArchive = nil
		f()
	}
	return r.Rooms.ArchiveRoom(ctx, id, endedBy, at)
}

func (h *harness) connect(t *testing.T, userID string) *frameConn {
	t.Helper()
	c := &frameConn{}
	_, err := h.presence.Connect(context.Background(), userID, c)
	require.NoError(t, err)
	h.conns[userID] = c
	return c
}

func (h *harness) text(t *testing.T, from string) *domain.Message {
	t.Helper()
	msg, err := h.mgr.SendMessage(context.Background(), from, textMsg(h.room.ID))
	require.NoError(t, err)
	return msg
}

func textMsg(roomID string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{
		RoomID:      roomID,
		MessageType: domain.MessageText,
		Ciphertext:  []byte("sealed"),
		IV:          make([]byte, 12),
	}
}

func (h *harness) reload(t *testing.T) *domain.Room {
	t.Helper()
	r, err := h.store.GetRoom(context.Background(), h.room.ID)
	require.NoError(t, err)
	return r
}

// ---------- Send & read state ----------

func TestSendMessage_ReceiverInRoomReadsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))

	msg := h.text(t, "alice")
	require.NotNil(t, msg.DeliveredAt)
	require.NotNil(t, msg.ReadAt)
	assert.Equal(t, t0, *msg.ReadAt)
	assert.Equal(t, "bob", msg.ReceiverID)

	assert.Len(t, bob.ofType(protocol.TypeNewMessage), 1)
	assert.Len(t, alice.ofType(protocol.TypeMessageAccepted), 1)
	assert.Equal(t, 0, h.reload(t).Unread("bob"))
	assert.Empty(t, h.notes.tags)
}

func TestSendMessage_PendingThenJoinSweeps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.connect(t, "alice")

	var ids []string
	for i := 0; i < 3; i++ {
		h.clock = t0.Add(time.Duration(i) * time.Minute)
		msg := h.text(t, "alice")
		assert.True(t, msg.Pending())
		ids = append(ids, msg.ID)
	}
	room := h.reload(t)
	assert.Equal(t, 3, room.Unread("bob"))
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, ids[2], room.LastMessage.MessageID)
	assert.Equal(t, []string{notify.TagNewMessage, notify.TagNewMessage, notify.TagNewMessage}, h.notes.tags["bob"])

	h.clock = t0.Add(time.Hour)
	bob := h.connect(t, "bob")
	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))

	for _, id := range ids {
		m, err := h.store.GetMessage(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, m.ReadAt)
		assert.Equal(t, h.clock, *m.ReadAt)
		assert.Equal(t, h.clock, *m.DeliveredAt)
	}
	assert.Equal(t, 0, h.reload(t).Unread("bob"))

	reads := alice.ofType(protocol.TypeMessagesRead)
	require.Len(t, reads, 1, "one batched event")
	assert.Len(t, reads[0]["message_ids"], 3)
	assert.Equal(t, "bob", reads[0]["reader_id"])
	own := bob.ofType(protocol.TypeMessagesRead)
	require.Len(t, own, 1, "reader is told as well")
	assert.Len(t, own[0]["message_ids"], 3)

	joined := bob.ofType(protocol.TypeRoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, false, joined[0]["partner_online"])
	assert.Equal(t, []string{h.room.ID + "/bob"}, h.keys.delivered)
}

func TestSendMessage_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.SendMessage(ctx, "mallory", textMsg(h.room.ID))
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = h.mgr.SendMessage(ctx, "alice", textMsg("missing"))
	require.ErrorIs(t, err, apperr.ErrNotFound)

	bad := textMsg(h.room.ID)
	bad.ImageRef = "img/1.jpg"
	_, err = h.mgr.SendMessage(ctx, "alice", bad)
	require.ErrorIs(t, err, apperr.ErrValidation)

	noIV := textMsg(h.room.ID)
	noIV.IV = nil
	_, err = h.mgr.SendMessage(ctx, "alice", noIV)
	require.ErrorIs(t, err, apperr.ErrValidation)

	img := protocol.SendMessageMsg{RoomID: h.room.ID, MessageType: domain.MessageImage, ImageRef: "img/1.jpg"}
	msg, err := h.mgr.SendMessage(ctx, "alice", img)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageImage, msg.Type)

	_, err = h.mgr.EndConversation(ctx, "bob", h.room.ID)
	require.NoError(t, err)
	_, err = h.mgr.SendMessage(ctx, "alice", textMsg(h.room.ID))
	require.ErrorIs(t, err, apperr.ErrRoomClosed)
}

func TestSendMessage_ConfiguredTextLimit(t *testing.T) {
	h := newHarness(t)
	h.mgr.maxText = 8
	ctx := context.Background()

	msg := textMsg(h.room.ID)
	msg.Ciphertext = []byte("123456789")
	_, err := h.mgr.SendMessage(ctx, "alice", msg)
	require.ErrorIs(t, err, apperr.ErrValidation)

	msg.Ciphertext = []byte("12345678")
	_, err = h.mgr.SendMessage(ctx, "alice", msg)
	require.NoError(t, err)
}

// ---------- Edit ----------

func TestEditMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bob := h.connect(t, "bob")
	msg := h.text(t, "alice")

	edit := protocol.EditMessageMsg{MessageID: msg.ID, Ciphertext: []byte("v2"), IV: make([]byte, 24)}

	_, err := h.mgr.EditMessage(ctx, "bob", edit)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	h.clock = t0.Add(5 * time.Minute)
	got, err := h.mgr.EditMessage(ctx, "alice", edit)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Ciphertext)
	require.NotNil(t, got.EditedAt)
	assert.Equal(t, h.clock, *got.EditedAt)
	assert.Len(t, bob.ofType(protocol.TypeMessageEdited), 1)

	img, err := h.mgr.SendMessage(ctx, "alice", protocol.SendMessageMsg{
		RoomID: h.room.ID, MessageType: domain.MessageImage, ImageRef: "img/2.jpg",
	})
	require.NoError(t, err)
	_, err = h.mgr.EditMessage(ctx, "alice", protocol.EditMessageMsg{MessageID: img.ID, Ciphertext: []byte("x"), IV: make([]byte, 12)})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.mgr.EndConversation(ctx, "alice", h.room.ID)
	require.NoError(t, err)
	_, err = h.mgr.EditMessage(ctx, "alice", edit)
	require.ErrorIs(t, err, apperr.ErrRoomClosed)
}

// ---------- Reactions ----------

func TestToggleReaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.connect(t, "alice")
	msg := h.text(t, "alice")

	react := func(user, emoji string) map[string]string {
		got, err := h.mgr.ToggleReaction(ctx, user, protocol.ReactMsg{MessageID: msg.ID, Emoji: emoji})
		require.NoError(t, err)
		return got.Reactions
	}

	assert.Equal(t, map[string]string{"bob": "❤️"}, react("bob", "❤️"))
	assert.Equal(t, map[string]string{"bob": "😂"}, react("bob", "😂"))
	assert.Equal(t, map[string]string{"bob": "😂", "alice": "👍"}, react("alice", "👍"))
	assert.Equal(t, map[string]string{"alice": "👍"}, react("bob", "😂"))
	assert.Len(t, alice.ofType(protocol.TypeReactionUpdated), 4)

	_, err := h.mgr.ToggleReaction(ctx, "mallory", protocol.ReactMsg{MessageID: msg.ID, Emoji: "👍"})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = h.mgr.ToggleReaction(ctx, "bob", protocol.ReactMsg{MessageID: msg.ID})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

// ---------- Typing ----------

func TestTyping_RelaysOnlyToPartnerInRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice")
	bob := h.connect(t, "bob")

	require.NoError(t, h.mgr.Typing(ctx, "alice", protocol.TypingMsg{RoomID: h.room.ID, IsTyping: true}))
	assert.Empty(t, bob.ofType(protocol.TypeTyping))

	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))
	require.NoError(t, h.mgr.Typing(ctx, "alice", protocol.TypingMsg{RoomID: h.room.ID, IsTyping: true}))
	relayed := bob.ofType(protocol.TypeTyping)
	require.Len(t, relayed, 1)
	assert.Equal(t, "alice", relayed[0]["user_id"])

	err := h.mgr.Typing(ctx, "mallory", protocol.TypingMsg{RoomID: h.room.ID})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

// ---------- Lifecycle ----------

func TestEndConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	room, err := h.mgr.EndConversation(ctx, "alice", h.room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomArchived, room.Status)
	assert.Equal(t, "alice", room.EndedBy)
	assert.Len(t, alice.ofType(protocol.TypeConversationEnded), 1)
	assert.Len(t, bob.ofType(protocol.TypeConversationEnded), 1)

	again, err := h.mgr.EndConversation(ctx, "bob", h.room.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.EndedBy)
	assert.Len(t, bob.ofType(protocol.TypeConversationEnded), 1)

	_, err = h.mgr.EndConversation(ctx, "mallory", h.room.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestEndConversation_WinsOverInFlightSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.connect(t, "alice")
	rooms := &interleavedRooms{Rooms: h.store}
	h.useRooms(rooms)
	rooms.beforeRecord = func() {
		_, err := h.mgr.EndConversation(ctx, "bob", h.room.ID)
		require.NoError(t, err)
	}

	_, err := h.mgr.SendMessage(ctx, "alice", textMsg(h.room.ID))
	require.ErrorIs(t, err, apperr.ErrRoomClosed)

	room := h.reload(t)
	assert.Equal(t, domain.RoomArchived, room.Status)
	assert.Equal(t, "bob", room.EndedBy)
	assert.Nil(t, room.LastMessage)
	assert.Equal(t, 0, room.Unread("bob"))
	require.Len(t, rooms.recorded, 1)
	_, err = h.store.GetMessage(ctx, rooms.recorded[0])
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, alice.ofType(protocol.TypeMessageAccepted))
	assert.Len(t, alice.ofType(protocol.TypeConversationEnded), 1)
}

func TestEndConversation_KeepsUnreadFromOverlappingSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rooms := &interleavedRooms{Rooms: h.store}
	h.useRooms(rooms)
	var sent *domain.Message
	rooms.beforeArchive = func() {
		sent = h.text(t, "alice")
	}

	room, err := h.mgr.EndConversation(ctx, "bob", h.room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomArchived, room.Status)

	got := h.reload(t)
	assert.Equal(t, domain.RoomArchived, got.Status)
	assert.Equal(t, 1, got.Unread("bob"))
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, sent.ID, got.LastMessage.MessageID)
}

func TestJoinRoom_UnreadMatchesPendingMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.text(t, "alice")
	h.text(t, "alice")
	assert.Equal(t, 2, h.reload(t).Unread("bob"))

	h.connect(t, "bob")
	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))
	require.NoError(t, h.mgr.LeaveRoom(ctx, "bob", h.room.ID))
	h.text(t, "alice")
	assert.Equal(t, 1, h.reload(t).Unread("bob"))

	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))
	assert.Equal(t, 0, h.reload(t).Unread("bob"))
	assert.Equal(t, 0, h.reload(t).Unread("alice"))
}

func TestLeaveRoom_MessagesStayPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "bob")
	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))
	require.NoError(t, h.mgr.LeaveRoom(ctx, "bob", h.room.ID))

	msg := h.text(t, "alice")
	assert.True(t, msg.Pending())
	assert.Equal(t, 1, h.reload(t).Unread("bob"))
}

func TestJoinRoom_OutsiderRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "mallory")
	err := h.mgr.JoinRoom(context.Background(), "mallory", h.room.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.False(t, h.presence.InRoom(context.Background(), "mallory", h.room.ID))
}

func TestDisconnect_ForgetsJoinedRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "bob")
	require.NoError(t, h.mgr.JoinRoom(ctx, "bob", h.room.ID))
	h.mgr.Disconnect("bob")

	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	assert.Empty(t, h.mgr.joined)
}
