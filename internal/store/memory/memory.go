// Package memory is a process-local implementation of store.Store. It has
// no multi-record transactions, so the credit debit falls back to the
// compensating path.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/store"
)

type pairKey struct{ a, b string }

// Store keeps everything in maps behind one mutex.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*domain.User
	preferences map[string]*domain.Preference
	answers     map[string]domain.AnswerSet
	ledger      map[string][]domain.LedgerEntry
	rooms       map[string]*domain.Room
	roomsByPair map[pairKey]string
	messages    map[string]*domain.Message
	roomMsgs    map[string][]string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[string]*domain.User),
		preferences: make(map[string]*domain.Preference),
		answers:     make(map[string]domain.AnswerSet),
		ledger:      make(map[string][]domain.LedgerEntry),
		rooms:       make(map[string]*domain.Room),
		roomsByPair: make(map[pairKey]string),
		messages:    make(map[string]*domain.Message),
		roomMsgs:    make(map[string][]string),
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
}

// PutPreference inserts or replaces a preference record.
func (s *Store) PutPreference(p *domain.Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.preferences[p.UserID] = &cp
}

// SetAnswer records the selection of userID for questionID.
func (s *Store) SetAnswer(userID, questionID, selection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.answers[userID]
	if !ok {
		set = make(domain.AnswerSet)
		s.answers[userID] = set
	}
	set[questionID] = selection
}

// ---------- Profiles ----------

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("memory: user %s: %w", id, apperr.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *Store) GetUsers(_ context.Context, ids []string) (map[string]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*domain.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = cloneUser(u)
		}
	}
	return out, nil
}

func (s *Store) SetSearching(_ context.Context, id string, searching bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("memory: user %s: %w", id, apperr.ErrNotFound)
	}
	u.Searching = searching
	if searching {
		t := at
		u.SearchingSince = &t
	} else {
		u.SearchingSince = nil
	}
	return nil
}

func (s *Store) ClaimSearching(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || !u.Searching {
		return false, nil
	}
	u.Searching = false
	return true, nil
}

func (s *Store) ReleaseSearching(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("memory: user %s: %w", id, apperr.ErrNotFound)
	}
	// SetSearching(false) drops SearchingSince; a claimed user keeps it.
	if !u.Searching && u.SearchingSince != nil {
		u.Searching = true
	}
	return nil
}

func (s *Store) NearbySearching(_ context.Context, q store.NearbyQuery) ([]domain.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Candidate
	for id, u := range s.users {
		if id == q.ExcludeID || !u.Searching || u.Credits < q.MinCredits || u.Location == nil {
			continue
		}
		d := domain.DistanceKm(q.Center, *u.Location)
		if d > q.RadiusKm {
			continue
		}
		out = append(out, domain.Candidate{User: cloneUser(u), DistanceKm: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].User.ID < out[j].User.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ---------- Preferences & answers ----------

func (s *Store) GetPreference(_ context.Context, userID string) (*domain.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preferences[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) AnswersFor(_ context.Context, userIDs []string) (map[string]domain.AnswerSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.AnswerSet, len(userIDs))
	for _, id := range userIDs {
		set, ok := s.answers[id]
		if !ok {
			continue
		}
		cp := make(domain.AnswerSet, len(set))
		for q, sel := range set {
			cp[q] = sel
		}
		out[id] = cp
	}
	return out, nil
}

// ---------- Credits ----------

func (s *Store) SupportsTransactions() bool { return false }

func (s *Store) InTx(context.Context, func(context.Context, store.Credits) error) error {
	return apperr.ErrTransactionUnsupported
}

func (s *Store) Debit(_ context.Context, userID string, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, fmt.Errorf("memory: debit %s: %w", userID, apperr.ErrNotFound)
	}
	if u.Credits < amount {
		return u.Credits, fmt.Errorf("memory: debit %s: %w", userID, apperr.ErrInsufficientResource)
	}
	u.Credits -= amount
	return u.Credits, nil
}

func (s *Store) Refund(_ context.Context, userID string, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, fmt.Errorf("memory: refund %s: %w", userID, apperr.ErrNotFound)
	}
	u.Credits += amount
	return u.Credits, nil
}

func (s *Store) AppendLedger(_ context.Context, entries ...domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		s.ledger[e.UserID] = append(s.ledger[e.UserID], e)
	}
	return nil
}

func (s *Store) Ledger(_ context.Context, userID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.LedgerEntry(nil), s.ledger[userID]...), nil
}

// ---------- Rooms ----------

func (s *Store) FindOrCreateRoom(_ context.Context, a, b string, now time.Time) (*domain.Room, bool, error) {
	a, b = domain.SortedPair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.roomsByPair[pairKey{a, b}]; ok {
		return cloneRoom(s.rooms[id]), false, nil
	}

	r := &domain.Room{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		Status:       domain.RoomActive,
		MatchedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.rooms[r.ID] = r
	s.roomsByPair[pairKey{a, b}] = r.ID
	return cloneRoom(r), true, nil
}

func (s *Store) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("memory: room %s: %w", id, apperr.ErrNotFound)
	}
	return cloneRoom(r), nil
}

func (s *Store) ActivateRoom(_ context.Context, id, note string, at time.Time) (*domain.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, false, fmt.Errorf("memory: room %s: %w", id, apperr.ErrNotFound)
	}
	reopened := r.Status == domain.RoomArchived
	r.Status = domain.RoomActive
	r.EndedBy = ""
	r.MatchedAt = at
	r.MatchingNote = note
	r.UpdatedAt = at
	return cloneRoom(r), reopened, nil
}

func (s *Store) ArchiveRoom(_ context.Context, id, endedBy string, at time.Time) (*domain.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, false, fmt.Errorf("memory: room %s: %w", id, apperr.ErrNotFound)
	}
	if !r.IsActive() {
		return cloneRoom(r), false, nil
	}
	r.Status = domain.RoomArchived
	r.EndedBy = endedBy
	r.UpdatedAt = at
	return cloneRoom(r), true, nil
}

func (s *Store) RecordMessage(_ context.Context, m *domain.Message, unread bool) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[m.RoomID]
	if !ok {
		return nil, fmt.Errorf("memory: room %s: %w", m.RoomID, apperr.ErrNotFound)
	}
	if !r.IsActive() {
		return nil, fmt.Errorf("memory: room %s: %w", m.RoomID, apperr.ErrRoomClosed)
	}
	if _, ok := s.messages[m.ID]; ok {
		return nil, fmt.Errorf("memory: message %s: %w", m.ID, apperr.ErrConflict)
	}
	s.messages[m.ID] = cloneMessage(m)
	s.roomMsgs[m.RoomID] = append(s.roomMsgs[m.RoomID], m.ID)

	r.LastMessage = &domain.MessagePreview{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		SentAt:    m.CreatedAt,
	}
	if unread {
		r.AddUnread(m.ReceiverID, 1)
	}
	r.UpdatedAt = m.CreatedAt
	return cloneRoom(r), nil
}

func (s *Store) ClearUnread(_ context.Context, roomID, userID string, at time.Time) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("memory: room %s: %w", roomID, apperr.ErrNotFound)
	}
	pending := 0
	for _, id := range s.roomMsgs[roomID] {
		if m := s.messages[id]; m.ReceiverID == userID && m.Pending() {
			pending++
		}
	}
	r.ClearUnread(userID)
	r.AddUnread(userID, pending)
	r.UpdatedAt = at
	return cloneRoom(r), nil
}

func (s *Store) RecentPartners(_ context.Context, userID string, since time.Time) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time)
	for _, r := range s.rooms {
		if !r.IsParticipant(userID) || r.MatchedAt.Before(since) {
			continue
		}
		out[r.Partner(userID)] = r.MatchedAt
	}
	return out, nil
}

// ---------- Messages ----------

func (s *Store) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("memory: message %s: %w", m.ID, apperr.ErrConflict)
	}
	s.messages[m.ID] = cloneMessage(m)
	s.roomMsgs[m.RoomID] = append(s.roomMsgs[m.RoomID], m.ID)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("memory: message %s: %w", id, apperr.ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (s *Store) UpdateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return fmt.Errorf("memory: message %s: %w", m.ID, apperr.ErrNotFound)
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Store) MarkPendingRead(_ context.Context, roomID, receiverID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.roomMsgs[roomID] {
		m := s.messages[id]
		if m.ReceiverID != receiverID || !m.Pending() {
			continue
		}
		m.MarkDeliveredAndRead(at)
		ids = append(ids, id)
	}
	return ids, nil
}

func cloneUser(u *domain.User) *domain.User {
	cp := *u
	cp.Interests = append([]string(nil), u.Interests...)
	cp.Languages = append([]string(nil), u.Languages...)
	cp.Goals = append([]string(nil), u.Goals...)
	cp.PublicKey = append([]byte(nil), u.PublicKey...)
	if u.Location != nil {
		loc := *u.Location
		cp.Location = &loc
	}
	return &cp
}

func cloneRoom(r *domain.Room) *domain.Room {
	cp := *r
	if r.LastMessage != nil {
		lm := *r.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = v
		}
	}
	return &cp
}
