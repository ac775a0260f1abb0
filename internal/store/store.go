// Package store declares the persistence boundary of the service. Two
// backends implement it: memory (single process, no transactions) and
// postgres (sqlx on lib/pq, transactional).
package store

import (
	"context"
	"time"

	"github.com/whisper/matchroom/internal/domain"
)

// NearbyQuery selects searching users around a point.
type NearbyQuery struct {
	Center     domain.GeoPoint
	RadiusKm   float64
	MinCredits int
	ExcludeID  string
	Limit      int
}

// Profiles reads users and flips their searching flag. Profile editing is
// owned by another service.
type Profiles interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]*domain.User, error)
	SetSearching(ctx context.Context, id string, searching bool, at time.Time) error
	// ClaimSearching clears the searching flag only if it is set, keeping
	// SearchingSince. claimed is false when the user was not searching, so
	// at most one caller wins a user.
	ClaimSearching(ctx context.Context, id string) (claimed bool, err error)
	// ReleaseSearching undoes ClaimSearching unless the user stopped
	// searching in the meantime.
	ReleaseSearching(ctx context.Context, id string) error
	// NearbySearching returns at most q.Limit users with the searching flag
	// set and at least q.MinCredits, ordered by distance ascending.
	NearbySearching(ctx context.Context, q NearbyQuery) ([]domain.Candidate, error)
}

// Preferences returns nil, nil when the user never saved preferences.
type Preferences interface {
	GetPreference(ctx context.Context, userID string) (*domain.Preference, error)
}

// Answers returns this-or-that answers keyed by user id.
type Answers interface {
	AnswersFor(ctx context.Context, userIDs []string) (map[string]domain.AnswerSet, error)
}

// Credits moves balances and appends to the ledger.
type Credits interface {
	// SupportsTransactions reports whether InTx can run a multi-record
	// transaction.
	SupportsTransactions() bool
	// InTx runs fn against a transactional view. Backends without
	// transactions return apperr.ErrTransactionUnsupported.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Credits) error) error
	// Debit decrements the balance only when it is at least amount and
	// returns the new balance. apperr.ErrInsufficientResource otherwise.
	Debit(ctx context.Context, userID string, amount int) (int, error)
	// Refund increments the balance and returns the new balance.
	Refund(ctx context.Context, userID string, amount int) (int, error)
	AppendLedger(ctx context.Context, entries ...domain.LedgerEntry) error
	Ledger(ctx context.Context, userID string) ([]domain.LedgerEntry, error)
}

// Rooms persists conversations, one per unordered pair.
type Rooms interface {
	// FindOrCreateRoom returns the room of the sorted pair (a, b), creating
	// it when missing. created is false when the room already existed or a
	// concurrent create won the race.
	FindOrCreateRoom(ctx context.Context, a, b string, now time.Time) (room *domain.Room, created bool, err error)
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	// ActivateRoom stamps a new match on the room: active status, EndedBy
	// cleared, MatchedAt and the matching note set. reopened reports whether
	// the room was archived before.
	ActivateRoom(ctx context.Context, id, note string, at time.Time) (room *domain.Room, reopened bool, err error)
	// ArchiveRoom ends an active room. ended is false when it was already
	// archived; the stored room is returned either way.
	ArchiveRoom(ctx context.Context, id, endedBy string, at time.Time) (room *domain.Room, ended bool, err error)
	// RecordMessage stores m and moves the room's last-message snapshot to
	// it in one step, adding one to the receiver's unread counter when
	// unread is set. An archived room fails with apperr.ErrRoomClosed and
	// nothing is stored.
	RecordMessage(ctx context.Context, m *domain.Message, unread bool) (*domain.Room, error)
	// ClearUnread resets userID's unread counter to the number of messages
	// still unread by them, which is zero right after a sweep.
	ClearUnread(ctx context.Context, roomID, userID string, at time.Time) (*domain.Room, error)
	// RecentPartners maps each partner matched with userID at or after since
	// to the match time.
	RecentPartners(ctx context.Context, userID string, since time.Time) (map[string]time.Time, error)
}

// Messages persists chat messages.
type Messages interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessage(ctx context.Context, m *domain.Message) error
	// MarkPendingRead stamps every unread message addressed to receiverID
	// in roomID as delivered and read at one instant and returns their ids.
	MarkPendingRead(ctx context.Context, roomID, receiverID string, at time.Time) ([]string, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	Profiles
	Preferences
	Answers
	Credits
	Rooms
	Messages
}
