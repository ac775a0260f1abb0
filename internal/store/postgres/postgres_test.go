package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/store"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

// ---------- Credits ----------

func TestDebit_Success(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2 WHERE id = \$1 AND credits >= \$2 RETURNING credits`).
		WithArgs("u1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(4))

	balance, err := s.Debit(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_Insufficient(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
		WithArgs("u1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectQuery(`SELECT credits FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(0))

	balance, err := s.Debit(context.Background(), "u1", 1)
	require.ErrorIs(t, err, apperr.ErrInsufficientResource)
	assert.Equal(t, 0, balance)
}

func TestDebit_UnknownUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectQuery(`SELECT credits FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))

	_, err := s.Debit(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInTx_CommitsBothDebits(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
		WithArgs("a", 1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(0))
	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
		WithArgs("b", 1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO ledger_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Credits) error {
		if _, err := tx.Debit(ctx, "a", 1); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, "b", 1); err != nil {
			return err
		}
		return tx.AppendLedger(ctx,
			domain.LedgerEntry{UserID: "a", Amount: -1, Category: domain.LedgerConversationStart, Reference: "b"},
			domain.LedgerEntry{UserID: "b", Amount: -1, Category: domain.LedgerConversationStart, Reference: "a"},
		)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnSecondDebitFailure(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
		WithArgs("a", 1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(0))
	mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
		WithArgs("b", 1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectQuery(`SELECT credits FROM users`).
		WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Credits) error {
		if _, err := tx.Debit(ctx, "a", 1); err != nil {
			return err
		}
		_, err := tx.Debit(ctx, "b", 1)
		return err
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientResource)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnPanic(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = s.InTx(context.Background(), func(context.Context, store.Credits) error {
			panic("boom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

// ---------- Rooms ----------

func roomRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "participant_a", "participant_b", "status",
		"last_message_id", "last_message_sender", "last_message_type", "last_message_at",
		"unread_a", "unread_b", "matching_note", "ended_by", "matched_at", "created_at", "updated_at"})
}

func TestFindOrCreateRoom_SortsPairAndCreates(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO rooms .* ON CONFLICT \(participant_a, participant_b\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), "alice", "bob", domain.RoomActive, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM rooms WHERE participant_a = \$1 AND participant_b = \$2`).
		WithArgs("alice", "bob").
		WillReturnRows(roomRows().AddRow("r1", "alice", "bob", "active",
			nil, nil, nil, nil, 0, 0, "", "", now, now, now))

	room, created, err := s.FindOrCreateRoom(context.Background(), "bob", "alice", now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "r1", room.ID)
	assert.Equal(t, "alice", room.ParticipantA)
	assert.Nil(t, room.LastMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateRoom_ExistingPair(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO rooms`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM rooms WHERE participant_a`).
		WillReturnRows(roomRows().AddRow("r1", "alice", "bob", "archived",
			"m1", "bob", "text", now, 0, 3, "", "bob", now, now, now))

	room, created, err := s.FindOrCreateRoom(context.Background(), "alice", "bob", now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.RoomArchived, room.Status)
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, "m1", room.LastMessage.MessageID)
	assert.Equal(t, 3, room.UnreadB)
}

func TestGetRoom_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM rooms WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetRoom(context.Background(), "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecentPartners(t *testing.T) {
	s, mock := newStoreWithMock(t)
	at := time.Now().UTC()

	mock.ExpectQuery(`SELECT participant_a, participant_b, matched_at FROM rooms`).
		WithArgs("b", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"participant_a", "participant_b", "matched_at"}).
			AddRow("a", "b", at).
			AddRow("b", "c", at))

	got, err := s.RecentPartners(context.Background(), "b", at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "c")
}

func TestActivateRoom_ReportsReopen(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "participant_a", "participant_b", "status",
		"last_message_id", "last_message_sender", "last_message_type", "last_message_at",
		"unread_a", "unread_b", "matching_note", "ended_by", "matched_at", "created_at", "updated_at",
		"prev_status"}
	mock.ExpectQuery(`WITH prev AS \(SELECT .* FOR UPDATE\)\s+UPDATE rooms SET status = \$4, ended_by = ''`).
		WithArgs("r1", now, "Matched in NORMAL mode", domain.RoomActive).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", "alice", "bob", "active",
			nil, nil, nil, nil, 0, 2, "Matched in NORMAL mode", "", now, now, now, "archived"))

	room, reopened, err := s.ActivateRoom(context.Background(), "r1", "Matched in NORMAL mode", now)
	require.NoError(t, err)
	assert.True(t, reopened)
	assert.Equal(t, domain.RoomActive, room.Status)
	assert.Equal(t, 2, room.UnreadB)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRoom_OnlyFromActive(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE rooms SET status = \$3, ended_by = \$2, updated_at = \$4\s+WHERE id = \$1 AND status = \$5`).
		WithArgs("r1", "bob", domain.RoomArchived, now, domain.RoomActive).
		WillReturnRows(roomRows())
	mock.ExpectQuery(`SELECT .* FROM rooms WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(roomRows().AddRow("r1", "alice", "bob", "archived",
			nil, nil, nil, nil, 0, 0, "", "alice", now, now, now))

	room, ended, err := s.ArchiveRoom(context.Background(), "r1", "bob", now)
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, "alice", room.EndedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMessage_StoresWithSnapshot(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()
	m := &domain.Message{ID: "m1", RoomID: "r1", SenderID: "alice", ReceiverID: "bob",
		Type: domain.MessageText, Ciphertext: []byte("sealed"), IV: make([]byte, 12), CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE rooms SET\s+last_message_id = \$2.*unread_a = unread_a \+ CASE.*WHERE id = \$1 AND status = \$8`).
		WithArgs("r1", "m1", "alice", domain.MessageText, now, true, "bob", domain.RoomActive).
		WillReturnRows(roomRows().AddRow("r1", "alice", "bob", "active",
			"m1", "alice", "text", now, 0, 4, "", "", now, now, now))
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	room, err := s.RecordMessage(context.Background(), m, true)
	require.NoError(t, err)
	assert.Equal(t, 4, room.Unread("bob"))
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, "m1", room.LastMessage.MessageID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMessage_ArchivedRoomStoresNothing(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()
	m := &domain.Message{ID: "m1", RoomID: "r1", SenderID: "alice", ReceiverID: "bob", CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE rooms SET\s+last_message_id`).
		WillReturnRows(roomRows())
	mock.ExpectQuery(`SELECT .* FROM rooms WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(roomRows().AddRow("r1", "alice", "bob", "archived",
			nil, nil, nil, nil, 0, 0, "", "bob", now, now, now))
	mock.ExpectRollback()

	_, err := s.RecordMessage(context.Background(), m, true)
	require.ErrorIs(t, err, apperr.ErrRoomClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearUnread_CountsStillUnread(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE rooms SET\s+unread_a = CASE WHEN participant_a = \$2 THEN p.n.*read_at IS NULL\) p\s+WHERE id = \$1`).
		WithArgs("r1", "bob", now).
		WillReturnRows(roomRows().AddRow("r1", "alice", "bob", "active",
			nil, nil, nil, nil, 0, 1, "", "", now, now, now))

	room, err := s.ClearUnread(context.Background(), "r1", "bob", now)
	require.NoError(t, err)
	assert.Equal(t, 1, room.Unread("bob"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ---------- Messages ----------

func TestCreateMessage_DuplicateIsConflict(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.CreateMessage(context.Background(), &domain.Message{ID: "m1", RoomID: "r1"})
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestMarkPendingRead(t *testing.T) {
	s, mock := newStoreWithMock(t)
	at := time.Now().UTC()

	mock.ExpectQuery(`UPDATE messages SET delivered_at = COALESCE\(delivered_at, \$3\), read_at = \$3 .* RETURNING id`).
		WithArgs("r1", "bob", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1").AddRow("m2").AddRow("m3"))

	ids, err := s.MarkPendingRead(context.Background(), "r1", "bob", at)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
}

// ---------- Profiles ----------

func TestGetPreference_AbsentIsNil(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM preferences WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	p, err := s.GetPreference(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSetSearching_UnknownUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE users SET searching = \$2, searching_since = \$3 WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetSearching(context.Background(), "ghost", false, time.Now())
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClaimSearching_OnlyOnce(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE users SET searching = false WHERE id = \$1 AND searching`).
		WithArgs("c").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET searching = false WHERE id = \$1 AND searching`).
		WithArgs("c").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ClaimSearching(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimSearching(context.Background(), "c")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseSearching_SkipsStoppedUsers(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE users SET searching = true\s+WHERE id = \$1 AND NOT searching AND searching_since IS NOT NULL`).
		WithArgs("c").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.ReleaseSearching(context.Background(), "c"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnswersFor_GroupsByUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT user_id, question_id, selection FROM answers WHERE user_id = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "question_id", "selection"}).
			AddRow("a", "q1", "left").
			AddRow("a", "q2", "right").
			AddRow("b", "q1", "left"))

	got, err := s.AnswersFor(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, domain.AnswerSet{"q1": "left", "q2": "right"}, got["a"])
	assert.Equal(t, domain.AnswerSet{"q1": "left"}, got["b"])
}

func TestGetUser_DBError(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM users WHERE id = \$1`).WillReturnError(errors.New("db down"))

	_, err := s.GetUser(context.Background(), "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "db down")
}
