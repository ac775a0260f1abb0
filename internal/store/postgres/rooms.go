package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
)

const roomColumns = `id, participant_a, participant_b, status,
	last_message_id, last_message_sender, last_message_type, last_message_at,
	unread_a, unread_b, matching_note, ended_by, matched_at, created_at, updated_at`

type roomRow struct {
	ID                string         `db:"id"`
	ParticipantA      string         `db:"participant_a"`
	ParticipantB      string         `db:"participant_b"`
	Status            string         `db:"status"`
	LastMessageID     sql.NullString `db:"last_message_id"`
	LastMessageSender sql.NullString `db:"last_message_sender"`
	LastMessageType   sql.NullString `db:"last_message_type"`
	LastMessageAt     sql.NullTime   `db:"last_message_at"`
	UnreadA           int            `db:"unread_a"`
	UnreadB           int            `db:"unread_b"`
	MatchingNote      string         `db:"matching_note"`
	EndedBy           string         `db:"ended_by"`
	MatchedAt         time.Time      `db:"matched_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *roomRow) toDomain() *domain.Room {
	room := &domain.Room{
		ID:           r.ID,
		ParticipantA: r.ParticipantA,
		ParticipantB: r.ParticipantB,
		Status:       r.Status,
		UnreadA:      r.UnreadA,
		UnreadB:      r.UnreadB,
		MatchingNote: r.MatchingNote,
		EndedBy:      r.EndedBy,
		MatchedAt:    r.MatchedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastMessageID.Valid {
		room.LastMessage = &domain.MessagePreview{
			MessageID: r.LastMessageID.String,
			SenderID:  r.LastMessageSender.String,
			Type:      r.LastMessageType.String,
			SentAt:    r.LastMessageAt.Time,
		}
	}
	return room
}

func (s *Store) FindOrCreateRoom(ctx context.Context, a, b string, now time.Time) (*domain.Room, bool, error) {
	a, b = domain.SortedPair(a, b)

	insert := `INSERT INTO rooms (id, participant_a, participant_b, status, matched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
		ON CONFLICT (participant_a, participant_b) DO NOTHING`

	res, err := s.q.ExecContext(ctx, insert, uuid.NewString(), a, b, domain.RoomActive, now)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: create room: %w", err)
	}
	n, _ := res.RowsAffected()

	query := `SELECT ` + roomColumns + ` FROM rooms WHERE participant_a = $1 AND participant_b = $2`

	var row roomRow
	if err := sqlx.GetContext(ctx, s.q, &row, query, a, b); err != nil {
		return nil, false, notFound(err, "find room")
	}
	return row.toDomain(), n == 1, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`

	var row roomRow
	if err := sqlx.GetContext(ctx, s.q, &row, query, id); err != nil {
		return nil, notFound(err, "get room")
	}
	return row.toDomain(), nil
}

func (s *Store) ActivateRoom(ctx context.Context, id, note string, at time.Time) (*domain.Room, bool, error) {
	query := `WITH prev AS (SELECT id AS prev_id, status AS prev_status FROM rooms WHERE id = $1 FOR UPDATE)
		UPDATE rooms SET status = $4, ended_by = '', matched_at = $2, matching_note = $3, updated_at = $2
		FROM prev WHERE rooms.id = prev.prev_id
		RETURNING ` + roomColumns + `, prev.prev_status`

	var row struct {
		roomRow
		PrevStatus string `db:"prev_status"`
	}
	if err := sqlx.GetContext(ctx, s.q, &row, query, id, at, note, domain.RoomActive); err != nil {
		return nil, false, notFound(err, "activate room "+id)
	}
	return row.toDomain(), row.PrevStatus == domain.RoomArchived, nil
}

func (s *Store) ArchiveRoom(ctx context.Context, id, endedBy string, at time.Time) (*domain.Room, bool, error) {
	query := `UPDATE rooms SET status = $3, ended_by = $2, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + roomColumns

	var row roomRow
	err := sqlx.GetContext(ctx, s.q, &row, query, id, endedBy, domain.RoomArchived, at, domain.RoomActive)
	if errors.Is(err, sql.ErrNoRows) {
		room, err := s.GetRoom(ctx, id)
		return room, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: archive room: %w", err)
	}
	return row.toDomain(), true, nil
}

func (s *Store) RecordMessage(ctx context.Context, m *domain.Message, unread bool) (*domain.Room, error) {
	query := `UPDATE rooms SET
		last_message_id = $2, last_message_sender = $3, last_message_type = $4, last_message_at = $5,
		unread_a = unread_a + CASE WHEN $6::boolean AND participant_a = $7 THEN 1 ELSE 0 END,
		unread_b = unread_b + CASE WHEN $6::boolean AND participant_b = $7 THEN 1 ELSE 0 END,
		updated_at = $5
		WHERE id = $1 AND status = $8
		RETURNING ` + roomColumns

	var room *domain.Room
	err := s.inTx(ctx, func(ctx context.Context, tx *Store) error {
		// The row lock orders this send against a concurrent archive.
		var row roomRow
		err := sqlx.GetContext(ctx, tx.q, &row, query,
			m.RoomID, m.ID, m.SenderID, m.Type, m.CreatedAt, unread, m.ReceiverID, domain.RoomActive)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.GetRoom(ctx, m.RoomID); err != nil {
				return err
			}
			return fmt.Errorf("postgres: room %s: %w", m.RoomID, apperr.ErrRoomClosed)
		}
		if err != nil {
			return fmt.Errorf("postgres: record message: %w", err)
		}
		if err := tx.CreateMessage(ctx, m); err != nil {
			return err
		}
		room = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Store) ClearUnread(ctx context.Context, roomID, userID string, at time.Time) (*domain.Room, error) {
	query := `UPDATE rooms SET
		unread_a = CASE WHEN participant_a = $2 THEN p.n ELSE unread_a END,
		unread_b = CASE WHEN participant_b = $2 THEN p.n ELSE unread_b END,
		updated_at = $3
		FROM (SELECT count(*)::int AS n FROM messages
			WHERE room_id = $1 AND receiver_id = $2 AND read_at IS NULL) p
		WHERE id = $1
		RETURNING ` + roomColumns

	var row roomRow
	if err := sqlx.GetContext(ctx, s.q, &row, query, roomID, userID, at); err != nil {
		return nil, notFound(err, "clear unread "+roomID)
	}
	return row.toDomain(), nil
}

func (s *Store) RecentPartners(ctx context.Context, userID string, since time.Time) (map[string]time.Time, error) {
	query := `SELECT participant_a, participant_b, matched_at FROM rooms
		WHERE (participant_a = $1 OR participant_b = $1) AND matched_at >= $2`

	rows, err := s.q.QueryxContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent partners: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var a, b string
		var at time.Time
		if err := rows.Scan(&a, &b, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan partner: %w", err)
		}
		if a == userID {
			out[b] = at
		} else {
			out[a] = at
		}
	}
	return out, rows.Err()
}
