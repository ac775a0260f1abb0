package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
)

const messageColumns = `id, room_id, sender_id, receiver_id, type, ciphertext, iv,
	image_ref, reply_to, reactions, edited_at, delivered_at, read_at, created_at`

type messageRow struct {
	ID          string       `db:"id"`
	RoomID      string       `db:"room_id"`
	SenderID    string       `db:"sender_id"`
	ReceiverID  string       `db:"receiver_id"`
	Type        string       `db:"type"`
	Ciphertext  []byte       `db:"ciphertext"`
	IV          []byte       `db:"iv"`
	ImageRef    string       `db:"image_ref"`
	ReplyTo     string       `db:"reply_to"`
	Reactions   []byte       `db:"reactions"`
	EditedAt    sql.NullTime `db:"edited_at"`
	DeliveredAt sql.NullTime `db:"delivered_at"`
	ReadAt      sql.NullTime `db:"read_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r *messageRow) toDomain() (*domain.Message, error) {
	m := &domain.Message{
		ID:          r.ID,
		RoomID:      r.RoomID,
		SenderID:    r.SenderID,
		ReceiverID:  r.ReceiverID,
		Type:        r.Type,
		Ciphertext:  r.Ciphertext,
		IV:          r.IV,
		ImageRef:    r.ImageRef,
		ReplyTo:     r.ReplyTo,
		EditedAt:    timePtr(r.EditedAt),
		DeliveredAt: timePtr(r.DeliveredAt),
		ReadAt:      timePtr(r.ReadAt),
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Reactions) > 0 {
		if err := json.Unmarshal(r.Reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
	}
	return m, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeReactions(r map[string]string) ([]byte, error) {
	if r == nil {
		r = map[string]string{}
	}
	return json.Marshal(r)
}

func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return fmt.Errorf("postgres: create message: %w", err)
	}

	_, err = s.q.ExecContext(ctx, query, m.ID, m.RoomID, m.SenderID, m.ReceiverID, m.Type,
		m.Ciphertext, m.IV, m.ImageRef, m.ReplyTo, reactions,
		nullTime(m.EditedAt), nullTime(m.DeliveredAt), nullTime(m.ReadAt), m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create message %s: %w", m.ID, apperr.ErrConflict)
		}
		return fmt.Errorf("postgres: create message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var row messageRow
	if err := sqlx.GetContext(ctx, s.q, &row, query, id); err != nil {
		return nil, notFound(err, "get message")
	}
	m, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *domain.Message) error {
	query := `UPDATE messages SET ciphertext = $2, iv = $3, reactions = $4,
		edited_at = $5, delivered_at = $6, read_at = $7
		WHERE id = $1`

	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}

	res, err := s.q.ExecContext(ctx, query, m.ID, m.Ciphertext, m.IV, reactions,
		nullTime(m.EditedAt), nullTime(m.DeliveredAt), nullTime(m.ReadAt))
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "update message "+m.ID)
	}
	return nil
}

func (s *Store) MarkPendingRead(ctx context.Context, roomID, receiverID string, at time.Time) ([]string, error) {
	query := `UPDATE messages SET delivered_at = COALESCE(delivered_at, $3), read_at = $3
		WHERE room_id = $1 AND receiver_id = $2 AND read_at IS NULL
		RETURNING id`

	var ids []string
	if err := sqlx.SelectContext(ctx, s.q, &ids, query, roomID, receiverID, at); err != nil {
		return nil, fmt.Errorf("postgres: mark pending read: %w", err)
	}
	return ids, nil
}
