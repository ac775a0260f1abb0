package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
)

func (s *Store) Debit(ctx context.Context, userID string, amount int) (int, error) {
	query := `UPDATE users SET credits = credits - $2
		WHERE id = $1 AND credits >= $2
		RETURNING credits`

	var balance int
	err := s.q.QueryRowxContext(ctx, query, userID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("postgres: debit %s: %w", userID, err)
	}

	// No row updated: either the user is missing or the balance is short.
	if err := s.q.QueryRowxContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
		return 0, notFound(err, "debit "+userID)
	}
	return balance, fmt.Errorf("postgres: debit %s: %w", userID, apperr.ErrInsufficientResource)
}

func (s *Store) Refund(ctx context.Context, userID string, amount int) (int, error) {
	query := `UPDATE users SET credits = credits + $2 WHERE id = $1 RETURNING credits`

	var balance int
	if err := s.q.QueryRowxContext(ctx, query, userID, amount).Scan(&balance); err != nil {
		return 0, notFound(err, "refund "+userID)
	}
	return balance, nil
}

func (s *Store) AppendLedger(ctx context.Context, entries ...domain.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (id, user_id, amount, category, balance_after, reference, created_at)
		VALUES (:id, :user_id, :amount, :category, :balance_after, :reference, :created_at)`

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, err := sqlx.NamedExecContext(ctx, s.q, query, e); err != nil {
			return fmt.Errorf("postgres: append ledger: %w", err)
		}
	}
	return nil
}

func (s *Store) Ledger(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	query := `SELECT id, user_id, amount, category, balance_after, reference, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`

	var out []domain.LedgerEntry
	if err := sqlx.SelectContext(ctx, s.q, &out, query, userID); err != nil {
		return nil, fmt.Errorf("postgres: ledger: %w", err)
	}
	return out, nil
}
