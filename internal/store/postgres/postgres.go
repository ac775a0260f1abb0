// Package postgres implements store.Store on PostgreSQL through sqlx and
// lib/pq. The dual credit debit runs inside one database transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/store"
)

const uniqueViolation = "23505"

// Store runs queries against q, which is the pool itself or an open
// transaction.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen int) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SupportsTransactions() bool { return true }

// InTx runs fn against a Store bound to a single transaction. Nested calls
// reuse the open transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Credits) error) error {
	return s.inTx(ctx, func(ctx context.Context, tx *Store) error {
		return fn(ctx, tx)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	if _, ok := s.q.(*sqlx.Tx); ok {
		return fn(ctx, s)
	}
	return withTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, &Store{db: s.db, q: tx})
	})
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
