// Package credits charges both parties of a new conversation. The charge is
// all-or-nothing: either both balances drop by the cost and both ledger
// entries exist, or neither balance changed.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/metrics"
	"github.com/whisper/matchroom/internal/store"
)

// DefaultCost is what one conversation start costs each participant.
const DefaultCost = 1

const (
	backendTransaction  = "transaction"
	backendCompensating = "compensating"
)

// Result holds the balances after a successful dual debit.
type Result struct {
	SeekerBalance    int
	CandidateBalance int
	Entries          []domain.LedgerEntry
}

// Debiter performs DebitBothAtomically on top of a credit store. Stores that
// support transactions get a single transaction; the rest get debits with a
// compensating refund.
type Debiter struct {
	store store.Credits
	log   *slog.Logger
	now   func() time.Time
}

func NewDebiter(s store.Credits, log *slog.Logger) *Debiter {
	return &Debiter{store: s, log: logging.Component(log, "credits"), now: time.Now}
}

// DebitBothAtomically charges cost to seekerID and candidateID. When either
// balance is short it returns an error wrapping
// apperr.ErrInsufficientResource and no balance has changed.
func (d *Debiter) DebitBothAtomically(ctx context.Context, seekerID, candidateID string, cost int) (*Result, error) {
	if seekerID == "" || candidateID == "" || seekerID == candidateID {
		return nil, fmt.Errorf("credits: debit pair %q/%q: %w", seekerID, candidateID, apperr.ErrValidation)
	}
	if cost < 0 {
		return nil, fmt.Errorf("credits: negative cost %d: %w", cost, apperr.ErrValidation)
	}

	backend := backendCompensating
	debit := d.compensating
	if d.store.SupportsTransactions() {
		backend = backendTransaction
		debit = d.transactional
	}

	res, err := debit(ctx, seekerID, candidateID, cost)
	outcome := "ok"
	switch {
	case errors.Is(err, apperr.ErrInsufficientResource):
		outcome = "insufficient"
	case err != nil:
		outcome = "error"
	}
	metrics.DebitsTotal.WithLabelValues(backend, outcome).Inc()
	if err != nil {
		return nil, err
	}

	d.log.Debug("conversation charged",
		"backend", backend, "seeker", seekerID, "candidate", candidateID, "cost", cost,
		"seeker_balance", res.SeekerBalance, "candidate_balance", res.CandidateBalance)
	return res, nil
}

func (d *Debiter) transactional(ctx context.Context, seekerID, candidateID string, cost int) (*Result, error) {
	var res *Result
	err := d.store.InTx(ctx, func(ctx context.Context, tx store.Credits) error {
		sb, err := tx.Debit(ctx, seekerID, cost)
		if err != nil {
			return fmt.Errorf("credits: debit seeker: %w", err)
		}
		cb, err := tx.Debit(ctx, candidateID, cost)
		if err != nil {
			return fmt.Errorf("credits: debit candidate: %w", err)
		}
		r := d.result(seekerID, candidateID, cost, sb, cb)
		if err := tx.AppendLedger(ctx, r.Entries...); err != nil {
			return fmt.Errorf("credits: ledger: %w", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Debiter) compensating(ctx context.Context, seekerID, candidateID string, cost int) (*Result, error) {
	sb, err := d.store.Debit(ctx, seekerID, cost)
	if err != nil {
		return nil, fmt.Errorf("credits: debit seeker: %w", err)
	}

	cb, err := d.store.Debit(ctx, candidateID, cost)
	if err != nil {
		d.refund(ctx, seekerID, cost)
		return nil, fmt.Errorf("credits: debit candidate: %w", err)
	}

	r := d.result(seekerID, candidateID, cost, sb, cb)
	if err := d.store.AppendLedger(ctx, r.Entries...); err != nil {
		d.refund(ctx, seekerID, cost)
		d.refund(ctx, candidateID, cost)
		return nil, fmt.Errorf("credits: ledger: %w", err)
	}
	return r, nil
}

// RefundBoth returns cost to both users and records refund entries. It
// undoes a successful DebitBothAtomically whose follow-up work failed.
func (d *Debiter) RefundBoth(ctx context.Context, seekerID, candidateID string, cost int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := d.now()
	var entries []domain.LedgerEntry
	var errs []error
	for _, pair := range [][2]string{{seekerID, candidateID}, {candidateID, seekerID}} {
		bal, err := d.store.Refund(ctx, pair[0], cost)
		if err != nil {
			errs = append(errs, fmt.Errorf("credits: refund %s: %w", pair[0], err))
			continue
		}
		entries = append(entries, domain.LedgerEntry{
			ID:           uuid.NewString(),
			UserID:       pair[0],
			Amount:       cost,
			Category:     domain.LedgerRefund,
			BalanceAfter: bal,
			Reference:    pair[1],
			CreatedAt:    now,
		})
	}
	if len(entries) > 0 {
		if err := d.store.AppendLedger(ctx, entries...); err != nil {
			errs = append(errs, fmt.Errorf("credits: refund ledger: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Error("refund failed", "seeker", seekerID, "candidate", candidateID, "err", err)
		return err
	}
	return nil
}

// refund restores a balance after a failed pair debit. It runs on a fresh
// context so a cancelled request still gets its credits back.
func (d *Debiter) refund(ctx context.Context, userID string, cost int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := d.store.Refund(ctx, userID, cost); err != nil {
		d.log.Error("compensating refund failed", "user", userID, "cost", cost, "err", err)
	}
}

func (d *Debiter) result(seekerID, candidateID string, cost, seekerBalance, candidateBalance int) *Result {
	now := d.now()
	return &Result{
		SeekerBalance:    seekerBalance,
		CandidateBalance: candidateBalance,
		Entries: []domain.LedgerEntry{
			{
				ID:           uuid.NewString(),
				UserID:       seekerID,
				Amount:       -cost,
				Category:     domain.LedgerConversationStart,
				BalanceAfter: seekerBalance,
				Reference:    candidateID,
				CreatedAt:    now,
			},
			{
				ID:           uuid.NewString(),
				UserID:       candidateID,
				Amount:       -cost,
				Category:     domain.LedgerConversationStart,
				BalanceAfter: candidateBalance,
				Reference:    seekerID,
				CreatedAt:    now,
			},
		},
	}
}
