package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/store"
)

// Outcome is the result of one start_matching action. Match is nil when no
// candidate qualified; the seeker then stays in the pool.
type Outcome struct {
	Selection *Selection
	Match     *Match
}

// Service handles start_matching and stop_matching for connected users.
type Service struct {
	profiles store.Profiles
	selector *Selector
	orch     *Orchestrator
	tracker  Tracker
	cost     int
	log      *slog.Logger
	now      func() time.Time
}

func NewService(profiles store.Profiles, selector *Selector, orch *Orchestrator, tracker Tracker, cost int, log *slog.Logger) *Service {
	return &Service{
		profiles: profiles,
		selector: selector,
		orch:     orch,
		tracker:  tracker,
		cost:     cost,
		log:      logging.Component(log, "matcher"),
		now:      time.Now,
	}
}

// StartMatching enters userID into the pool and runs one selection. A
// winner is committed immediately.
func (s *Service) StartMatching(ctx context.Context, userID string) (*Outcome, error) {
	u, err := s.profiles.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("matching: load %s: %w", userID, err)
	}
	if u.Credits < s.cost {
		return nil, fmt.Errorf("matching: %s has %d credits: %w", userID, u.Credits, apperr.ErrInsufficientResource)
	}
	if u.Location == nil {
		return nil, fmt.Errorf("matching: %s has no location: %w", userID, apperr.ErrValidation)
	}

	// Re-entering keeps the original wait start for fairness.
	since := s.now()
	if u.Searching && u.SearchingSince != nil {
		since = *u.SearchingSince
	}
	if err := s.profiles.SetSearching(ctx, userID, true, since); err != nil {
		return nil, fmt.Errorf("matching: enter pool: %w", err)
	}
	if s.tracker != nil {
		if err := s.tracker.Track(ctx, u, since); err != nil {
			s.log.Warn("track seeker", "user", userID, "err", err)
		}
	}

	sel, err := s.selector.Select(ctx, userID)
	if err != nil {
		s.leave(ctx, userID)
		return nil, err
	}
	if sel.Winner == nil {
		s.log.Info("no match", "user", userID, "mode", sel.Mode, "radius_km", sel.RadiusKm, "pool", sel.PoolSize)
		return &Outcome{Selection: sel}, nil
	}

	m, err := s.orch.Commit(ctx, sel)
	if err != nil {
		s.leave(ctx, userID)
		if errors.Is(err, apperr.ErrConflict) {
			s.log.Info("winner taken before commit", "user", userID, "winner", sel.Winner.UserID)
		}
		return nil, err
	}
	return &Outcome{Selection: sel, Match: m}, nil
}

// StopMatching removes userID from the pool. It does not cancel a selection
// already in flight.
func (s *Service) StopMatching(ctx context.Context, userID string) error {
	if err := s.profiles.SetSearching(ctx, userID, false, s.now()); err != nil {
		return fmt.Errorf("matching: leave pool: %w", err)
	}
	if s.tracker != nil {
		if err := s.tracker.Untrack(ctx, userID); err != nil {
			s.log.Warn("untrack", "user", userID, "err", err)
		}
	}
	return nil
}

func (s *Service) leave(ctx context.Context, userID string) {
	if err := s.StopMatching(context.WithoutCancel(ctx), userID); err != nil {
		s.log.Warn("clear searching flag after failure", "user", userID, "err", err)
	}
}
