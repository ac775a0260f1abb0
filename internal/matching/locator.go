package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/store"
)

const DefaultCandidateLimit = 200

// Locator finds searching users around a seeker.
type Locator interface {
	// Locate returns at most the configured limit of searching users within
	// radiusKm of the seeker, holding at least the conversation cost,
	// excluding the seeker, nearest first.
	Locate(ctx context.Context, seeker *domain.User, radiusKm float64) ([]domain.Candidate, error)
}

// Tracker is implemented by locators that keep their own index of searching
// users and must be told when a user starts or stops searching.
type Tracker interface {
	Track(ctx context.Context, u *domain.User, since time.Time) error
	Untrack(ctx context.Context, userIDs ...string) error
}

// StoreLocator queries the profile store directly.
type StoreLocator struct {
	profiles   store.Profiles
	minCredits int
	limit      int
}

func NewStoreLocator(profiles store.Profiles, minCredits, limit int) *StoreLocator {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	return &StoreLocator{profiles: profiles, minCredits: minCredits, limit: limit}
}

func (l *StoreLocator) Locate(ctx context.Context, seeker *domain.User, radiusKm float64) ([]domain.Candidate, error) {
	if seeker.Location == nil {
		return nil, fmt.Errorf("matching: seeker %s has no location: %w", seeker.ID, apperr.ErrValidation)
	}
	cands, err := l.profiles.NearbySearching(ctx, store.NearbyQuery{
		Center:     *seeker.Location,
		RadiusKm:   radiusKm,
		MinCredits: l.minCredits,
		ExcludeID:  seeker.ID,
		Limit:      l.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("matching: locate: %w", err)
	}
	return cands, nil
}
