package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/store"
)

const (
	// Redis keys for the searching index.
	keySearchGeo     = "match:geo"     // GEO set of searching users
	keySearchWaiting = "match:waiting" // Sorted set, score = search start (ms)
)

// RedisLocator keeps searching users in a Redis GEO index and hydrates hits
// from the profile store, which stays authoritative for flag and balance.
type RedisLocator struct {
	rdb        *redis.Client
	profiles   store.Profiles
	minCredits int
	limit      int
}

func NewRedisLocator(rdb *redis.Client, profiles store.Profiles, minCredits, limit int) *RedisLocator {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	return &RedisLocator{rdb: rdb, profiles: profiles, minCredits: minCredits, limit: limit}
}

// Track adds a searching user to the index.
func (l *RedisLocator) Track(ctx context.Context, u *domain.User, since time.Time) error {
	if u.Location == nil {
		return fmt.Errorf("matching: track %s without location: %w", u.ID, apperr.ErrValidation)
	}
	pipe := l.rdb.Pipeline()
	pipe.GeoAdd(ctx, keySearchGeo, &redis.GeoLocation{
		Name:      u.ID,
		Longitude: u.Location.Lon,
		Latitude:  u.Location.Lat,
	})
	pipe.ZAdd(ctx, keySearchWaiting, redis.Z{Score: float64(since.UnixMilli()), Member: u.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: track %s: %w", u.ID, err)
	}
	return nil
}

// Untrack removes users from the index. Unknown ids are ignored.
func (l *RedisLocator) Untrack(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	pipe := l.rdb.Pipeline()
	pipe.ZRem(ctx, keySearchGeo, members...)
	pipe.ZRem(ctx, keySearchWaiting, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: untrack: %w", err)
	}
	return nil
}

// Size returns the number of indexed users.
func (l *RedisLocator) Size(ctx context.Context) (int64, error) {
	return l.rdb.ZCard(ctx, keySearchWaiting).Result()
}

// WaitingBefore returns the ids that started searching before cutoff,
// oldest first.
func (l *RedisLocator) WaitingBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return l.rdb.ZRangeByScore(ctx, keySearchWaiting, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
}

func (l *RedisLocator) Locate(ctx context.Context, seeker *domain.User, radiusKm float64) ([]domain.Candidate, error) {
	if seeker.Location == nil {
		return nil, fmt.Errorf("matching: seeker %s has no location: %w", seeker.ID, apperr.ErrValidation)
	}

	// One extra slot for the seeker, who is usually indexed too.
	hits, err := l.rdb.GeoSearchLocation(ctx, keySearchGeo, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  seeker.Location.Lon,
			Latitude:   seeker.Location.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      l.limit + 1,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: geo search: %w", err)
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Name != seeker.ID {
			ids = append(ids, h.Name)
		}
	}
	users, err := l.profiles.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("matching: hydrate candidates: %w", err)
	}

	var stale []string
	out := make([]domain.Candidate, 0, len(ids))
	for _, h := range hits {
		if h.Name == seeker.ID {
			continue
		}
		u, ok := users[h.Name]
		if !ok || !u.Searching {
			stale = append(stale, h.Name)
			continue
		}
		if u.Credits < l.minCredits {
			continue
		}
		out = append(out, domain.Candidate{User: u, DistanceKm: h.Dist})
		if len(out) == l.limit {
			break
		}
	}

	// Stale entries are pruned opportunistically; a failure here only
	// means they get filtered again next time.
	_ = l.Untrack(ctx, stale...)
	return out, nil
}
