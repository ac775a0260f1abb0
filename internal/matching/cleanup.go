package matching

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/store"
)

const (
	cleanupInterval = 30 * time.Second

	// Index entries younger than this are left alone; the owning request
	// may still be running.
	staleIndexAge = time.Minute
)

// Pruner is implemented by caches that need expired entries swept.
type Pruner interface {
	Prune() int
}

// SearchIndex is a locator-side index that can drift from the profile store
// when an instance dies between Track and Untrack.
type SearchIndex interface {
	WaitingBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Untrack(ctx context.Context, userIDs ...string) error
}

// Janitor periodically drops expired cache entries and index entries of
// users who are no longer searching.
type Janitor struct {
	cache    Pruner      // optional
	index    SearchIndex // optional
	profiles store.Profiles
	log      *slog.Logger
	now      func() time.Time
}

func NewJanitor(cache Pruner, index SearchIndex, profiles store.Profiles, log *slog.Logger) *Janitor {
	return &Janitor{
		cache:    cache,
		index:    index,
		profiles: profiles,
		log:      logging.Component(log, "janitor"),
		now:      time.Now,
	}
}

// Run sweeps every cleanupInterval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.cache != nil {
		if n := j.cache.Prune(); n > 0 {
			j.log.Debug("pruned match cache", "removed", n)
		}
	}
	if j.index != nil {
		j.cleanStaleEntries(ctx)
	}
}

// cleanStaleEntries removes index entries whose user is gone or no longer
// searching.
func (j *Janitor) cleanStaleEntries(ctx context.Context) {
	ids, err := j.index.WaitingBefore(ctx, j.now().Add(-staleIndexAge))
	if err != nil {
		j.log.Warn("cleanup: read index", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	users, err := j.profiles.GetUsers(ctx, ids)
	if err != nil {
		j.log.Warn("cleanup: load users", "err", err)
		return
	}

	var stale []string
	for _, id := range ids {
		if u, ok := users[id]; !ok || !u.Searching {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := j.index.Untrack(ctx, stale...); err != nil {
		j.log.Warn("cleanup: untrack", "err", err)
		return
	}
	j.log.Info("cleanup: removed stale index entries", "removed", len(stale))
}
