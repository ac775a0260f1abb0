package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/matchroom/internal/store"
)

const (
	DefaultRematchWindow = 7 * 24 * time.Hour
	RematchPenalty       = 25.0
)

// RematchGuard tags candidates the seeker was paired with recently.
type RematchGuard struct {
	rooms  store.Rooms
	window time.Duration
}

func NewRematchGuard(rooms store.Rooms, window time.Duration) *RematchGuard {
	if window <= 0 {
		window = DefaultRematchWindow
	}
	return &RematchGuard{rooms: rooms, window: window}
}

// Recent returns the set of users paired with seekerID inside the window.
func (g *RematchGuard) Recent(ctx context.Context, seekerID string, now time.Time) (map[string]bool, error) {
	partners, err := g.rooms.RecentPartners(ctx, seekerID, now.Add(-g.window))
	if err != nil {
		return nil, fmt.Errorf("matching: recent partners: %w", err)
	}
	out := make(map[string]bool, len(partners))
	for id := range partners {
		out[id] = true
	}
	return out, nil
}

// ApplyRematch penalizes recent partners and ranks the result. In SCARCE
// mode rematches are dropped whenever at least one fresh candidate exists.
func ApplyRematch(mode PoolMode, items []Ranked, recent map[string]bool) []Ranked {
	fresh := 0
	for i := range items {
		if recent[items[i].UserID] {
			items[i].Rematch = true
			items[i].Score = items[i].Score.ApplyPenalty(RematchPenalty)
		} else {
			fresh++
		}
	}

	if mode == ModeScarce && fresh > 0 && fresh < len(items) {
		kept := make([]Ranked, 0, fresh)
		for _, it := range items {
			if !it.Rematch {
				kept = append(kept, it)
			}
		}
		items = kept
	}

	Rank(items)
	return items
}
