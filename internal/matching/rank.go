package matching

import (
	"sort"
	"time"
)

// Ranked is a scored candidate.
type Ranked struct {
	UserID       string    `json:"user_id"`
	DistanceKm   float64   `json:"distance_km"`
	WaitingSince time.Time `json:"waiting_since"`
	Rematch      bool      `json:"rematch,omitempty"`
	Score        Breakdown `json:"score"`
}

// Rank orders candidates by total score descending, then earliest wait
// start, then nearest, then user id. No two distinct candidates compare
// equal.
func Rank(items []Ranked) {
	sort.Slice(items, func(i, j int) bool {
		return rankedBefore(items[i], items[j])
	})
}

func rankedBefore(a, b Ranked) bool {
	if a.Score.Total != b.Score.Total {
		return a.Score.Total > b.Score.Total
	}
	if !a.WaitingSince.Equal(b.WaitingSince) {
		return a.WaitingSince.Before(b.WaitingSince)
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.UserID < b.UserID
}

// Winner returns the best candidate meeting min, or nil.
func Winner(ranked []Ranked, min float64) *Ranked {
	if len(ranked) == 0 || ranked[0].Score.Total < min {
		return nil
	}
	w := ranked[0]
	return &w
}
