package matching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

const DefaultCacheTTL = 3 * time.Minute

// MatchCache memoizes selection results by CacheKey. Entries are never
// invalidated explicitly; changed inputs produce a different key.
type MatchCache interface {
	Get(ctx context.Context, key string) (*Selection, bool, error)
	Set(ctx context.Context, key string, sel *Selection, ttl time.Duration) error
}

// CandidateStamp identifies one candidate's state.
type CandidateStamp struct {
	ID          string
	Stamp       time.Time
	AnswerCount int
}

// CacheKeyInput lists every volatile input of a selection.
type CacheKeyInput struct {
	SeekerID          string
	SeekerStamp       time.Time
	PreferenceStamp   time.Time
	SeekerAnswerCount int
	Mode              PoolMode
	Relaxed           bool
	Candidates        []CandidateStamp
}

// CacheKey is a SHA-256 over the input. Candidate order does not matter.
func CacheKey(in CacheKeyInput) string {
	cands := make([]CandidateStamp, len(in.Candidates))
	copy(cands, in.Candidates)
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })

	h := sha256.New()
	fmt.Fprintf(h, "seeker=%s@%d|pref=%d|answers=%d|mode=%s|relaxed=%s",
		in.SeekerID, in.SeekerStamp.UnixNano(), in.PreferenceStamp.UnixNano(),
		in.SeekerAnswerCount, in.Mode, strconv.FormatBool(in.Relaxed))
	for _, c := range cands {
		fmt.Fprintf(h, "|%s@%d#%d", c.ID, c.Stamp.UnixNano(), c.AnswerCount)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type memEntry struct {
	sel       *Selection
	expiresAt time.Time
}

// MemoryCache is a process-local MatchCache. Each instance has its own
// entries, so it only fits single-instance deployments.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Selection, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.sel.clone(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, sel *Selection, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{sel: sel.clone(), expiresAt: c.now().Add(ttl)}
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (c *MemoryCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
