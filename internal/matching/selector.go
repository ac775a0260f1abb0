package matching

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/metrics"
	"github.com/whisper/matchroom/internal/store"
)

const preferenceFetchConcurrency = 8

// Selection is the outcome of one partner search. A nil Winner means no
// candidate met the mode's minimum acceptance score.
type Selection struct {
	SeekerID   string    `json:"seeker_id"`
	Mode       PoolMode  `json:"mode"`
	RadiusKm   float64   `json:"radius_km"`
	PoolSize   int       `json:"pool_size"`
	Considered int       `json:"considered"`
	Relaxed    bool      `json:"relaxed,omitempty"`
	Winner     *Ranked   `json:"winner,omitempty"`
	Note       string    `json:"note"`
	ComputedAt time.Time `json:"computed_at"`
}

func (s *Selection) clone() *Selection {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Winner != nil {
		w := *s.Winner
		cp.Winner = &w
	}
	return &cp
}

// SelectorDeps wires a Selector.
type SelectorDeps struct {
	Profiles    store.Profiles
	Preferences store.Preferences
	Answers     store.Answers
	Locator     Locator
	Guard       *RematchGuard
	Cache       MatchCache
	CacheTTL    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Selector runs Locator, EligibilityFilter, scoring, RematchGuard and the
// cache for one seeker.
type Selector struct {
	profiles store.Profiles
	prefs    store.Preferences
	answers  store.Answers
	locator  Locator
	guard    *RematchGuard
	cache    MatchCache
	cacheTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewSelector(d SelectorDeps) *Selector {
	s := &Selector{
		profiles: d.Profiles,
		prefs:    d.Preferences,
		answers:  d.Answers,
		locator:  d.Locator,
		guard:    d.Guard,
		cache:    d.Cache,
		cacheTTL: d.CacheTTL,
		log:      logging.Component(d.Logger, "selector"),
		now:      d.Now,
	}
	if s.cache == nil {
		s.cache = NewMemoryCache()
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type located struct {
	Party
	distanceKm float64
}

// Select picks the best partner for seekerID.
func (s *Selector) Select(ctx context.Context, seekerID string) (*Selection, error) {
	start := time.Now()
	defer func() { metrics.SelectionLatency.Observe(time.Since(start).Seconds()) }()

	now := s.now()

	seeker, err := s.profiles.GetUser(ctx, seekerID)
	if err != nil {
		return nil, fmt.Errorf("matching: load seeker: %w", err)
	}
	rawPref, err := s.prefs.GetPreference(ctx, seekerID)
	if err != nil {
		return nil, fmt.Errorf("matching: load preference: %w", err)
	}
	seekerParty := Party{User: seeker, Pref: NormalizePreference(seekerID, rawPref)}

	baseKm := seekerParty.Pref.MaxDistanceKm
	basePool, err := s.locator.Locate(ctx, seeker, baseKm)
	if err != nil {
		return nil, err
	}
	mode := ResolvePoolMode(len(basePool))
	radiusKm := mode.Radius(baseKm)

	nearby := basePool
	if radiusKm > baseKm {
		if nearby, err = s.locator.Locate(ctx, seeker, radiusKm); err != nil {
			return nil, err
		}
	}

	candidates, err := s.loadParties(ctx, nearby)
	if err != nil {
		return nil, err
	}

	eligible := filterLocated(seekerParty, candidates, now)
	relaxed := false
	if len(eligible) == 0 && len(candidates) > 0 {
		eligible = candidates
		relaxed = true
	}

	ids := make([]string, 0, len(eligible)+1)
	ids = append(ids, seekerID)
	for _, c := range eligible {
		ids = append(ids, c.User.ID)
	}
	answers, err := s.answers.AnswersFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("matching: load answers: %w", err)
	}

	key := CacheKey(cacheKeyInput(seekerParty, rawPref, answers, mode, relaxed, eligible))
	if sel, ok := s.lookup(ctx, key); ok {
		return sel, nil
	}

	recent := map[string]bool{}
	if s.guard != nil {
		if recent, err = s.guard.Recent(ctx, seekerID, now); err != nil {
			return nil, err
		}
	}

	ranked := make([]Ranked, 0, len(eligible))
	for _, c := range eligible {
		b := Score(ScoreInput{
			Seeker:        seekerParty,
			Candidate:     c.Party,
			DistanceKm:    c.distanceKm,
			RadiusKm:      radiusKm,
			SeekerAnswers: answers[seekerID],
			CandAnswers:   answers[c.User.ID],
			Now:           now,
		}, mode)
		ranked = append(ranked, Ranked{
			UserID:       c.User.ID,
			DistanceKm:   c.distanceKm,
			WaitingSince: c.User.WaitingSince(now),
			Score:        b,
		})
	}
	ranked = ApplyRematch(mode, ranked, recent)

	sel := &Selection{
		SeekerID:   seekerID,
		Mode:       mode,
		RadiusKm:   radiusKm,
		PoolSize:   len(basePool),
		Considered: len(ranked),
		Relaxed:    relaxed,
		Winner:     Winner(ranked, mode.MinAcceptance()),
		ComputedAt: now,
	}
	sel.Note = matchingNote(sel, len(nearby))

	outcome := "no_match"
	switch {
	case sel.Winner != nil && relaxed:
		outcome = "relaxed"
	case sel.Winner != nil:
		outcome = "matched"
	}
	metrics.SelectionsTotal.WithLabelValues(string(mode), outcome).Inc()

	if err := s.cache.Set(ctx, key, sel, s.cacheTTL); err != nil {
		s.log.Warn("cache store failed", "seeker", seekerID, "err", err)
	}

	s.log.Debug("selection computed",
		"seeker", seekerID, "mode", mode, "radius_km", radiusKm,
		"pool", len(basePool), "considered", len(ranked), "relaxed", relaxed,
		"matched", sel.Winner != nil)
	return sel.clone(), nil
}

func (s *Selector) lookup(ctx context.Context, key string) (*Selection, bool) {
	sel, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		s.log.Warn("cache lookup failed", "err", err)
		return nil, false
	case ok:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return sel, true
	default:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
}

// loadParties fetches and normalizes every candidate's preference. Results
// keep the locator's order.
func (s *Selector) loadParties(ctx context.Context, cands []domain.Candidate) ([]located, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	p := pool.NewWithResults[domain.Preference]().
		WithContext(ctx).
		WithMaxGoroutines(preferenceFetchConcurrency).
		WithCancelOnError()

	prefs := make([]domain.Preference, len(cands))
	for i, c := range cands {
		i, id := i, c.User.ID
		p.Go(func(ctx context.Context) (domain.Preference, error) {
			raw, err := s.prefs.GetPreference(ctx, id)
			if err != nil {
				return domain.Preference{}, fmt.Errorf("matching: load preference %s: %w", id, err)
			}
			prefs[i] = NormalizePreference(id, raw)
			return prefs[i], nil
		})
	}
	if _, err := p.Wait(); err != nil {
		return nil, err
	}

	out := make([]located, len(cands))
	for i, c := range cands {
		out[i] = located{Party: Party{User: c.User, Pref: prefs[i]}, distanceKm: c.DistanceKm}
	}
	return out, nil
}

func filterLocated(seeker Party, cands []located, now time.Time) []located {
	out := make([]located, 0, len(cands))
	for _, c := range cands {
		if Eligible(seeker, c.Party, now) {
			out = append(out, c)
		}
	}
	return out
}

func cacheKeyInput(seeker Party, rawPref *domain.Preference, answers map[string]domain.AnswerSet,
	mode PoolMode, relaxed bool, cands []located) CacheKeyInput {
	in := CacheKeyInput{
		SeekerID:          seeker.User.ID,
		SeekerStamp:       userStamp(seeker.User),
		SeekerAnswerCount: len(answers[seeker.User.ID]),
		Mode:              mode,
		Relaxed:           relaxed,
		Candidates:        make([]CandidateStamp, 0, len(cands)),
	}
	if rawPref != nil {
		in.PreferenceStamp = rawPref.UpdatedAt
	}
	for _, c := range cands {
		in.Candidates = append(in.Candidates, CandidateStamp{
			ID:          c.User.ID,
			Stamp:       userStamp(c.User),
			AnswerCount: len(answers[c.User.ID]),
		})
	}
	return in
}

// userStamp is the later of the profile update time and the search start,
// so re-entering the pool counts as a change.
func userStamp(u *domain.User) time.Time {
	if u.SearchingSince != nil && u.SearchingSince.After(u.UpdatedAt) {
		return *u.SearchingSince
	}
	return u.UpdatedAt
}

func matchingNote(sel *Selection, located int) string {
	var b strings.Builder
	if sel.Winner == nil {
		if located == 0 {
			fmt.Fprintf(&b, "No searching users within %.0f km (%s mode).", sel.RadiusKm, sel.Mode)
		} else {
			fmt.Fprintf(&b, "No candidate reached the minimum score of %.0f in %s mode within %.0f km.",
				sel.Mode.MinAcceptance(), sel.Mode, sel.RadiusKm)
		}
	} else {
		w := sel.Winner
		fmt.Fprintf(&b, "Matched in %s mode within %.0f km (%d nearby). Score %.2f: profile %.2f, shared answers %.2f, fairness %.2f.",
			sel.Mode, sel.RadiusKm, sel.PoolSize, w.Score.Total, w.Score.Profile, w.Score.Shared, w.Score.Fairness)
		if w.Rematch {
			fmt.Fprintf(&b, " Recent rematch, %.0f point penalty applied.", w.Score.Penalty)
		}
	}
	if sel.Relaxed {
		b.WriteString(" Eligibility relaxed: no candidate met the mutual gender and age preferences.")
	}
	return b.String()
}
