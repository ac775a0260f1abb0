package matching

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/credits"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/notify"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/store"
	"github.com/whisper/matchroom/internal/store/memory"
)

var berlin = domain.GeoPoint{Lat: 52.5200, Lon: 13.4050}

func searchingUser(id, gender string, lat, lon float64, since time.Time) *domain.User {
	return &domain.User{
		ID:             id,
		Gender:         gender,
		BirthDate:      birth(1995),
		Location:       &domain.GeoPoint{Lat: lat, Lon: lon},
		Credits:        3,
		Searching:      true,
		SearchingSince: &since,
	}
}

type fixture struct {
	store    *memory.Store
	clock    time.Time
	selector *Selector
}

func newFixture() *fixture {
	f := &fixture{store: memory.New(), clock: testNow}
	f.selector = NewSelector(SelectorDeps{
		Profiles:    f.store,
		Preferences: f.store,
		Answers:     f.store,
		Locator:     NewStoreLocator(f.store, 1, 0),
		Guard:       NewRematchGuard(f.store, 0),
		Cache:       NewMemoryCache(),
		Logger:      logging.Discard(),
		Now:         func() time.Time { return f.clock },
	})
	return f
}

// ---------- Selector ----------

func TestSelect_NoSearchingUsers(t *testing.T) {
	f := newFixture()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))

	sel, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	assert.Nil(t, sel.Winner)
	assert.Equal(t, ModeScarce, sel.Mode)
	assert.Equal(t, 100.0, sel.RadiusKm)
	assert.Contains(t, sel.Note, "No searching users within 100 km")
}

func TestSelect_PicksEligibleCandidate(t *testing.T) {
	f := newFixture()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("c1", "female", 52.53, 13.41, testNow.Add(-10*time.Minute)))
	f.store.PutUser(searchingUser("c2", "male", 52.53, 13.41, testNow.Add(-10*time.Minute)))
	f.store.PutPreference(&domain.Preference{UserID: "s", DesiredGenders: []string{"female"}})

	sel, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	require.NotNil(t, sel.Winner)
	assert.Equal(t, "c1", sel.Winner.UserID)
	assert.Equal(t, 1, sel.Considered)
	assert.False(t, sel.Relaxed)
	assert.Equal(t, 2, sel.PoolSize)
	assert.Contains(t, sel.Note, "Matched in SCARCE mode")
}

func TestSelect_CachedResultIsReturnedVerbatim(t *testing.T) {
	f := newFixture()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow.Add(-5*time.Minute)))

	first, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Minute)
	second, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A profile change produces a new key and a fresh computation.
	u, _ := f.store.GetUser(context.Background(), "c")
	u.UpdatedAt = f.clock
	f.store.PutUser(u)
	third, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, f.clock, third.ComputedAt)
}

func TestSelect_RelaxesWhenNobodyIsEligible(t *testing.T) {
	f := newFixture()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow))
	f.store.PutPreference(&domain.Preference{UserID: "c", DesiredGenders: []string{"female"}})

	sel, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	require.NotNil(t, sel.Winner)
	assert.True(t, sel.Relaxed)
	assert.Contains(t, sel.Note, "Eligibility relaxed")
}

func TestSelect_ScarceSkipsRecentPartner(t *testing.T) {
	f := newFixture()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("ex", "female", 52.521, 13.406, testNow.Add(-time.Hour)))
	f.store.PutUser(searchingUser("new", "female", 52.60, 13.50, testNow))
	_, _, err := f.store.FindOrCreateRoom(context.Background(), "s", "ex", testNow.Add(-48*time.Hour))
	require.NoError(t, err)

	sel, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	require.NotNil(t, sel.Winner)
	assert.Equal(t, "new", sel.Winner.UserID)
	assert.False(t, sel.Winner.Rematch)
}

func TestSelect_SkipsCandidatesWithoutCredits(t *testing.T) {
	f := newFixture()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	broke := searchingUser("c", "female", 52.53, 13.41, testNow)
	broke.Credits = 0
	f.store.PutUser(broke)

	sel, err := f.selector.Select(context.Background(), "s")
	require.NoError(t, err)
	assert.Nil(t, sel.Winner)
	assert.Equal(t, 0, sel.PoolSize)
}

// ---------- Orchestrator ----------

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordingConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]notify.Notification)
	}
	n.sent[userID] = append(n.sent[userID], note)
	return nil
}

type recordingJoiner struct {
	mu     sync.Mutex
	joined map[string]string
}

func (j *recordingJoiner) JoinRoom(_ context.Context, userID, roomID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.joined == nil {
		j.joined = make(map[string]string)
	}
	j.joined[userID] = roomID
	return nil
}

type orchFixture struct {
	*fixture
	presence *presence.Local
	notifier *recordingNotifier
	joiner   *recordingJoiner
	orch     *Orchestrator
}

func newOrchFixture() *orchFixture {
	f := &orchFixture{
		fixture:  newFixture(),
		presence: presence.NewLocal(),
		notifier: &recordingNotifier{},
		joiner:   &recordingJoiner{},
	}
	f.orch = NewOrchestrator(OrchestratorDeps{
		Debiter:  credits.NewDebiter(f.store, logging.Discard()),
		Rooms:    f.store,
		Profiles: f.store,
		Presence: f.presence,
		Joiner:   f.joiner,
		Notifier: f.notifier,
		Cost:     credits.DefaultCost,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return f.clock },
	})
	return f
}

func selectionFor(seeker, winner string) *Selection {
	return &Selection{
		SeekerID: seeker,
		Mode:     ModeNormal,
		Winner:   &Ranked{UserID: winner, Score: Breakdown{Total: 80}},
		Note:     "Matched in NORMAL mode",
	}
}

func credit(t *testing.T, f *orchFixture, id string) int {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Credits
}

func TestCommit_OpensRoomAndAnnounces(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow))
	conn := &recordingConn{}
	_, err := f.presence.Connect(ctx, "s", conn)
	require.NoError(t, err)

	m, err := f.orch.Commit(ctx, selectionFor("s", "c"))
	require.NoError(t, err)
	assert.True(t, m.Created)
	assert.False(t, m.Reopened)
	assert.Equal(t, 80.0, m.Score)
	assert.Equal(t, domain.RoomActive, m.Room.Status)
	assert.Equal(t, "Matched in NORMAL mode", m.Room.MatchingNote)

	assert.Equal(t, 2, credit(t, f, "s"))
	assert.Equal(t, 2, credit(t, f, "c"))
	for _, id := range []string{"s", "c"} {
		u, _ := f.store.GetUser(ctx, id)
		assert.False(t, u.Searching, id)
		require.Len(t, f.notifier.sent[id], 1)
		assert.Equal(t, notify.TagMatchFound, f.notifier.sent[id][0].Tag)
	}
	assert.Equal(t, "c", f.notifier.sent["s"][0].Data["partner_id"])

	assert.Equal(t, []string{protocol.TypeMatchFound}, conn.types())
	assert.Equal(t, map[string]string{"s": m.Room.ID}, f.joiner.joined, "only connected users join")
}

func TestCommit_PartnerWithoutCreditsChangesNothing(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	broke := searchingUser("c", "female", 52.53, 13.41, testNow)
	broke.Credits = 0
	f.store.PutUser(broke)

	_, err := f.orch.Commit(ctx, selectionFor("s", "c"))
	require.ErrorIs(t, err, apperr.ErrInsufficientResource)

	assert.Equal(t, 3, credit(t, f, "s"))
	assert.Equal(t, 0, credit(t, f, "c"))
	partners, _ := f.store.RecentPartners(ctx, "s", time.Time{})
	assert.Empty(t, partners)
	for _, id := range []string{"s", "c"} {
		u, _ := f.store.GetUser(ctx, id)
		assert.True(t, u.Searching, id)
	}
	assert.Empty(t, f.notifier.sent)
}

func TestCommit_ReopensArchivedRoom(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow))

	old, _, err := f.store.FindOrCreateRoom(ctx, "c", "s", testNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	_, ended, err := f.store.ArchiveRoom(ctx, old.ID, "c", testNow.Add(-29*24*time.Hour))
	require.NoError(t, err)
	require.True(t, ended)

	m, err := f.orch.Commit(ctx, selectionFor("s", "c"))
	require.NoError(t, err)
	assert.False(t, m.Created)
	assert.True(t, m.Reopened)
	assert.Equal(t, old.ID, m.Room.ID)

	got, err := f.store.GetRoom(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomActive, got.Status)
	assert.Empty(t, got.EndedBy)
	assert.Equal(t, testNow, got.MatchedAt)
}

func TestCommit_PartnerNoLongerSearching(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	gone := searchingUser("c", "female", 52.53, 13.41, testNow)
	gone.Searching, gone.SearchingSince = false, nil
	f.store.PutUser(gone)

	_, err := f.orch.Commit(ctx, selectionFor("s", "c"))
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 3, credit(t, f, "s"))
	assert.Equal(t, 3, credit(t, f, "c"))
}

// claimHook calls after once, right after the first successful claim of userID.
type claimHook struct {
	store.Profiles
	userID string
	after  func()
	fired  bool
}

func (h *claimHook) ClaimSearching(ctx context.Context, id string) (bool, error) {
	ok, err := h.Profiles.ClaimSearching(ctx, id)
	if ok && id == h.userID && !h.fired {
		h.fired = true
		h.after()
	}
	return ok, err
}

func TestCommit_ConcurrentCommitsForSamePartner(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s1", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("s2", "male", 52.51, 13.40, testNow))
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow))

	var innerErr error
	hook := &claimHook{Profiles: f.store, userID: "c"}
	orch := NewOrchestrator(OrchestratorDeps{
		Debiter:  credits.NewDebiter(f.store, logging.Discard()),
		Rooms:    f.store,
		Profiles: hook,
		Presence: f.presence,
		Joiner:   f.joiner,
		Notifier: f.notifier,
		Cost:     credits.DefaultCost,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return f.clock },
	})
	hook.after = func() {
		_, innerErr = orch.Commit(ctx, selectionFor("s2", "c"))
	}

	m, err := orch.Commit(ctx, selectionFor("s1", "c"))
	require.NoError(t, err)
	assert.Equal(t, "c", m.PartnerID)
	require.ErrorIs(t, innerErr, apperr.ErrConflict)

	assert.Equal(t, 2, credit(t, f, "c"))
	assert.Equal(t, 2, credit(t, f, "s1"))
	assert.Equal(t, 3, credit(t, f, "s2"))
	partners, err := f.store.RecentPartners(ctx, "c", time.Time{})
	require.NoError(t, err)
	assert.Len(t, partners, 1)
	assert.Contains(t, partners, "s1")
	u, _ := f.store.GetUser(ctx, "s2")
	assert.True(t, u.Searching, "losing seeker keeps searching")
}

func TestCommit_SeekerNoLongerSearchingReleasesPartner(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	gone := searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow)
	gone.Searching, gone.SearchingSince = false, nil
	f.store.PutUser(gone)
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow))

	_, err := f.orch.Commit(ctx, selectionFor("s", "c"))
	require.ErrorIs(t, err, apperr.ErrConflict)
	u, _ := f.store.GetUser(ctx, "c")
	assert.True(t, u.Searching)
	assert.Equal(t, 3, credit(t, f, "c"))
}

func TestCommit_RequiresWinner(t *testing.T) {
	f := newOrchFixture()
	_, err := f.orch.Commit(context.Background(), &Selection{SeekerID: "s"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

// ---------- Service ----------

func newService(f *orchFixture) *Service {
	svc := NewService(f.store, f.selector, f.orch, nil, credits.DefaultCost, logging.Discard())
	svc.now = func() time.Time { return f.clock }
	return svc
}

func TestStartMatching_NoCandidateKeepsSearching(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	seeker := searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow)
	seeker.Searching, seeker.SearchingSince = false, nil
	f.store.PutUser(seeker)

	out, err := newService(f).StartMatching(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, out.Match)
	require.NotNil(t, out.Selection)

	u, _ := f.store.GetUser(ctx, "s")
	assert.True(t, u.Searching)
	require.NotNil(t, u.SearchingSince)
	assert.Equal(t, testNow, *u.SearchingSince)
}

func TestStartMatching_KeepsOriginalWaitStart(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	since := testNow.Add(-20 * time.Minute)
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, since))

	_, err := newService(f).StartMatching(ctx, "s")
	require.NoError(t, err)
	u, _ := f.store.GetUser(ctx, "s")
	assert.Equal(t, since, *u.SearchingSince)
}

func TestStartMatching_CommitsWinner(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))
	f.store.PutUser(searchingUser("c", "female", 52.53, 13.41, testNow.Add(-time.Minute)))

	out, err := newService(f).StartMatching(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, out.Match)
	assert.Equal(t, "c", out.Match.PartnerID)
	assert.Equal(t, out.Selection.Note, out.Match.Room.MatchingNote)
	assert.Equal(t, 2, credit(t, f, "s"))
	assert.Equal(t, 2, credit(t, f, "c"))
}

func TestStartMatching_Rejections(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	broke := searchingUser("broke", "male", berlin.Lat, berlin.Lon, testNow)
	broke.Credits = 0
	f.store.PutUser(broke)
	lost := searchingUser("lost", "male", 0, 0, testNow)
	lost.Location = nil
	f.store.PutUser(lost)

	svc := newService(f)
	_, err := svc.StartMatching(ctx, "broke")
	require.ErrorIs(t, err, apperr.ErrInsufficientResource)
	_, err = svc.StartMatching(ctx, "lost")
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.StartMatching(ctx, "nobody")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStopMatching(t *testing.T) {
	f := newOrchFixture()
	ctx := context.Background()
	f.store.PutUser(searchingUser("s", "male", berlin.Lat, berlin.Lon, testNow))

	require.NoError(t, newService(f).StopMatching(ctx, "s"))
	u, _ := f.store.GetUser(ctx, "s")
	assert.False(t, u.Searching)
	assert.Nil(t, u.SearchingSince)
}

// ---------- Janitor ----------

type fakeIndex struct {
	waiting   []string
	untracked []string
}

func (f *fakeIndex) WaitingBefore(context.Context, time.Time) ([]string, error) {
	return f.waiting, nil
}

func (f *fakeIndex) Untrack(_ context.Context, ids ...string) error {
	f.untracked = append(f.untracked, ids...)
	return nil
}

func TestJanitor_Sweep(t *testing.T) {
	s := memory.New()
	s.PutUser(searchingUser("active", "male", 0, 0, testNow))
	idle := searchingUser("idle", "male", 0, 0, testNow)
	idle.Searching = false
	s.PutUser(idle)

	cache := NewMemoryCache()
	cache.now = func() time.Time { return testNow }
	require.NoError(t, cache.Set(context.Background(), "old", &Selection{}, time.Minute))
	cache.now = func() time.Time { return testNow.Add(time.Hour) }

	idx := &fakeIndex{waiting: []string{"active", "idle", "deleted"}}
	j := NewJanitor(cache, idx, s, logging.Discard())
	j.Sweep(context.Background())

	assert.ElementsMatch(t, []string{"idle", "deleted"}, idx.untracked)
	assert.Equal(t, 0, cache.Len())
}
