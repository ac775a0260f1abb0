package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/credits"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/notify"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/store"
)

// Debiter charges both parties of a match.
type Debiter interface {
	DebitBothAtomically(ctx context.Context, seekerID, candidateID string, cost int) (*credits.Result, error)
	RefundBoth(ctx context.Context, seekerID, candidateID string, cost int) error
}

// RoomJoiner attaches a live connection to a room.
type RoomJoiner interface {
	JoinRoom(ctx context.Context, userID, roomID string) error
}

// Match is a committed pairing.
type Match struct {
	Room      *domain.Room
	SeekerID  string
	PartnerID string
	Score     float64
	Created   bool
	Reopened  bool
}

type OrchestratorDeps struct {
	Debiter  Debiter
	Rooms    store.Rooms
	Profiles store.Profiles
	Tracker  Tracker // optional
	Presence presence.Registry
	Joiner   RoomJoiner // optional
	Notifier notify.Notifier
	Cost     int
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator turns a selection into a paid, open room and tells both
// users about it.
type Orchestrator struct {
	debiter  Debiter
	rooms    store.Rooms
	profiles store.Profiles
	tracker  Tracker
	presence presence.Registry
	joiner   RoomJoiner
	notifier notify.Notifier
	cost     int
	log      *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		debiter:  d.Debiter,
		rooms:    d.Rooms,
		profiles: d.Profiles,
		tracker:  d.Tracker,
		presence: d.Presence,
		joiner:   d.Joiner,
		notifier: d.Notifier,
		cost:     d.Cost,
		log:      logging.Component(d.Logger, "orchestrator"),
		now:      d.Now,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.notifier == nil {
		o.notifier = notify.NewLogNotifier(d.Logger)
	}
	return o
}

// SetJoiner wires the chat runtime after construction; the two depend on
// each other.
func (o *Orchestrator) SetJoiner(j RoomJoiner) { o.joiner = j }

// Commit charges both users and opens (or reopens) their room. On error no
// balance has changed and both searching flags are untouched.
func (o *Orchestrator) Commit(ctx context.Context, sel *Selection) (*Match, error) {
	if sel == nil || sel.Winner == nil {
		return nil, fmt.Errorf("matching: commit without winner: %w", apperr.ErrValidation)
	}
	seekerID, partnerID := sel.SeekerID, sel.Winner.UserID

	// A user takes part in at most one commit at a time.
	if err := o.claim(ctx, partnerID); err != nil {
		return nil, err
	}
	if err := o.claim(ctx, seekerID); err != nil {
		o.release(ctx, partnerID)
		return nil, err
	}

	if _, err := o.debiter.DebitBothAtomically(ctx, seekerID, partnerID, o.cost); err != nil {
		o.release(ctx, seekerID, partnerID)
		return nil, err
	}

	now := o.now()
	room, created, reopened, err := o.openRoom(ctx, seekerID, partnerID, sel.Note, now)
	if err != nil {
		if rerr := o.debiter.RefundBoth(ctx, seekerID, partnerID, o.cost); rerr != nil {
			o.log.Error("refund after room failure", "seeker", seekerID, "partner", partnerID, "err", rerr)
		}
		o.release(ctx, seekerID, partnerID)
		return nil, err
	}
	m := &Match{
		Room:      room,
		SeekerID:  seekerID,
		PartnerID: partnerID,
		Score:     sel.Winner.Score.Total,
		Created:   created,
		Reopened:  reopened,
	}

	o.leavePool(ctx, now, seekerID, partnerID)
	o.announce(ctx, m, sel.Note)

	o.log.Info("match committed",
		"room", room.ID, "seeker", seekerID, "partner", partnerID,
		"score", m.Score, "mode", sel.Mode, "created", created, "reopened", m.Reopened)
	return m, nil
}

// openRoom finds or creates the pair's room and stamps the new match on it,
// reactivating it if it was archived.
func (o *Orchestrator) openRoom(ctx context.Context, a, b, note string, now time.Time) (room *domain.Room, created, reopened bool, err error) {
	room, created, err = o.rooms.FindOrCreateRoom(ctx, a, b, now)
	if err != nil {
		return nil, false, false, fmt.Errorf("matching: open room: %w", err)
	}
	room, reopened, err = o.rooms.ActivateRoom(ctx, room.ID, note, now)
	if err != nil {
		return nil, false, false, fmt.Errorf("matching: activate room: %w", err)
	}
	return room, created, reopened, nil
}

func (o *Orchestrator) claim(ctx context.Context, userID string) error {
	ok, err := o.profiles.ClaimSearching(ctx, userID)
	if err != nil {
		return fmt.Errorf("matching: claim %s: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("matching: %s is no longer searching: %w", userID, apperr.ErrConflict)
	}
	return nil
}

// release hands claimed users back to the pool after a failed commit.
func (o *Orchestrator) release(ctx context.Context, ids ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := o.profiles.ReleaseSearching(ctx, id); err != nil {
			o.log.Warn("release searching flag", "user", id, "err", err)
		}
	}
}

func (o *Orchestrator) leavePool(ctx context.Context, now time.Time, ids ...string) {
	for _, id := range ids {
		if err := o.profiles.SetSearching(ctx, id, false, now); err != nil {
			o.log.Warn("clear searching flag", "user", id, "err", err)
		}
	}
	if o.tracker != nil {
		if err := o.tracker.Untrack(ctx, ids...); err != nil {
			o.log.Warn("untrack matched users", "err", err)
		}
	}
}

// announce joins live connections to the room, sends match_found to them
// and always sends an out-of-band notification to both users.
func (o *Orchestrator) announce(ctx context.Context, m *Match, note string) {
	var wg conc.WaitGroup
	for _, pair := range [][2]string{{m.SeekerID, m.PartnerID}, {m.PartnerID, m.SeekerID}} {
		userID, partnerID := pair[0], pair[1]
		wg.Go(func() {
			if o.presence != nil && o.presence.IsPresent(ctx, userID) {
				o.deliver(ctx, m, userID, partnerID, note)
			}
			err := o.notifier.Notify(ctx, userID, notify.Notification{
				Title: "You have a new match",
				Body:  "Say hello to start the conversation.",
				Tag:   notify.TagMatchFound,
				Data:  map[string]string{"room_id": m.Room.ID, "partner_id": partnerID},
			})
			if err != nil {
				o.log.Warn("match notification failed", "user", userID, "err", err)
			}
		})
	}
	wg.Wait()
}

func (o *Orchestrator) deliver(ctx context.Context, m *Match, userID, partnerID, note string) {
	frame, err := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:    m.Room.ID,
		PartnerID: partnerID,
		Note:      note,
		Score:     m.Score,
		Reopened:  m.Reopened,
	})
	if err != nil {
		o.log.Error("encode match_found", "err", err)
		return
	}
	if err := o.presence.Send(ctx, userID, frame); err != nil {
		o.log.Warn("deliver match_found", "user", userID, "err", err)
		return
	}
	if o.joiner != nil {
		if err := o.joiner.JoinRoom(ctx, userID, m.Room.ID); err != nil {
			o.log.Warn("join matched room", "user", userID, "room", m.Room.ID, "err", err)
		}
	}
}
