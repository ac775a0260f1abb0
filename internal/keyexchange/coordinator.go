package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/store"
)

// Coordinator sends session_key frames to connected room participants.
type Coordinator struct {
	strategy Strategy
	profiles store.Profiles
	presence presence.Registry
	log      *slog.Logger
}

func NewCoordinator(strategy Strategy, profiles store.Profiles, reg presence.Registry, log *slog.Logger) *Coordinator {
	return &Coordinator{
		strategy: strategy,
		profiles: profiles,
		presence: reg,
		log:      logging.Component(log, "keyexchange"),
	}
}

func (c *Coordinator) Strategy() string { return c.strategy.Name() }

// Distribute sends the room key to every participant currently connected.
// Failures for one participant do not stop delivery to the other.
func (c *Coordinator) Distribute(ctx context.Context, room *domain.Room) error {
	var errs []error
	for _, id := range []string{room.ParticipantA, room.ParticipantB} {
		if !c.presence.IsPresent(ctx, id) {
			continue
		}
		if err := c.DeliverTo(ctx, room, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeliverTo sends the room key to one participant.
func (c *Coordinator) DeliverTo(ctx context.Context, room *domain.Room, userID string) error {
	user, err := c.profiles.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("keyexchange: load %s: %w", userID, err)
	}
	scheme, key, err := c.strategy.KeyFor(ctx, room, user)
	if err != nil {
		c.log.Warn("room key not issued", "room", room.ID, "user", userID, "err", err)
		return err
	}

	frame, err := protocol.NewServerMessage(protocol.TypeSessionKey, protocol.SessionKeyMsg{
		RoomID: room.ID,
		Scheme: scheme,
		Key:    key,
	})
	if err != nil {
		return err
	}
	if err := c.presence.Send(ctx, userID, frame); err != nil {
		return fmt.Errorf("keyexchange: send to %s: %w", userID, err)
	}
	return nil
}
