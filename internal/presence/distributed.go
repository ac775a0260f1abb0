package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/messaging"
)

const (
	// UserPrefix is the Redis hash holding the owning server of a
	// connected user.
	UserPrefix = "presence:user:"

	// RoomsPrefix is the Redis set of rooms a connected user has joined.
	RoomsPrefix = "presence:rooms:"

	// DefaultTTL bounds how long a crashed instance leaves users marked
	// present. Heartbeats refresh it.
	DefaultTTL = 2 * time.Minute
)

// Distributed shares presence across instances. Connections stay in a Local
// registry; Redis records which instance owns each user and NATS carries
// frames for users connected elsewhere.
type Distributed struct {
	local  *Local
	rdb    *redis.Client
	bus    messaging.Bus
	server string
	ttl    time.Duration
	log    *slog.Logger
}

var _ Registry = (*Distributed)(nil)

func NewDistributed(rdb *redis.Client, bus messaging.Bus, server string, log *slog.Logger) *Distributed {
	return &Distributed{
		local:  NewLocal(),
		rdb:    rdb,
		bus:    bus,
		server: server,
		ttl:    DefaultTTL,
		log:    logging.Component(log, "presence"),
	}
}

func (d *Distributed) Connect(ctx context.Context, userID string, conn Conn) (Conn, error) {
	prev, _ := d.local.Connect(ctx, userID, conn)

	pipe := d.rdb.Pipeline()
	pipe.HSet(ctx, UserPrefix+userID, "server", d.server, "connected_at", time.Now().Unix())
	pipe.Expire(ctx, UserPrefix+userID, d.ttl)
	pipe.Del(ctx, RoomsPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return prev, fmt.Errorf("presence: connect %s: %w", userID, err)
	}

	err := d.bus.Subscribe(messaging.DeliverSubject(userID), func(frame []byte) {
		if err := d.local.Send(context.Background(), userID, frame); err != nil {
			d.log.Debug("relayed frame dropped", "user", userID, "err", err)
		}
	})
	if err != nil {
		return prev, fmt.Errorf("presence: subscribe %s: %w", userID, err)
	}
	return prev, nil
}

func (d *Distributed) Disconnect(ctx context.Context, userID string, conn Conn) error {
	if !d.local.disconnect(userID, conn) {
		return nil
	}
	_ = d.bus.Unsubscribe(messaging.DeliverSubject(userID))

	// Only clear the keys while this instance still owns the user.
	owner, err := d.rdb.HGet(ctx, UserPrefix+userID, "server").Result()
	if errors.Is(err, redis.Nil) || (err == nil && owner != d.server) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence: disconnect %s: %w", userID, err)
	}
	return d.rdb.Del(ctx, UserPrefix+userID, RoomsPrefix+userID).Err()
}

// Touch refreshes the TTL of a user's presence keys.
func (d *Distributed) Touch(ctx context.Context, userID string) error {
	pipe := d.rdb.Pipeline()
	pipe.Expire(ctx, UserPrefix+userID, d.ttl)
	pipe.Expire(ctx, RoomsPrefix+userID, d.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (d *Distributed) IsPresent(ctx context.Context, userID string) bool {
	if d.local.IsPresent(ctx, userID) {
		return true
	}
	n, err := d.rdb.Exists(ctx, UserPrefix+userID).Result()
	if err != nil {
		d.log.Warn("presence lookup failed", "user", userID, "err", err)
		return false
	}
	return n > 0
}

func (d *Distributed) JoinRoom(ctx context.Context, userID, roomID string) error {
	if err := d.local.JoinRoom(ctx, userID, roomID); err != nil {
		return err
	}
	pipe := d.rdb.Pipeline()
	pipe.SAdd(ctx, RoomsPrefix+userID, roomID)
	pipe.Expire(ctx, RoomsPrefix+userID, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: join %s: %w", roomID, err)
	}
	return nil
}

func (d *Distributed) LeaveRoom(ctx context.Context, userID, roomID string) error {
	_ = d.local.LeaveRoom(ctx, userID, roomID)
	return d.rdb.SRem(ctx, RoomsPrefix+userID, roomID).Err()
}

func (d *Distributed) InRoom(ctx context.Context, userID, roomID string) bool {
	if d.local.InRoom(ctx, userID, roomID) {
		return true
	}
	ok, err := d.rdb.SIsMember(ctx, RoomsPrefix+userID, roomID).Result()
	if err != nil {
		d.log.Warn("room membership lookup failed", "user", userID, "room", roomID, "err", err)
		return false
	}
	return ok
}

func (d *Distributed) Send(ctx context.Context, userID string, frame []byte) error {
	if d.local.IsPresent(ctx, userID) {
		return d.local.Send(ctx, userID, frame)
	}
	if !d.IsPresent(ctx, userID) {
		return ErrOffline
	}
	if err := d.bus.Publish(messaging.DeliverSubject(userID), frame); err != nil {
		return fmt.Errorf("presence: relay to %s: %w", userID, err)
	}
	return nil
}

// Count returns the number of users connected to this instance.
func (d *Distributed) Count() int { return d.local.Count() }
