// Package messaging provides a NATS client wrapper for pub/sub between
// matchroom instances and the out-of-band notification gateway.
package messaging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/matchroom/internal/logging"
)

// NATS subject patterns.
const (
	SubjectNotify          = "notify"           // + .<user_id>, consumed by the push gateway
	SubjectPresenceDeliver = "presence.deliver" // + .<user_id>, frames for a user connected elsewhere
)

// NotifySubject returns the notification subject for userID.
func NotifySubject(userID string) string { return SubjectNotify + "." + userID }

// DeliverSubject returns the cross-instance delivery subject for userID.
func DeliverSubject(userID string) string { return SubjectPresenceDeliver + "." + userID }

// Publisher is the publish half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bus is the subset of NATSClient other packages depend on.
type Bus interface {
	Publisher
	Subscribe(subject string, handler func(data []byte)) error
	Unsubscribe(subject string) error
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ Bus = (*NATSClient)(nil)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matchroom",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *slog.Logger) (*NATSClient, error) {
	log = logging.Component(log, "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject. A second subscription to the
// same subject replaces the first.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain failed", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", "err", err)
	}
	c.log.Info("client closed")
}
