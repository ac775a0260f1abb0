// Package notify sends out-of-band notifications (push, email) to users who
// may not be connected. Delivery is fire-and-forget: callers log failures
// and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/messaging"
)

// Notification tags.
const (
	TagMatchFound = "match_found"
	TagNewMessage = "new_message"
)

type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag"`
	Data  map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// envelope is what the gateway receives on notify.<user_id>.
type envelope struct {
	UserID string    `json:"user_id"`
	SentAt time.Time `json:"sent_at"`
	Notification
}

// NATSNotifier publishes notifications for the push gateway.
type NATSNotifier struct {
	bus messaging.Publisher
	now func() time.Time
}

func NewNATSNotifier(bus messaging.Publisher) *NATSNotifier {
	return &NATSNotifier{bus: bus, now: time.Now}
}

func (n *NATSNotifier) Notify(_ context.Context, userID string, note Notification) error {
	data, err := json.Marshal(envelope{UserID: userID, SentAt: n.now(), Notification: note})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := n.bus.Publish(messaging.NotifySubject(userID), data); err != nil {
		return fmt.Errorf("notify: publish %s: %v: %w", userID, err, apperr.ErrExternal)
	}
	return nil
}

// LogNotifier records notifications in the log. Used when NATS is disabled.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logging.Component(log, "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, userID string, note Notification) error {
	n.log.Info("notification", "user", userID, "tag", note.Tag, "title", note.Title)
	return nil
}
