package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/metrics"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/ratelimit"
)

const defaultActionTimeout = 10 * time.Second

// HandlerFunc handles one parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage. A returned error is reported to
// the client as an error frame.
type HandlerFunc func(ctx context.Context, conn *Connection, msg any) error

// MessageDispatcher routes client frames to registered handlers by type,
// answering ping itself and applying per-action rate limits.
type MessageDispatcher struct {
	handlers map[string]HandlerFunc
	limits   map[string]ratelimit.Rule
	limiter  ratelimit.Checker
	timeout  time.Duration
	log      *slog.Logger
}

func NewMessageDispatcher(limiter ratelimit.Checker, log *slog.Logger) *MessageDispatcher {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &MessageDispatcher{
		handlers: make(map[string]HandlerFunc),
		limits:   make(map[string]ratelimit.Rule),
		limiter:  limiter,
		timeout:  defaultActionTimeout,
		log:      logging.Component(log, "dispatcher"),
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Limit applies rule to msgType per user.
func (d *MessageDispatcher) Limit(msgType string, rule ratelimit.Rule) {
	d.limits[msgType] = rule
}

// Dispatch is the server's OnMessage hook.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("parse error", "conn", conn.ID, "err", err)
		d.sendError(conn, apperr.Code(apperr.ErrValidation), "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Warn("unsupported message type", "type", msgType, "conn", conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if rule, limited := d.limits[msgType]; limited {
		allowed, err := d.limiter.Allow(ctx, conn.UserID, rule)
		if err != nil {
			d.log.Warn("rate limit check failed", "type", msgType, "err", err)
		}
		if !allowed {
			metrics.RateLimited.WithLabelValues(msgType).Inc()
			d.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				Action:     msgType,
				RetryAfter: int(rule.Window.Seconds()),
			})
			return
		}
	}

	if err := handler(ctx, conn, msg); err != nil {
		d.reportError(conn, msgType, err)
	}
}

func (d *MessageDispatcher) reportError(conn *Connection, msgType string, err error) {
	code := apperr.Code(err)
	message := err.Error()
	if code == "internal" {
		d.log.Error("action failed", "type", msgType, "user", conn.UserID, "err", err)
		message = "internal error"
	} else {
		d.log.Debug("action rejected", "type", msgType, "user", conn.UserID, "code", code, "err", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		message = "timed out"
	}
	d.sendError(conn, code, message)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("build server message", "type", msgType, "err", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("write failed", "type", msgType, "conn", conn.ID, "err", err)
	}
}
