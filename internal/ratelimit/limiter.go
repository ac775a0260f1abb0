// Package ratelimit throttles client actions with Redis INCR + EXPIRE fixed
// windows. Redis failures fail open so an outage never blocks chat traffic.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/matchroom/internal/logging"
)

// Rule is a rate limiting policy: key prefix, requests allowed per window
// and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Default rules for the two throttled actions.
var (
	// RuleMatch allows 10 start_matching actions per minute per user.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: time.Minute}

	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}
)

// Checker is what action handlers depend on.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *slog.Logger
}

func NewLimiter(client *redis.Client, log *slog.Logger) *Limiter {
	return &Limiter{client: client, log: logging.Component(log, "ratelimit")}
}

// Allow increments the identifier's counter and sets the window expiry on
// first access. It returns false once the limit is exceeded. On Redis errors
// it returns true together with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("EXPIRE failed, failing open", "key", key, "err", err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests are left in the current window. On
// Redis errors it returns the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("GET failed, failing open", "key", key, "err", err)
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Unlimited allows everything. Used when Redis is not configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, Rule) (bool, error) { return true, nil }
