package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ChronoSend/internal/metrics"
)

// counterTTL is double the window so a late increment against the previous
// hour still expires on its own despite clock skew.
const counterTTL = 2 * time.Hour

// Status is the result of a read-only admission check.
type Status struct {
	Allowed bool
	Current int
	Limit   int
	ResetAt time.Time
}

// Limiter counts successful sends per owner in fixed hour windows backed by
// Redis. It fails open: if Redis is unreachable the check reports allowed,
// because rate enforcement is a courtesy to the SMTP relay, not a correctness
// property.
type Limiter struct {
	rdb   *redis.Client
	limit int
	log   *zap.Logger
	now   func() time.Time
}

func New(rdb *redis.Client, limit int, log *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, log: log, now: time.Now}
}

// Check reads the current window counter without mutating it.
func (l *Limiter) Check(ctx context.Context, ownerID string) Status {
	now := l.now().UTC()
	st := Status{Allowed: true, Limit: l.limit, ResetAt: nextWindowStart(now)}

	val, err := l.rdb.Get(ctx, windowKey(ownerID, now)).Result()
	if err == redis.Nil {
		return st
	}
	if err != nil {
		metrics.RateLimiterErrors.Inc()
		l.log.Warn("rate limiter check failed, failing open",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return st
	}

	current, err := strconv.Atoi(val)
	if err != nil {
		metrics.RateLimiterErrors.Inc()
		l.log.Warn("rate limiter counter unreadable, failing open",
			zap.String("owner_id", ownerID),
			zap.String("value", val),
		)
		return st
	}

	st.Current = current
	st.Allowed = current < l.limit
	return st
}

// Increment bumps the owner's counter for the current window. Called only
// after a confirmed successful delivery.
func (l *Limiter) Increment(ctx context.Context, ownerID string) (int64, error) {
	key := windowKey(ownerID, l.now().UTC())

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RateLimiterErrors.Inc()
		l.log.Warn("rate limiter increment failed",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return 0, err
	}
	return incr.Val(), nil
}

// ratelimit:{owner}:2026-08-30-15
func windowKey(ownerID string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", ownerID, now.UTC().Format("2006-01-02-15"))
}

func nextWindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(time.Hour)
}
