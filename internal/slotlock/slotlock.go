package slotlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

// ErrHeld is returned when another request holds the slot.
var ErrHeld = errors.New("slot lock held by another request")

// Release gives a lock back. It is safe to call more than once.
type Release func()

// Locker serializes attempts to book the same calendar slot across processes.
// Locks are advisory; the unique index on appointments is the hard guard.
type Locker interface {
	Acquire(ctx context.Context, calendarID string, start time.Time) (Release, error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds a slot with SET NX PX and a random token, and releases it only
// when the token still matches.
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, prefix string) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "slot"
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, prefix: prefix}
}

// Key is the Redis key guarding one slot.
func (l *RedisLocker) Key(calendarID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, calendarID, start.UTC().Unix())
}

func (l *RedisLocker) Acquire(ctx context.Context, calendarID string, start time.Time) (Release, error) {
	key := l.Key(calendarID, start)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("slot lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The request context may already be done when the deferred release runs.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			logger.FromContext(ctx).Warn("Failed to release slot lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// NoopLocker always grants the lock. Used when Redis is disabled.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Time) (Release, error) {
	return func() {}, nil
}
