// Package lock provides short-lived named locks that serialize shift closing
// and anomaly recomputation across server instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

type ReleaseFunc func()

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// Noop grants every lock. Single-instance deployments rely on the store
// transaction alone.
type Noop struct{}

func (Noop) Obtain(_ context.Context, _ string, _ time.Duration) (ReleaseFunc, error) {
	return func() {}, nil
}

type RedisLocker struct {
	client *redislock.Client
	retry  redislock.RetryStrategy
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	lk, err := l.client.Obtain(ctx, "fuelpos:lock:"+key, ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// Release runs after the request context may have been cancelled.
		_ = lk.Release(context.Background())
	}, nil
}

func ShiftKey(shiftID string) string {
	return "shift:" + shiftID
}

func AnomalyKey(stationID string, date time.Time) string {
	return fmt.Sprintf("anomaly:%s:%s", stationID, date.Format("2006-01-02"))
}
