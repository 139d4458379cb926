package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/beacon/pkg/storage/redisstore"
)

// ErrRunInProgress is returned when another replica holds the lock for a period
var ErrRunInProgress = errors.New("rollup already running for this period")

// Locker serializes generation of the same period across replicas
type Locker interface {
	// Acquire takes the lock for key or fails with ErrRunInProgress. The
	// returned func releases it.
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// RedisLocker is a SET NX lock with a TTL. The TTL bounds how long a crashed
// holder blocks other replicas.
type RedisLocker struct {
	client *redisstore.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker. A non-positive ttl defaults to 10 minutes.
func NewRedisLocker(client *redisstore.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	lockKey := "rollup:lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire rollup lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	return func(ctx context.Context) error {
		if _, err := l.client.ReleaseIfOwner(ctx, lockKey, token); err != nil {
			return fmt.Errorf("failed to release rollup lock: %w", err)
		}
		return nil
	}, nil
}
