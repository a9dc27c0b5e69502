// Package lock provides per-issuer leases so that only one service instance
// ingests a given issuer at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long a crashed holder can block an issuer.
const DefaultTTL = 30 * time.Minute

// ErrLeaseLost is returned by Release when the lease expired or was taken
// over before it was released.
var ErrLeaseLost = errors.New("lease lost")

// Deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out issuer leases backed by Redis keys.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLocker creates a locker. A non-positive ttl uses DefaultTTL.
func NewRedisLocker(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "lock").Logger(),
		tokens: make(map[string]string),
	}
}

// Key returns the Redis key guarding issuer.
func Key(issuer string) string {
	return "ingest:lock:" + issuer
}

// Acquire takes the lease for issuer. It reports false when somebody else
// holds it.
func (l *RedisLocker) Acquire(ctx context.Context, issuer string) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, Key(issuer), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set lease key: %w", err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[issuer] = token
	l.mu.Unlock()

	l.log.Debug().Str("issuer", issuer).Dur("ttl", l.ttl).Msg("Lease acquired")
	return true, nil
}

// Release gives up a lease taken by this locker. Releasing a lease that is
// not held is a no-op.
func (l *RedisLocker) Release(ctx context.Context, issuer string) error {
	l.mu.Lock()
	token, ok := l.tokens[issuer]
	delete(l.tokens, issuer)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	n, err := releaseScript.Run(ctx, l.client, []string{Key(issuer)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", issuer, ErrLeaseLost)
	}

	l.log.Debug().Str("issuer", issuer).Msg("Lease released")
	return nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
