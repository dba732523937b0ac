package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseRunLockScript deletes the lease only when the caller still holds
// it, so an expired lease taken over by another orchestrator is never
// released from under them.
var releaseRunLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLocker guards a run against two orchestrator instances executing it at
// the same time. The lease is advisory — the payout-level conditional claim
// writes remain the last line of defense — but it keeps the normal path from
// ever racing.
type RunLocker interface {
	Acquire(ctx context.Context, runID uuid.UUID, ttl time.Duration) (token string, acquired bool, err error)
	Release(ctx context.Context, runID uuid.UUID, token string) error
}

// RedisRunLocker implements RunLocker with a Redis SET NX lease.
type RedisRunLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRunLocker creates a locker with the given key prefix.
func NewRedisRunLocker(client redis.UniversalClient, prefix string) *RedisRunLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "forgepay:run_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRunLocker{client: client, prefix: trimmedPrefix}
}

func (l *RedisRunLocker) key(runID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", l.prefix, runID)
}

// Acquire takes the lease for the run. The returned token must be passed
// back to Release.
func (l *RedisRunLocker) Acquire(ctx context.Context, runID uuid.UUID, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.key(runID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives the lease back if this holder still owns it.
func (l *RedisRunLocker) Release(ctx context.Context, runID uuid.UUID, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	if err := releaseRunLockScript.Run(ctx, l.client, []string{l.key(runID)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
