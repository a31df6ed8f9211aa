package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

// RedisLock is an alternate Locker for deployments that run controller
// instances across multiple hosts without a shared filesystem — the
// spec-mandated directory token (FSLock) only provides mutual exclusion
// within one machine. Uses SET NX EX as the atomic test-and-set, the
// standard Redis distributed-lock pattern, with a per-acquisition owner
// token so Release never removes a lock it doesn't hold.
type RedisLock struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string

	tokens map[string]string
}

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLock{Client: client, TTL: ttl, Prefix: "caf:lock:", tokens: map[string]string{}}
}

func (l *RedisLock) key(jobID string) string {
	return l.Prefix + jobID
}

func (l *RedisLock) TryAcquire(jobID string) (Result, error) {
	ctx := context.Background()
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.key(jobID), token, l.TTL).Result()
	if err != nil {
		return Busy, apperr.Wrapf(err, apperr.TypeFsFailure, "redis SETNX for job %s", jobID)
	}
	if !ok {
		return Busy, nil
	}
	if l.tokens == nil {
		l.tokens = map[string]string{}
	}
	l.tokens[jobID] = token
	return Acquired, nil
}

// releaseScript deletes the key only if it still holds our token, avoiding
// releasing a lock some other owner re-acquired after our TTL expired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`

func (l *RedisLock) Release(jobID string) error {
	token, ok := l.tokens[jobID]
	if !ok {
		return nil
	}
	ctx := context.Background()
	_ = l.Client.Eval(ctx, releaseScript, []string{l.key(jobID)}, token).Err()
	delete(l.tokens, jobID)
	return nil
}
