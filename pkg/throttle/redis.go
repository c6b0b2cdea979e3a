package throttle

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// acquireScript increments the counter and starts the window on the first
// increment, in one server-side step.
var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// releaseScript decrements a live counter without creating one.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisLimiter keeps counters in Redis so that several gate replicas share
// one limit.
type RedisLimiter struct {
	client redis.Cmdable
	policy Policy
	prefix string
}

// NewRedisLimiter creates a limiter over client.
func NewRedisLimiter(client redis.Cmdable, policy Policy, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, prefix: prefix}
}

func (r *RedisLimiter) key(k string) string {
	return r.prefix + k
}

// Acquire implements Limiter.
func (r *RedisLimiter) Acquire(ctx context.Context, key string) error {
	n, err := acquireScript.Run(ctx, r.client, []string{r.key(key)}, r.policy.Window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n > int64(r.policy.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// Release implements Limiter.
func (r *RedisLimiter) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Reset implements Limiter.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
