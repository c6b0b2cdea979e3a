// Package throttle counts login attempts per client and rejects clients
// that exceed the allowed number within a fixed window.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned by Acquire when the client is over its limit.
var ErrRateLimited = errors.New("rate limited")

// ErrUnavailable is returned when the counter store cannot be reached.
var ErrUnavailable = errors.New("throttle store unavailable")

// Limiter counts attempts per key.
//
// Acquire atomically counts one attempt and fails with ErrRateLimited when
// the count exceeds the limit. Release uncounts an attempt that ended for
// environmental reasons. Reset clears the key after a successful login.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// Policy is a fixed-window limit. The window opens at the first counted
// attempt.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// PolicyFromConfig converts throttle settings.
func PolicyFromConfig(cfg config.ThrottleConfig) Policy {
	return Policy{MaxAttempts: cfg.MaxFailures, Window: cfg.Window}
}

// NewFromConfig builds the configured limiter backend.
func NewFromConfig(cfg config.ThrottleConfig, rc config.RedisConfig) (Limiter, error) {
	policy := PolicyFromConfig(cfg)
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(policy), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return NewRedisLimiter(client, policy, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown throttle backend: %s", cfg.Backend)
	}
}
