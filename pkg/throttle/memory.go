package throttle

import (
	"context"
	"sync"
	"time"
)

// pruneThreshold is the map size above which expired windows are swept.
const pruneThreshold = 4096

type window struct {
	count   int
	expires time.Time
}

// MemoryLimiter keeps counters in process memory.
type MemoryLimiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Acquire implements Limiter.
func (m *MemoryLimiter) Acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if len(m.windows) > pruneThreshold {
		m.prune(now)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(m.policy.Window)}
		m.windows[key] = w
	}

	w.count++
	if w.count > m.policy.MaxAttempts {
		return ErrRateLimited
	}
	return nil
}

// Release implements Limiter.
func (m *MemoryLimiter) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}

// Reset implements Limiter.
func (m *MemoryLimiter) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.windows, key)
	return nil
}

func (m *MemoryLimiter) prune(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.expires) {
			delete(m.windows, k)
		}
	}
}
