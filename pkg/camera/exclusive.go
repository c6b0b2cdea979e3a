package camera

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Exclusive wraps a Source so that at most one session is open at a time.
// Open blocks until the previous session is closed or ctx is done.
type Exclusive struct {
	src Source
	sem *semaphore.Weighted
}

// NewExclusive wraps src.
func NewExclusive(src Source) *Exclusive {
	return &Exclusive{src: src, sem: semaphore.NewWeighted(1)}
}

// Open acquires the source and opens a session on it.
func (e *Exclusive) Open(ctx context.Context) (Session, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	sess, err := e.src.Open(ctx)
	if err != nil {
		e.sem.Release(1)
		return nil, err
	}

	return &exclusiveSession{Session: sess, release: func() { e.sem.Release(1) }}, nil
}

type exclusiveSession struct {
	Session
	once    sync.Once
	release func()
	err     error
}

func (s *exclusiveSession) Close() error {
	s.once.Do(func() {
		s.err = s.Session.Close()
		s.release()
	})
	return s.err
}
