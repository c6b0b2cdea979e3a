package camera

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// StaticSource serves a single frame supplied up front, such as an image
// uploaded with a login request.
type StaticSource struct {
	data   []byte
	limits Limits
}

// NewStaticSource returns a source that yields data once per session.
func NewStaticSource(data []byte, limits Limits) *StaticSource {
	return &StaticSource{data: data, limits: limits}
}

// Open starts a session over the stored frame.
func (s *StaticSource) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &bufferSession{data: s.data, limits: s.limits}, nil
}

// FileSource reads the frame from an image file when a session opens.
type FileSource struct {
	Path   string
	Limits Limits
}

// Open reads the file.
func (s *FileSource) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, s.Path)
		}
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &bufferSession{data: data, limits: s.Limits}, nil
}

// bufferSession yields its frame exactly once.
type bufferSession struct {
	mu       sync.Mutex
	data     []byte
	limits   Limits
	consumed bool
	closed   bool
}

func (b *bufferSession) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Frame{}, ErrCameraNotOpen
	}
	if b.consumed {
		return Frame{}, ErrNoFrame
	}
	b.consumed = true

	return ValidateFrame(b.data, b.limits)
}

func (b *bufferSession) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}
