package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

var execCommand = exec.Command

// DeviceSource captures single frames from a V4L2 device through ffmpeg.
// It is used by the operator CLI; the HTTP gate receives uploaded frames.
type DeviceSource struct {
	Device string
	Width  int
	Height int
	Limits Limits
}

// NewDeviceSource returns a source for device at 640x480.
func NewDeviceSource(device string, limits Limits) *DeviceSource {
	return &DeviceSource{Device: device, Width: 640, Height: 480, Limits: limits}
}

// Open checks the device node exists.
func (d *DeviceSource) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.Device); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, d.Device)
	}
	return &deviceSession{src: d}, nil
}

type deviceSession struct {
	mu     sync.Mutex
	src    *DeviceSource
	closed bool
}

func (s *deviceSession) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, ErrCameraNotOpen
	}

	tmpDir, err := os.MkdirTemp("", "facegate-capture-")
	if err != nil {
		return Frame{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outfile := filepath.Join(tmpDir, "frame.jpg")
	cmd := execCommand("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", s.src.Width, s.src.Height),
		"-i", s.src.Device,
		"-frames:v", "1",
		"-y", outfile,
	)

	if err := runWithContext(ctx, cmd); err != nil {
		return Frame{}, err
	}

	data, err := os.ReadFile(outfile)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	return ValidateFrame(data, s.src.Limits)
}

func (s *deviceSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// runWithContext runs cmd and kills it when ctx is done.
func runWithContext(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		return nil
	}
}
