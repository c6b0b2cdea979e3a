// Package camera provides the frame capture boundary used by the login gate.
// A Source is opened once per login attempt and yields a Session that must be
// closed on every exit path.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"
)

// Frame represents a single captured frame as encoded image bytes.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "jpeg" or "png"
	Timestamp time.Time
}

// Source opens capture sessions.
type Source interface {
	Open(ctx context.Context) (Session, error)
}

// Session is an open capture handle. Close is idempotent.
type Session interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// ErrCameraNotFound is returned when the camera device is not found.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when trying to capture from a closed session.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// ErrInvalidFrame is returned when captured bytes are not a usable image.
var ErrInvalidFrame = errors.New("invalid frame")

// Limits bounds the accepted frame size.
type Limits struct {
	MinWidth  int
	MinHeight int
}

// ValidateFrame decodes the image header and checks format and size.
func ValidateFrame(data []byte, limits Limits) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty image", ErrInvalidFrame)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if format != "jpeg" && format != "png" {
		return Frame{}, fmt.Errorf("%w: unsupported format %s", ErrInvalidFrame, format)
	}
	if cfg.Width < limits.MinWidth || cfg.Height < limits.MinHeight {
		return Frame{}, fmt.Errorf("%w: %dx%d is smaller than %dx%d",
			ErrInvalidFrame, cfg.Width, cfg.Height, limits.MinWidth, limits.MinHeight)
	}

	return Frame{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
		Timestamp: time.Now(),
	}, nil
}
