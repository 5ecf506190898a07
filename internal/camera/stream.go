package camera

import (
	"context"
	"image"
	"time"
)

// Default capture settings.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
	DefaultFPS    = 15
)

// Constraints describe the requested stream.
type Constraints struct {
	// DevicePath pins an exact device. Empty means "prefer Facing".
	DevicePath      string
	Facing          Facing
	Width           int
	Height          int
	FPS             int
	ContinuousFocus bool
}

// WithDefaults fills zero fields.
func (c Constraints) WithDefaults() Constraints {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Facing == "" {
		c.Facing = FacingBack
	}
	return c
}

// Frame is one decoded video frame.
type Frame struct {
	Image image.Image
	Seq   uint64
	At    time.Time
}

// Stream is a live capture. Frames delivers only the latest frame; a slow
// consumer misses intermediate ones.
type Stream interface {
	Device() Device
	Frames() <-chan Frame
	TorchCapable() bool
	ApplyTorch(ctx context.Context, on bool) error
	// Stop releases the device. It is idempotent.
	Stop()
	// Done is closed once the stream has ended for any reason.
	Done() <-chan struct{}
	// Err reports why the stream ended, nil after a plain Stop.
	Err() error
}

// Source opens streams.
type Source interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// offerLatest replaces any unread frame with f.
func offerLatest(ch chan Frame, f Frame) {
	for {
		select {
		case ch <- f:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
