// Package capture owns the station camera. A Manager holds at most one open
// stream and exposes only its latest frame.
package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNotFound         = errors.New("camera not found")
	ErrUnsupported      = errors.New("camera constraints unsupported")
	ErrTimeout          = errors.New("camera did not become ready in time")
	ErrAborted          = errors.New("camera acquisition aborted")
	ErrNotAcquired      = errors.New("camera not acquired")
	ErrStreamLost       = errors.New("camera stream ended")
)

// Facing selects which camera to use on devices with several.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Constraints describe the stream the station asks for. Zero width or height
// keeps the native resolution.
type Constraints struct {
	Width  int
	Height int
	Facing Facing
}

func (c Constraints) facing() Facing {
	if c.Facing == "" {
		return FacingFront
	}
	return c.Facing
}

// Frame is one still taken from a stream.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Stream delivers frames until stopped. Stop is idempotent and closes the
// Frames channel.
type Stream interface {
	Frames() <-chan Frame
	Stop() error
}

// Device opens streams. Open returns one of the package errors, possibly
// wrapped, when the camera cannot be used.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}
