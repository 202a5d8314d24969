package audio

import "errors"

// Device errors. Input backends wrap one of these so callers can tell a
// denied permission apart from missing hardware with [errors.Is].
var (
	// ErrPermissionDenied is returned when the user or OS refuses access to
	// the microphone.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoDevice is returned when no suitable device exists or the device
	// failed to open.
	ErrNoDevice = errors.New("audio: no device")
)

// RenderFunc fills out with the next len(out) interleaved samples to play.
// It is invoked from the device's own goroutine and must not block.
type RenderFunc func(out []float32)

// CaptureFunc receives the next block of interleaved samples recorded by an
// input device. The slice is only valid for the duration of the call.
type CaptureFunc func(in []float32)

// Stream is an open device stream.
type Stream interface {
	// Format returns the format the device actually runs at, which may differ
	// from the requested one.
	Format() Format

	// Close stops the stream. When Close returns, the device callback is not
	// running and will not be invoked again. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// OutputDevice is a speaker backend that pulls samples through a
// [RenderFunc]. The number of frames rendered so far is the device's audio
// clock.
type OutputDevice interface {
	// Open starts pulling samples from render at the requested format.
	Open(format Format, render RenderFunc) (Stream, error)
}

// InputDevice is a microphone backend that pushes samples to a
// [CaptureFunc].
//
// Open returns an error wrapping [ErrPermissionDenied] or [ErrNoDevice] when
// capture cannot start.
type InputDevice interface {
	Open(format Format, capture CaptureFunc) (Stream, error)
}
