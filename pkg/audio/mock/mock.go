// Package mock provides manually driven implementations of the
// [audio.OutputDevice] and [audio.InputDevice] interfaces for use in unit
// tests.
//
// Neither device runs a goroutine of its own. Tests advance time explicitly:
// [OutputDevice.Pump] pulls a block of samples through the registered render
// callback, and [InputDevice.Push] delivers a block of microphone samples to
// the registered capture callback. Both hold the device lock for the duration
// of the callback, so closing the stream waits for an in-flight callback to
// return, matching the synchronous teardown real backends provide.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.OutputDevice{}
//	sched := playback.New(out)
//	_ = sched.Initialize()
//	_, _ = sched.Enqueue(chunk)
//	played := out.Pump(8000)
package mock

import (
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// stream is the [audio.Stream] handed out by both mock devices.
type stream struct {
	format audio.Format
	close  func() error
}

func (s *stream) Format() audio.Format { return s.format }
func (s *stream) Close() error         { return s.close() }

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
// Set the exported fields before use; inspect the Call* fields after.
type OutputDevice struct {
	mu     sync.Mutex
	render audio.RenderFunc
	format audio.Format
	open   bool

	// OpenError is returned by [OutputDevice.Open] when non-nil.
	OpenError error

	// OpenCalls records the format requested by every Open invocation.
	OpenCalls []audio.Format

	// CallCountClose records how many times the returned stream was closed,
	// including redundant closes.
	CallCountClose int

	// FramesRendered is the total number of frames pulled through Pump. It is
	// the device's audio clock.
	FramesRendered int64
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(format audio.Format, render audio.RenderFunc) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, format)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	d.render = render
	d.format = format
	d.open = true
	return &stream{format: format, close: d.closeStream}, nil
}

func (d *OutputDevice) closeStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.open = false
	d.render = nil
	return nil
}

// Pump renders frames frames through the registered callback and returns a
// copy of the interleaved samples. It returns nil when no stream is open.
func (d *OutputDevice) Pump(frames int) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open || frames <= 0 {
		return nil
	}
	out := make([]float32, frames*max(d.format.Channels, 1))
	d.render(out)
	d.FramesRendered += int64(frames)
	return out
}

// IsOpen reports whether a stream is currently open.
func (d *OutputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu      sync.Mutex
	capture audio.CaptureFunc
	open    bool

	// OpenError is returned by [InputDevice.Open] when non-nil. Use an error
	// wrapping [audio.ErrPermissionDenied] or [audio.ErrNoDevice].
	OpenError error

	// FormatResult overrides the format reported by the opened stream, to
	// simulate hardware that ignores the requested rate. Zero means the
	// requested format is honoured.
	FormatResult audio.Format

	// OpenCalls records the format requested by every Open invocation.
	OpenCalls []audio.Format

	// CallCountClose records how many times the returned stream was closed.
	CallCountClose int
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(format audio.Format, capture audio.CaptureFunc) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, format)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.FormatResult.Valid() {
		format = d.FormatResult
	}
	d.capture = capture
	d.open = true
	return &stream{format: format, close: d.closeStream}, nil
}

func (d *InputDevice) closeStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.open = false
	d.capture = nil
	return nil
}

// Push delivers samples to the registered capture callback and reports
// whether a stream was open to receive them.
func (d *InputDevice) Push(samples []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false
	}
	d.capture(samples)
	return true
}

// IsOpen reports whether a stream is currently open.
func (d *InputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
