// Package lipsync is the boundary between the audio core and an external
// animation driver.
//
// A driver poses an avatar once per render tick from two inputs: the current
// voice energy in [0, 1] and whether the agent is talking. [Loop] polls a
// [Signal] at the tick rate and hands each [Frame] to a [Driver].
package lipsync

import (
	"context"
	"sync"
	"time"
)

// Default timings.
const (
	// DefaultHangover keeps the talking flag up after the last audio chunk.
	DefaultHangover = 500 * time.Millisecond

	// DefaultTick is one frame at 60 Hz.
	DefaultTick = time.Second / 60
)

// Frame is one sample of the animation inputs.
type Frame struct {
	Energy  float64
	Talking bool
	At      time.Time
}

// Signal is what a driver polls.
type Signal interface {
	Energy() float64
	Talking() bool
}

// Driver poses an avatar. Pose is called from the [Loop] goroutine and must
// return quickly.
type Driver interface {
	Pose(Frame)
}

// DriverFunc adapts a function to [Driver].
type DriverFunc func(Frame)

// Pose implements [Driver].
func (f DriverFunc) Pose(fr Frame) { f(fr) }

// Hangover is a talking flag that stays up for a fixed window after each
// [Hangover.Mark]. It is safe for concurrent use.
type Hangover struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	until time.Time
}

// HangoverOption is a functional option for [NewHangover].
type HangoverOption func(*Hangover)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) HangoverOption {
	return func(h *Hangover) { h.now = now }
}

// NewHangover returns a flag with the given window. A non-positive window
// uses [DefaultHangover].
func NewHangover(window time.Duration, opts ...HangoverOption) *Hangover {
	if window <= 0 {
		window = DefaultHangover
	}
	h := &Hangover{window: window, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Mark raises the flag for one window from now.
func (h *Hangover) Mark() { h.Extend(h.Window()) }

// Extend raises the flag for at least d from now. It never shortens an
// existing deadline.
func (h *Hangover) Extend(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if until := h.now().Add(d); until.After(h.until) {
		h.until = until
	}
}

// Clear drops the flag immediately.
func (h *Hangover) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.until = time.Time{}
}

// Active reports whether the flag is up.
func (h *Hangover) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Before(h.until)
}

// Window returns the hangover applied by Mark.
func (h *Hangover) Window() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.window
}

// SetWindow changes the hangover applied by future Marks. Non-positive
// values are ignored.
func (h *Hangover) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.window = d
	h.mu.Unlock()
}

// Loop polls sig every interval and passes the result to driver until ctx is
// cancelled. It returns ctx.Err(). A non-positive interval uses
// [DefaultTick].
func Loop(ctx context.Context, sig Signal, driver Driver, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case at := <-ticker.C:
			driver.Pose(Frame{
				Energy:  sig.Energy(),
				Talking: sig.Talking(),
				At:      at,
			})
		}
	}
}
