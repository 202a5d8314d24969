// Package energy converts the audio that is actually being played into a
// smoothed loudness value in [0, 1] suitable for driving mouth animation.
//
// The playback scheduler writes every rendered block to a [Tap]. The
// [Analyzer] keeps the most recent window of those samples and, on each
// [Analyzer.Energy] call, computes their RMS, runs it through a one-pole
// low-pass filter and applies a fixed gain:
//
//	smoothed = smoothed*(1-alpha) + rms*alpha
//	energy   = min(1, smoothed*gain)
//
// Energy is meant to be polled once per render tick. The smoothing state only
// advances on a poll, so the result is deterministic for a given sequence of
// writes and polls.
package energy

import (
	"log/slog"
	"math"
	"sync"
)

// Defaults match the mouth-driver calibration of the avatar client.
const (
	DefaultAlpha  = 0.25
	DefaultGain   = 4.5
	DefaultWindow = 1024
)

// Tap receives the samples the output device is about to play.
// Write must not retain samples after it returns.
type Tap interface {
	Write(samples []float32)
}

// Option is a functional option for [New].
type Option func(*Analyzer)

// WithAlpha sets the low-pass coefficient. Values outside (0, 1] are ignored.
func WithAlpha(alpha float64) Option {
	return func(a *Analyzer) {
		if validAlpha(alpha) {
			a.alpha = alpha
		}
	}
}

// WithGain sets the gain applied after smoothing. Non-positive values are
// ignored.
func WithGain(gain float64) Option {
	return func(a *Analyzer) {
		if validGain(gain) {
			a.gain = gain
		}
	}
}

// WithWindow sets the number of most recent samples the RMS is computed
// over. Non-positive values are ignored.
func WithWindow(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.window = n
		}
	}
}

// Analyzer is a [Tap] that exposes the loudness of recently played audio.
// It is safe for concurrent use: the device goroutine writes while the
// animation loop polls.
type Analyzer struct {
	mu       sync.Mutex
	window   int
	ring     []float32
	pos      int
	tapped   bool
	alpha    float64
	gain     float64
	smoothed float64
}

// New returns an Analyzer with the default calibration, modified by opts.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		window: DefaultWindow,
		alpha:  DefaultAlpha,
		gain:   DefaultGain,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float32, a.window)
	return a
}

// Write implements [Tap]. Only the last Window samples are retained.
func (a *Analyzer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tapped = true
	if len(samples) >= len(a.ring) {
		copy(a.ring, samples[len(samples)-len(a.ring):])
		a.pos = 0
		return
	}
	n := copy(a.ring[a.pos:], samples)
	if n < len(samples) {
		copy(a.ring, samples[n:])
	}
	a.pos = (a.pos + len(samples)) % len(a.ring)
}

// Energy advances the smoothing filter by one step and returns the current
// loudness in [0, 1]. It returns 0 until the first sample has been tapped.
func (a *Analyzer) Energy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.tapped {
		return 0
	}
	rms := RMS(a.ring)
	a.smoothed = a.smoothed*(1-a.alpha) + rms*a.alpha
	return clamp01(a.smoothed * a.gain)
}

// SetCalibration replaces alpha and gain at runtime. The smoothing state is
// kept so the output does not jump. Invalid values leave the current
// calibration untouched.
func (a *Analyzer) SetCalibration(alpha, gain float64) {
	if !validAlpha(alpha) || !validGain(gain) {
		slog.Warn("energy: ignoring invalid calibration", "alpha", alpha, "gain", gain)
		return
	}
	a.mu.Lock()
	a.alpha, a.gain = alpha, gain
	a.mu.Unlock()
}

// Calibration returns the current alpha and gain.
func (a *Analyzer) Calibration() (alpha, gain float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alpha, a.gain
}

// Reset clears the sample window and the smoothing state. Energy returns 0
// again until the next write.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	a.pos = 0
	a.tapped = false
	a.smoothed = 0
}

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clamp01(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < 0 || math.IsNaN(v):
		return 0
	}
	return v
}

func validAlpha(alpha float64) bool { return alpha > 0 && alpha <= 1 }

func validGain(gain float64) bool { return gain > 0 && !math.IsInf(gain, 0) }
