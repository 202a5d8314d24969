// Package virtual provides wall-clock paced audio devices that need no sound
// hardware. They are the default backends for headless runs and integration
// tests.
//
// [Output] pulls a block from its render callback once per period and
// optionally writes it to an [io.Writer] as little-endian PCM16. [Input]
// delivers one block per period read from an [io.Reader] of PCM16, or
// silence when no reader is set.
package virtual

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// DefaultPeriod is the callback cadence of both devices.
const DefaultPeriod = 20 * time.Millisecond

// pacer runs fn once per period on its own goroutine until stopped.
type pacer struct {
	format audio.Format
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func startPacer(format audio.Format, period time.Duration, fn func()) *pacer {
	p := &pacer{
		format: format,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				// A stop that raced the tick wins.
				select {
				case <-p.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return p
}

func (p *pacer) Format() audio.Format { return p.format }

// Close stops the goroutine and waits for an in-flight callback to return.
func (p *pacer) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func framesPerPeriod(f audio.Format, period time.Duration) int {
	return max(int(audio.DurationToSamples(period, f.SampleRate)), 1)
}

// Output is a paced [audio.OutputDevice].
type Output struct {
	// Period is the render cadence. Defaults to [DefaultPeriod].
	Period time.Duration

	// W receives rendered audio as PCM16 when non-nil. Write errors are
	// logged once and further output is discarded.
	W io.Writer
}

// Open implements [audio.OutputDevice].
func (o *Output) Open(format audio.Format, render audio.RenderFunc) (audio.Stream, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("virtual: invalid output format %s: %w", format, audio.ErrNoDevice)
	}
	period := o.period()
	buf := make([]float32, framesPerPeriod(format, period)*format.Channels)
	w := o.W
	var warned bool
	return startPacer(format, period, func() {
		render(buf)
		if w == nil || warned {
			return
		}
		if _, err := w.Write(audio.EncodePCM16(buf)); err != nil {
			warned = true
			slog.Warn("virtual output: write failed, discarding further audio", "err", err)
		}
	}), nil
}

func (o *Output) period() time.Duration {
	if o.Period > 0 {
		return o.Period
	}
	return DefaultPeriod
}

// Input is a paced [audio.InputDevice].
type Input struct {
	// Period is the capture cadence. Defaults to [DefaultPeriod].
	Period time.Duration

	// R supplies interleaved little-endian PCM16 in the requested format.
	// When nil, or once R is exhausted, the device delivers silence.
	R io.Reader
}

// Open implements [audio.InputDevice].
func (in *Input) Open(format audio.Format, capture audio.CaptureFunc) (audio.Stream, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("virtual: invalid input format %s: %w", format, audio.ErrNoDevice)
	}
	period := in.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	samples := make([]float32, framesPerPeriod(format, period)*format.Channels)
	raw := make([]byte, len(samples)*2)
	// Only touched from the pacer goroutine.
	r := in.R
	return startPacer(format, period, func() {
		clear(samples)
		if r != nil {
			n, err := io.ReadFull(r, raw)
			if chunk, derr := audio.DecodePCM16(raw[:n&^1]); derr == nil {
				copy(samples, chunk.Samples)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Warn("virtual input: read failed, switching to silence", "err", err)
				}
				r = nil
			}
		}
		capture(samples)
	}), nil
}
