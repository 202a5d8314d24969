// Package playback stitches independently arriving audio chunks into one
// continuous output stream.
//
// The [Scheduler] is driven by its output device: the device pulls samples
// through a render callback and the number of frames rendered so far is the
// audio clock. Every enqueued chunk is placed at max(clock, next) on that
// clock, so chunks delivered faster than real time play back to back with
// no gap or overlap. When the network falls behind and the clock overtakes
// the cursor, the next chunk starts immediately and the silence in between is
// reported as a gap.
//
// Rendered samples, including the silence between chunks, are written to an
// optional energy tap as they are handed to the device. The tap therefore
// only ever sees audible sound, never queued audio.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/energy"
)

var (
	// ErrNotInitialized is returned by [Scheduler.Enqueue] before
	// [Scheduler.Initialize] succeeded.
	ErrNotInitialized = errors.New("playback: scheduler not initialized")

	// ErrClosed is returned after [Scheduler.Close].
	ErrClosed = errors.New("playback: scheduler closed")
)

// Placement describes where an enqueued chunk landed on the audio clock.
type Placement struct {
	// Start and End bound the chunk's playback interval, [Start, End).
	Start time.Duration
	End   time.Duration

	// Lead is how far ahead of the clock the chunk was placed.
	Lead time.Duration

	// Gap is the silence between the previous chunk's end and Start. It is
	// zero when chunks arrive faster than they play.
	Gap time.Duration
}

// scheduled is a chunk placed at an absolute sample position.
type scheduled struct {
	start   int64
	samples []float32
}

func (s scheduled) end() int64 { return s.start + int64(len(s.samples)) }

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithTap sets the tap that receives every rendered block.
func WithTap(tap energy.Tap) Option {
	return func(s *Scheduler) { s.tap = tap }
}

// WithSampleRate sets the output sample rate. Defaults to
// [audio.WireSampleRate]. Enqueued chunks must match it.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithObserver registers fn to be called after every successful placement,
// outside the scheduler lock.
func WithObserver(fn func(Placement)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// Scheduler is the gapless playback queue in front of an output device.
//
// Enqueue is expected to be called from a single producer (the network
// receive path) while the device renders from its own goroutine. A short
// mutex guards the queue, cursor and clock; the tap is written outside it.
type Scheduler struct {
	dev      audio.OutputDevice
	rate     int
	tap      energy.Tap
	observer func(Placement)

	// lifeMu serialises Initialize and Close. It is never taken from the
	// render callback.
	lifeMu sync.Mutex
	stream audio.Stream

	mu          sync.Mutex
	initialized bool
	closed      bool
	clock       int64
	cursor      Cursor
	queue       []scheduled
}

// New creates a Scheduler that will play through dev once initialized.
func New(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:  dev,
		rate: audio.WireSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize opens the output device and aligns the cursor with the current
// clock. Calling it again after a successful call is a no-op.
func (s *Scheduler) Initialize() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	closed, initialized := s.closed, s.initialized
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if initialized {
		return nil
	}

	want := audio.Format{SampleRate: s.rate, Channels: 1}
	stream, err := s.dev.Open(want, s.render)
	if err != nil {
		return fmt.Errorf("playback: open output device: %w", err)
	}
	if got := stream.Format(); got != want {
		slog.Warn("playback: output device format differs from requested",
			"requested", want.String(),
			"actual", got.String(),
		)
	}

	s.mu.Lock()
	s.stream = stream
	s.initialized = true
	s.cursor.Sync(s.clock)
	s.mu.Unlock()

	slog.Debug("playback: output initialized", "format", want.String())
	return nil
}

// Enqueue schedules c to start at max(clock, next). Empty chunks are
// accepted and ignored.
func (s *Scheduler) Enqueue(c audio.Chunk) (Placement, error) {
	if c.SampleRate != 0 && c.SampleRate != s.rate {
		return Placement{}, fmt.Errorf("playback: chunk sample rate %d does not match output rate %d", c.SampleRate, s.rate)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return Placement{}, ErrClosed
	case !s.initialized:
		s.mu.Unlock()
		return Placement{}, ErrNotInitialized
	}

	now := s.clock
	if c.Len() == 0 {
		at := s.toDuration(max(now, s.cursor.Next()))
		s.mu.Unlock()
		return Placement{Start: at, End: at}, nil
	}

	prev := s.cursor.Next()
	start := s.cursor.Place(now, c.Len())
	s.queue = append(s.queue, scheduled{start: start, samples: c.Samples})
	p := Placement{
		Start: s.toDuration(start),
		End:   s.toDuration(s.cursor.Next()),
		Lead:  s.toDuration(start - now),
		Gap:   s.toDuration(start - prev),
	}
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(p)
	}
	return p, nil
}

// render is the device callback. It fills out with whatever is scheduled in
// [clock, clock+len(out)), silence elsewhere, and advances the clock.
func (s *Scheduler) render(out []float32) {
	clear(out)

	s.mu.Lock()
	from := s.clock
	to := from + int64(len(out))
	keep := s.queue[:0]
	for _, ch := range s.queue {
		lo, hi := max(ch.start, from), min(ch.end(), to)
		if lo < hi {
			copy(out[lo-from:hi-from], ch.samples[lo-ch.start:hi-ch.start])
		}
		if ch.end() > to {
			keep = append(keep, ch)
		}
	}
	clear(s.queue[len(keep):])
	s.queue = keep
	s.clock = to
	s.mu.Unlock()

	if s.tap != nil {
		s.tap.Write(out)
	}
}

// CurrentTime returns the audio clock: how much audio the device has played
// since Initialize.
func (s *Scheduler) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toDuration(s.clock)
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns how much scheduled audio has not been played yet.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toDuration(max(s.cursor.Next()-s.clock, 0))
}

// Close stops the output device and drops any audio still queued. When Close
// returns the render callback is no longer running. Close is idempotent.
func (s *Scheduler) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	// Closing the stream waits for an in-flight render, which takes s.mu.
	var err error
	if stream != nil {
		err = stream.Close()
	}

	s.mu.Lock()
	clear(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("playback: close output device: %w", err)
	}
	return nil
}

func (s *Scheduler) toDuration(samples int64) time.Duration {
	return audio.SamplesToDuration(samples, s.rate)
}
