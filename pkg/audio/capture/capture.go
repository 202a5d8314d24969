// Package capture turns a live microphone stream into fixed-size wire frames.
//
// Device callbacks deliver float32 samples in whatever format the hardware
// runs at. The [Pipeline] encodes them to PCM16, converts them to 16 kHz mono
// and slices the result into blocks of a fixed sample count (4096 by
// default, 256 ms). Each complete block is handed to the [Sink] registered at
// construction and then forgotten.
//
// The sink runs on the device callback goroutine while the pipeline lock is
// held. It must not block and must not call [Pipeline.Stop]; anything slow
// (a network send) belongs behind a queue.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// DefaultBlockSize is the number of samples per emitted frame.
const DefaultBlockSize = 4096

// Sink receives each completed frame. frame.Data is owned by the sink.
type Sink func(frame audio.AudioFrame)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithBlockSize sets the number of 16 kHz samples per emitted frame.
// Non-positive values are ignored.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithFormat sets the format requested from the input device. The pipeline
// converts whatever the device delivers to [audio.WireFormat]. Defaults to
// the wire format itself.
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.format = f
		}
	}
}

// Pipeline is a start/stop microphone capture session feeding a [Sink].
type Pipeline struct {
	dev       audio.InputDevice
	sink      Sink
	blockSize int
	format    audio.Format

	// lifeMu serialises Start and Stop. It is never taken from the device
	// callback.
	lifeMu sync.Mutex
	stream audio.Stream

	// mu is held by the device callback for its whole run, including sink
	// invocations, so that Stop can wait it out.
	mu      sync.Mutex
	running bool
	src     audio.Format
	conv    *audio.FormatConverter
	pending []byte
	emitted int64 // samples emitted this session, for timestamps

	frames atomic.Uint64
}

// New creates a Pipeline reading from dev and emitting to sink.
func New(dev audio.InputDevice, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:       dev,
		sink:      sink,
		blockSize: DefaultBlockSize,
		format:    audio.WireFormat,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the input device and begins emitting frames. The returned
// error wraps [audio.ErrPermissionDenied] or [audio.ErrNoDevice]. Calling
// Start while already running is a no-op. Start never retries.
func (p *Pipeline) Start() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.src = p.format
	p.conv = &audio.FormatConverter{Target: audio.WireFormat}
	p.pending = p.pending[:0]
	p.emitted = 0
	p.mu.Unlock()

	stream, err := p.dev.Open(p.format, p.onSamples)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		if !errors.Is(err, audio.ErrPermissionDenied) && !errors.Is(err, audio.ErrNoDevice) {
			err = fmt.Errorf("%w: %w", audio.ErrNoDevice, err)
		}
		return fmt.Errorf("capture: start: %w", err)
	}

	p.mu.Lock()
	p.src = stream.Format()
	p.mu.Unlock()
	p.stream = stream

	slog.Debug("capture: started",
		"requested", p.format.String(),
		"device", stream.Format().String(),
		"block_size", p.blockSize,
	)
	return nil
}

// Stop releases the input device. When Stop returns, no further frames will
// be delivered to the sink. A partially filled block is discarded. Stop is
// idempotent and may be called at any time, including while a device
// callback is in flight.
func (p *Pipeline) Stop() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	// Waits for an in-flight callback to finish emitting.
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.pending = p.pending[:0]
	p.mu.Unlock()

	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			slog.Warn("capture: closing input device", "err", err)
		}
		p.stream = nil
	}
	slog.Debug("capture: stopped", "frames", p.frames.Load())
}

// Running reports whether the pipeline is between Start and Stop.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// FramesEmitted returns the total number of frames delivered to the sink
// over the pipeline's lifetime.
func (p *Pipeline) FramesEmitted() uint64 {
	return p.frames.Load()
}

// onSamples is the device callback.
func (p *Pipeline) onSamples(in []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || len(in) == 0 {
		return
	}

	frame := p.conv.Convert(audio.AudioFrame{
		Data:       audio.EncodePCM16(in),
		SampleRate: p.src.SampleRate,
		Channels:   p.src.Channels,
	})
	p.pending = append(p.pending, frame.Data...)

	blockBytes := p.blockSize * 2
	for len(p.pending) >= blockBytes {
		data := make([]byte, blockBytes)
		copy(data, p.pending)
		n := copy(p.pending, p.pending[blockBytes:])
		p.pending = p.pending[:n]

		out := audio.AudioFrame{
			Data:       data,
			SampleRate: audio.WireSampleRate,
			Channels:   audio.WireChannels,
			Timestamp:  audio.SamplesToDuration(p.emitted, audio.WireSampleRate),
		}
		p.emitted += int64(p.blockSize)
		p.frames.Add(1)
		p.sink(out)
	}
}
