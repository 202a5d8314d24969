//go:build portaudio

// Package portaudio implements [audio.OutputDevice] and [audio.InputDevice]
// on top of the PortAudio default host devices.
//
// Building it requires cgo and the PortAudio development headers, so it is
// only compiled with the "portaudio" build tag.
package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// DefaultFramesPerBuffer is the host buffer size requested from PortAudio.
const DefaultFramesPerBuffer = 320

// Output plays through the default output device.
type Output struct {
	// FramesPerBuffer is the host callback size. Defaults to
	// [DefaultFramesPerBuffer].
	FramesPerBuffer int
}

// Open implements [audio.OutputDevice].
func (o *Output) Open(format audio.Format, render audio.RenderFunc) (audio.Stream, error) {
	return open(format, framesOrDefault(o.FramesPerBuffer), 0, format.Channels, func(out []float32) {
		render(out)
	})
}

// Input records from the default input device.
type Input struct {
	// FramesPerBuffer is the host callback size. Defaults to
	// [DefaultFramesPerBuffer].
	FramesPerBuffer int
}

// Open implements [audio.InputDevice]. PortAudio does not report permission
// problems separately, so every failure wraps [audio.ErrNoDevice].
func (in *Input) Open(format audio.Format, capture audio.CaptureFunc) (audio.Stream, error) {
	return open(format, framesOrDefault(in.FramesPerBuffer), format.Channels, 0, func(in []float32) {
		capture(in)
	})
}

func framesOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return DefaultFramesPerBuffer
}

// stream owns one PortAudio stream plus its reference on the library.
type stream struct {
	s      *portaudio.Stream
	format audio.Format
	once   sync.Once
	err    error
}

func open(format audio.Format, frames, numIn, numOut int, callback func([]float32)) (audio.Stream, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("portaudio: invalid format %s: %w", format, audio.ErrNoDevice)
	}
	// Initialize and Terminate are reference counted by PortAudio.
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrNoDevice, err)
	}
	s, err := portaudio.OpenDefaultStream(numIn, numOut, float64(format.SampleRate), frames, callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open %s: %w: %w", format, audio.ErrNoDevice, err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start: %w: %w", audio.ErrNoDevice, err)
	}
	return &stream{s: s, format: format}, nil
}

func (s *stream) Format() audio.Format { return s.format }

// Close stops the stream, which blocks until the last callback has returned,
// then releases it.
func (s *stream) Close() error {
	s.once.Do(func() {
		if err := s.s.Stop(); err != nil {
			s.err = fmt.Errorf("portaudio: stop: %w", err)
		}
		if err := s.s.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("portaudio: close: %w", err)
		}
		_ = portaudio.Terminate()
	})
	return s.err
}
