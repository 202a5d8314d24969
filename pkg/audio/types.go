package audio

import "time"

// Wire format constants. Both directions of the voice channel carry mono
// little-endian PCM16 at 16 kHz.
const (
	WireSampleRate = 16000
	WireChannels   = 1
)

// WireFormat is the fixed audio format spoken on the channel.
var WireFormat = Format{SampleRate: WireSampleRate, Channels: WireChannels}

// AudioFrame represents a single frame of PCM16 audio flowing through the
// capture pipeline. Frames are emitted to a sink and then discarded; sinks
// must copy Data if they retain it.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (16000 for frames leaving the capture pipeline).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of PCM16 samples per channel carried by f.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Chunk is an immutable buffer of normalized mono samples decoded from an
// inbound wire message. It is handed to the playback scheduler, which owns it
// until it has been played out.
type Chunk struct {
	// Samples are normalized to [-1, 1).
	Samples []float32

	// SampleRate in Hz. Decoded chunks are always [WireSampleRate].
	SampleRate int
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return len(c.Samples) }

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return SamplesToDuration(int64(len(c.Samples)), c.SampleRate)
}

// SamplesToDuration converts a sample count at rate to a duration.
func SamplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d to a whole number of samples at rate,
// truncating any fractional sample.
func DurationToSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int64(d) * int64(rate) / int64(time.Second)
}
