package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f has a positive rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts a PCM16 stream of AudioFrames to a mono target
// format. It logs a warning on the first format mismatch and drops frames
// whose byte count does not divide into whole sample frames. Target.Channels
// is ignored: output is always mono.
//
// A converter carries resampling state from frame to frame, so create one per
// stream and do not share it across goroutines.
type FormatConverter struct {
	Target         Format
	resampler      *Resampler
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
//
// Channels are folded down before resampling so that multi-channel input is
// only resampled once.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   1,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == 1 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
			"to", Format{SampleRate: c.Target.SampleRate, Channels: 1}.String(),
		)
	})

	pcm := frame.Data
	if channels > 1 {
		pcm = Downmix16(pcm, channels)
	}
	if frame.SampleRate != c.Target.SampleRate {
		if c.resampler == nil || !c.resampler.converts(frame.SampleRate, c.Target.SampleRate) {
			c.resampler = NewResampler(frame.SampleRate, c.Target.SampleRate)
		}
		pcm = c.resampler.Process(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix16 averages every interleaved frame of channels int16 samples into a
// single mono sample, summing in int32 so the average cannot overflow.
// A channels value below 2 returns pcm unchanged.
func Downmix16(pcm []byte, channels int) []byte {
	if channels < 2 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resampler converts a continuous 16-bit mono PCM stream from one sample rate
// to another by linear interpolation. The read position and the last input
// sample carry over between calls to Process, so a stream fed in arbitrary
// chunks yields the same samples as the whole stream fed at once.
//
// Output sample k sits at input position k*src/dst. It is produced as soon as
// the input sample after that position has arrived.
type Resampler struct {
	src, dst int64
	in       int64 // input samples consumed
	out      int64 // output samples produced
	last     int16 // input sample in-1
}

// NewResampler returns a Resampler from srcRate to dstRate. If the rates are
// equal or either is not positive, Process passes its input through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

func (r *Resampler) converts(srcRate, dstRate int) bool {
	return r.src == int64(srcRate) && r.dst == int64(dstRate)
}

// Process consumes little-endian int16 samples and returns the resampled
// samples that became computable. A trailing odd byte is ignored.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return pcm
	}
	n := int64(len(pcm) / 2)
	if n == 0 {
		return nil
	}

	sample := func(i int64) int16 {
		if i < r.in {
			return r.last
		}
		j := (i - r.in) * 2
		return int16(pcm[j]) | int16(pcm[j+1])<<8
	}

	// Emit every k with k*src < end*dst, i.e. up to ceil(end*dst/src).
	end := r.in + n - 1
	limit := (end*r.dst + r.src - 1) / r.src
	count := max(limit-r.out, 0)

	out := make([]byte, count*2)
	for i := range count {
		pos := (r.out + i) * r.src
		idx := pos / r.dst
		frac := float64(pos%r.dst) / float64(r.dst)
		s0, s1 := sample(idx), sample(idx+1)
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}

	r.last = sample(end)
	r.out += count
	r.in += n
	return out
}
