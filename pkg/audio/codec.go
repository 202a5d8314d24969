package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DecodeError reports a malformed wire audio payload. The offending chunk is
// dropped by callers; a DecodeError never affects scheduler state.
type DecodeError struct {
	// Reason is a short description of what was wrong with the payload.
	Reason string

	// Len is the length in bytes of the (decoded or raw) payload.
	Len int

	// Err is the underlying error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s (%d bytes): %v", e.Reason, e.Len, e.Err)
	}
	return fmt.Sprintf("audio: decode: %s (%d bytes)", e.Reason, e.Len)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeBase64 decodes a base64-encoded little-endian PCM16 mono payload into
// a [Chunk] at [WireSampleRate].
func DecodeBase64(s string) (Chunk, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Chunk{}, &DecodeError{Reason: "malformed base64", Len: len(s), Err: err}
	}
	return DecodePCM16(raw)
}

// DecodePCM16 converts little-endian PCM16 mono bytes into normalized samples
// (sample/32768). An odd byte count is rejected.
func DecodePCM16(b []byte) (Chunk, error) {
	if len(b)%2 != 0 {
		return Chunk{}, &DecodeError{Reason: "odd byte count for int16 PCM", Len: len(b)}
	}
	samples := make([]float32, len(b)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		samples[i] = float32(s) / 32768.0
	}
	return Chunk{Samples: samples, SampleRate: WireSampleRate}, nil
}

// EncodePCM16 clamps each sample to [-1, 1] and packs it as little-endian
// int16. Negative values scale by 0x8000 and non-negative values by 0x7FFF so
// that full-scale input never overflows.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToPCM16(s)))
	}
	return out
}

// EncodeBase64 is [EncodePCM16] followed by standard base64 encoding, the
// format of inbound AUDIO messages.
func EncodeBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

func floatToPCM16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	case s != s: // NaN
		s = 0
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}
