package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyChunk is returned when a zero-length chunk is pushed or decoded.
	ErrEmptyChunk = errors.New("audio: empty chunk")

	// ErrOddLength is returned when int16 PCM data has an odd byte count.
	ErrOddLength = errors.New("audio: odd byte count in int16 PCM")

	// ErrUnsupportedFormat is returned for channel layouts or sample rates the
	// converter cannot handle.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)

// pcmScale maps int16 samples onto [-1, 1).
const pcmScale = 32768.0

// PCM16ToFloat32 decodes little-endian int16 PCM into float32 samples in the
// range [-1, 1).
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyChunk
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: decode %d bytes: %w", len(pcm), ErrOddLength)
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / pcmScale
	}
	return out, nil
}

// Float32ToPCM16 encodes float samples as little-endian int16 PCM, clamping
// values outside [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := float64(f) * pcmScale
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// MeanSquare returns the mean of the squared samples, or 0 for an empty slice.
func MeanSquare(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return sum / float64(len(samples))
}
