// Package audio holds the sample formats and buffers of the detection
// pipeline: client frame conversion to mono float32 at the engine rate, Opus
// decoding and the rolling analysis window.
package audio

import "time"

// DefaultSampleRate is the rate the detection pipeline operates on unless
// configured otherwise.
const DefaultSampleRate = 16000

// AudioFrame is a single chunk of client audio as it arrives on a stream,
// before it is converted to the engine format and appended to a
// [StreamBuffer].
type AudioFrame struct {
	// Data is little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for browser capture, 16000 for the engine).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was received, relative to session start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Samples returns the number of samples per channel held by frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / 2 / ch
}
