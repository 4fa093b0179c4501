package audio

import "time"

// StreamBuffer is a fixed-capacity FIFO of float32 samples holding the most
// recent audio of one stream. Pushing beyond capacity silently evicts the
// oldest samples, so memory and window length stay bounded regardless of how
// fast the producer is.
//
// A StreamBuffer is owned by exactly one session and is not safe for
// concurrent use.
type StreamBuffer struct {
	buf        []float32
	start      int // index of the oldest sample
	n          int // number of valid samples
	sampleRate int
}

// NewStreamBuffer returns a buffer holding sampleRate*seconds samples. The
// capacity is at least one sample.
func NewStreamBuffer(sampleRate int, seconds float64) *StreamBuffer {
	capacity := int(float64(sampleRate) * seconds)
	if capacity < 1 {
		capacity = 1
	}
	return &StreamBuffer{
		buf:        make([]float32, capacity),
		sampleRate: sampleRate,
	}
}

// Push appends chunk, evicting the oldest samples when the result would
// exceed capacity. An empty chunk is rejected with [ErrEmptyChunk] and leaves
// the buffer unchanged.
func (b *StreamBuffer) Push(chunk []float32) error {
	if len(chunk) == 0 {
		return ErrEmptyChunk
	}
	c := len(b.buf)

	// Only the newest c samples of an oversized chunk can survive.
	if len(chunk) >= c {
		copy(b.buf, chunk[len(chunk)-c:])
		b.start = 0
		b.n = c
		return nil
	}

	end := (b.start + b.n) % c
	written := copy(b.buf[end:], chunk)
	if written < len(chunk) {
		copy(b.buf, chunk[written:])
	}

	b.n += len(chunk)
	if b.n > c {
		b.start = (b.start + b.n - c) % c
		b.n = c
	}
	return nil
}

// Snapshot returns a copy of the buffered samples, oldest first.
func (b *StreamBuffer) Snapshot() []float32 {
	out := make([]float32, b.n)
	c := len(b.buf)
	first := copy(out, b.buf[b.start:min(b.start+b.n, c)])
	if first < b.n {
		copy(out[first:], b.buf[:b.n-first])
	}
	return out
}

// Len returns the number of buffered samples.
func (b *StreamBuffer) Len() int { return b.n }

// Cap returns the maximum number of samples the buffer retains.
func (b *StreamBuffer) Cap() int { return len(b.buf) }

// SampleRate returns the rate used to convert sample counts to durations.
func (b *StreamBuffer) SampleRate() int { return b.sampleRate }

// Duration returns how much audio is currently buffered.
func (b *StreamBuffer) Duration() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.n) * int64(time.Second) / int64(b.sampleRate))
}

// Reset discards all buffered samples.
func (b *StreamBuffer) Reset() {
	b.start = 0
	b.n = 0
}
