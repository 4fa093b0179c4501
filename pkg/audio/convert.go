package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter brings client frames into the engine format (mono int16 at
// Target.SampleRate) and decodes them to float samples. It logs once on the
// first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// NewFormatConverter returns a converter targeting mono audio at sampleRate.
func NewFormatConverter(sampleRate int) *FormatConverter {
	return &FormatConverter{Target: Format{SampleRate: sampleRate, Channels: 1}}
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Resampling happens before channel conversion so a stereo source destined for
// mono output is only downmixed once.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if len(frame.Data) == 0 {
		return AudioFrame{}, ErrEmptyChunk
	}
	if len(frame.Data)%2 != 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert %d bytes: %w", len(frame.Data), ErrOddLength)
	}
	if frame.SampleRate <= 0 || frame.Channels < 1 || frame.Channels > 2 {
		return AudioFrame{}, fmt.Errorf("audio: convert from %s: %w",
			formatString(frame.SampleRate, frame.Channels), ErrUnsupportedFormat)
	}
	if c.Target.Channels < 1 || c.Target.Channels > 2 || c.Target.SampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert to %s: %w",
			formatString(c.Target.SampleRate, c.Target.Channels), ErrUnsupportedFormat)
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		pcm = resampleInterleaved16(pcm, frame.Channels, frame.SampleRate, c.Target.SampleRate)
	}
	switch {
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}, nil
}

// Samples converts frame and decodes the result to float32 samples ready for
// a [StreamBuffer].
func (c *FormatConverter) Samples(frame AudioFrame) ([]float32, error) {
	out, err := c.Convert(frame)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat32(out.Data)
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L and R of each 4-byte stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Invalid or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleInterleaved16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 is [ResampleMono16] for interleaved stereo PCM.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleInterleaved16(pcm, 2, srcRate, dstRate)
}

func resampleInterleaved16(pcm []byte, channels, srcRate, dstRate int) []byte {
	frameBytes := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int32) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// formatString returns e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
