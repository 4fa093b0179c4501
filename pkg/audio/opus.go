package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the longest frame duration an Opus packet may carry.
const maxOpusFrameMs = 120

// OpusDecoder decodes a single client's Opus packets into int16 PCM. Decoder
// state spans consecutive packets, so each stream needs its own instance.
type OpusDecoder struct {
	dec      *gopus.Decoder
	format   Format
	maxFrame int
}

// NewOpusDecoder creates a decoder for the given stream format. Opus only
// supports 8, 12, 16, 24 and 48 kHz with one or two channels.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("audio: opus sample rate %d: %w", sampleRate, ErrUnsupportedFormat)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus channels %d: %w", channels, ErrUnsupportedFormat)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		format:   Format{SampleRate: sampleRate, Channels: channels},
		maxFrame: sampleRate * maxOpusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into an [AudioFrame] in the decoder's format.
func (d *OpusDecoder) Decode(packet []byte) (AudioFrame, error) {
	if len(packet) == 0 {
		return AudioFrame{}, ErrEmptyChunk
	}
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return AudioFrame{
		Data:       Int16sToBytes(pcm),
		SampleRate: d.format.SampleRate,
		Channels:   d.format.Channels,
	}, nil
}

// Format returns the PCM format produced by Decode.
func (d *OpusDecoder) Format() Format { return d.format }
