package session

import (
	"errors"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
)

var (
	// ErrAudioProcessing marks a chunk that could not be decoded, converted or
	// buffered. The chunk is dropped and the session keeps streaming.
	ErrAudioProcessing = errors.New("session: audio processing failed")

	// ErrTransientProcessing marks a window whose feature extraction or
	// scoring failed. The window is skipped and the session keeps streaming.
	ErrTransientProcessing = errors.New("session: transient processing failure")

	// ErrModelState is returned by [Manager.Open] when no acoustic model is
	// available to serve a new session.
	ErrModelState = errors.New("session: acoustic model unavailable")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session: closed")

	// ErrInvalidControl is reported for control messages that cannot be
	// parsed or applied.
	ErrInvalidControl = errors.New("session: invalid control message")
)

// Error kinds carried in error frames and HTTP error bodies.
const (
	KindAudioProcessing     = "audio_processing"
	KindTransientProcessing = "transient_processing"
	KindValidation          = "validation"
	KindModelState          = "model_state"
	KindInternal            = "internal"
)

// Kind maps err to its machine-readable kind.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAudioProcessing):
		return KindAudioProcessing
	case errors.Is(err, ErrTransientProcessing):
		return KindTransientProcessing
	case errors.Is(err, ErrModelState):
		return KindModelState
	case errors.Is(err, ErrInvalidControl),
		errors.Is(err, keyword.ErrValidation),
		errors.Is(err, detect.ErrInvalidConfig):
		return KindValidation
	default:
		return KindInternal
	}
}
