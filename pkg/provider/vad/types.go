package vad

import "time"

// Result is the state of a VAD session after one Detect call.
type Result struct {
	// Type is the transition (or steady state) produced by this call.
	Type VADEventType

	// Speaking reports whether the stream is inside a speech segment.
	Speaking bool

	// SpeechStart is when the current segment began. Zero when not speaking.
	SpeechStart time.Time

	// Energy is the mean-square energy of the analysed window tail.
	Energy float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech detected.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech, including the grace period
	// after the last active window.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd
)

// String returns the lower-case name of t.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}
