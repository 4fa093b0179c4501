package session

import (
	"context"
	"time"
)

// Frame types and log types sent to streaming clients.
const (
	FrameResult = "result"
	FrameLog    = "log"

	LogSystem  = "system"
	LogWarning = "warning"
	LogError   = "error"
)

// Frame is one JSON message sent to a client. Result frames carry Data;
// log frames carry LogType, Message and, for errors, Kind.
type Frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	LogType string `json:"log_type,omitempty"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// DetectionData is the payload of a result frame for a fired keyword.
// Times are Unix seconds; StartTime is null when the speech start is
// unknown.
type DetectionData struct {
	Status          string             `json:"status"`
	KeywordDetected bool               `json:"keyword_detected"`
	Keyword         string             `json:"keyword"`
	Confidence      float64            `json:"confidence"`
	Gap             float64            `json:"gap"`
	StartTime       *float64           `json:"start_time"`
	EndTime         float64            `json:"end_time"`
	SpeechActive    bool               `json:"speech_active"`
	Scores          map[string]float64 `json:"scores"`
}

// TelemetryData is the payload of a result frame without a detection.
type TelemetryData struct {
	Status          string             `json:"status"`
	KeywordDetected bool               `json:"keyword_detected"`
	Scores          map[string]float64 `json:"scores"`
	SpeechActive    bool               `json:"speech_active"`
}

// Sender delivers frames to one client. Implementations must be safe for
// use from the session goroutine while another goroutine closes the
// transport.
type Sender interface {
	Send(ctx context.Context, f Frame) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, f Frame) error

// Send calls fn(ctx, f).
func (fn SenderFunc) Send(ctx context.Context, f Frame) error { return fn(ctx, f) }

// DetectionFrame builds the result frame for a fired keyword.
func DetectionFrame(keyword string, confidence, gap float64, start, end time.Time, scores map[string]float64) Frame {
	var startTime *float64
	if !start.IsZero() {
		s := unixSeconds(start)
		startTime = &s
	}
	return Frame{Type: FrameResult, Data: DetectionData{
		Status:          "success",
		KeywordDetected: true,
		Keyword:         keyword,
		Confidence:      confidence,
		Gap:             gap,
		StartTime:       startTime,
		EndTime:         unixSeconds(end),
		SpeechActive:    true,
		Scores:          scores,
	}}
}

// TelemetryFrame builds a result frame carrying scores only.
func TelemetryFrame(scores map[string]float64, speechActive bool) Frame {
	if scores == nil {
		scores = map[string]float64{}
	}
	return Frame{Type: FrameResult, Data: TelemetryData{
		Status:       "success",
		Scores:       scores,
		SpeechActive: speechActive,
	}}
}

// ErrorFrame builds an error log frame whose kind is derived from err.
func ErrorFrame(err error) Frame {
	return Frame{Type: FrameLog, LogType: LogError, Message: err.Error(), Kind: Kind(err)}
}

// SystemFrame builds a system log frame.
func SystemFrame(msg string) Frame {
	return Frame{Type: FrameLog, LogType: LogSystem, Message: msg}
}

// WarningFrame builds a warning log frame.
func WarningFrame(msg string) Frame {
	return Frame{Type: FrameLog, LogType: LogWarning, Message: msg}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Control message types accepted on the text channel.
const (
	ControlStart = "start"
	ControlReset = "reset"
	ControlStop  = "stop"
)

// Audio codecs a client may announce in a start message.
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// Control is a JSON control message from the client. SampleRate, Channels
// and Codec are only read from start messages; zero values select the
// engine defaults.
type Control struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Codec      string `json:"codec,omitempty"`
}
