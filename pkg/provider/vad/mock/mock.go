// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script Detect results and inspect the windows that were
// submitted.
//
// Example:
//
//	sess := &mock.Session{Results: []vad.Result{{Speaking: true, Type: vad.VADSpeechStart}}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

var _ vad.Engine = (*Engine)(nil)

// DetectCall records a single invocation of Session.Detect.
type DetectCall struct {
	// Samples is the length of the window passed to Detect.
	Samples int
	// Now is the timestamp passed to Detect.
	Now time.Time
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Results are returned by consecutive Detect calls. Once exhausted, the
	// last entry repeats; with no entries Detect returns Result.
	Results []vad.Result

	// Result is returned when Results is empty.
	Result vad.Result

	// ReconfigureErr, if non-nil, is returned by Reconfigure.
	ReconfigureErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	DetectCalls      []DetectCall
	ReconfigureCalls []vad.Config
	ResetCallCount   int
	CloseCallCount   int
}

// Detect records the call and returns the next scripted result.
func (s *Session) Detect(window []float32, now time.Time) vad.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DetectCalls = append(s.DetectCalls, DetectCall{Samples: len(window), Now: now})
	if len(s.Results) == 0 {
		return s.Result
	}
	r := s.Results[0]
	if len(s.Results) > 1 {
		s.Results = s.Results[1:]
	}
	return r
}

// Reconfigure records the call and returns ReconfigureErr.
func (s *Session) Reconfigure(cfg vad.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReconfigureCalls = append(s.ReconfigureCalls, cfg)
	return s.ReconfigureErr
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns a copy of the recorded Detect calls. Thread-safe.
func (s *Session) Calls() []DetectCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DetectCall(nil), s.DetectCalls...)
}

var _ vad.SessionHandle = (*Session)(nil)

// Reconfigures returns a copy of the configs passed to Reconfigure.
// Thread-safe.
func (s *Session) Reconfigures() []vad.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vad.Config(nil), s.ReconfigureCalls...)
}

// Resets returns the number of Reset calls. Thread-safe.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResetCallCount
}
