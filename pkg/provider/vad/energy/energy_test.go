package energy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad/energy"
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:      16000,
		EnergyThreshold: 0.01,
		SilenceDuration: 500 * time.Millisecond,
	}
}

func constant(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	loud  = constant(0.5, 1600) // energy 0.25
	quiet = constant(0, 1600)
	t0    = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

func TestSession_SpeechStartsImmediately(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	r := s.Detect(loud, t0)
	if !r.Speaking || r.Type != vad.VADSpeechStart {
		t.Fatalf("got %+v, want speech start", r)
	}
	if !r.SpeechStart.Equal(t0) {
		t.Errorf("SpeechStart = %v, want %v", r.SpeechStart, t0)
	}

	r = s.Detect(loud, t0.Add(100*time.Millisecond))
	if r.Type != vad.VADSpeechContinue || !r.SpeechStart.Equal(t0) {
		t.Errorf("continuing speech moved start: %+v", r)
	}
}

func TestSession_SilenceDebounce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		silence      time.Duration
		wantSpeaking bool
	}{
		{name: "within grace", silence: 300 * time.Millisecond, wantSpeaking: true},
		{name: "exactly silence duration", silence: 500 * time.Millisecond, wantSpeaking: true},
		{name: "just past silence duration", silence: 500*time.Millisecond + time.Millisecond, wantSpeaking: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newSession(t)
			s.Detect(loud, t0)
			r := s.Detect(quiet, t0.Add(tt.silence))
			if r.Speaking != tt.wantSpeaking {
				t.Fatalf("Speaking = %v, want %v", r.Speaking, tt.wantSpeaking)
			}
			if !tt.wantSpeaking {
				if r.Type != vad.VADSpeechEnd {
					t.Errorf("Type = %v, want speech_end", r.Type)
				}
				if !r.SpeechStart.IsZero() {
					t.Errorf("SpeechStart not cleared: %v", r.SpeechStart)
				}
			}
		})
	}
}

func TestSession_SilentStaysSilent(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	r := s.Detect(quiet, t0)
	if r.Speaking || r.Type != vad.VADSilence || !r.SpeechStart.IsZero() {
		t.Errorf("got %+v, want silence", r)
	}
}

func TestSession_OnlyTailIsAnalysed(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	// 3 s of loud audio followed by 100 ms of silence: the tail decides.
	window := append(constant(0.5, 48000), quiet...)
	if r := s.Detect(window, t0); r.Speaking {
		t.Errorf("loud head with silent tail should not start speech: %+v", r)
	}

	// Shorter than the analysis window: the whole window is used.
	if r := s.Detect(constant(0.5, 100), t0); !r.Speaking {
		t.Errorf("short loud window should start speech: %+v", r)
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	s.Detect(loud, t0)
	s.Reset()
	r := s.Detect(quiet, t0.Add(10*time.Millisecond))
	if r.Speaking {
		t.Errorf("Reset did not clear speech state")
	}
}

func TestSession_Reconfigure(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	cfg := testConfig()
	cfg.EnergyThreshold = 0.5
	if err := s.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if r := s.Detect(loud, t0); r.Speaking {
		t.Errorf("energy 0.25 should be below raised threshold 0.5")
	}

	cfg.SilenceDuration = 0
	if err := s.Reconfigure(cfg); !errors.Is(err, vad.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestEngine_InvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := energy.New().NewSession(vad.Config{SampleRate: 16000})
	if !errors.Is(err, vad.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestConfig_AnalysisSamples(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	if got := cfg.AnalysisSamples(); got != 1600 {
		t.Errorf("default AnalysisSamples = %d, want 1600", got)
	}
	cfg.AnalysisWindow = 20 * time.Millisecond
	if got := cfg.AnalysisSamples(); got != 320 {
		t.Errorf("AnalysisSamples = %d, want 320", got)
	}
}
