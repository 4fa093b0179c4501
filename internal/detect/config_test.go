package detect_test

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
)

func ptr(v float64) *float64 { return &v }

func TestDefaultConfig_Valid(t *testing.T) {
	t.Parallel()
	if err := detect.DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig invalid: %v", err)
	}
}

func TestPatch_Apply(t *testing.T) {
	t.Parallel()
	base := detect.DefaultConfig()

	tests := []struct {
		name    string
		patch   detect.Patch
		wantErr []string
		check   func(t *testing.T, c detect.Config)
	}{
		{
			name:  "empty patch keeps base",
			patch: detect.Patch{},
			check: func(t *testing.T, c detect.Config) {
				if c != base {
					t.Errorf("got %+v, want %+v", c, base)
				}
			},
		},
		{
			name:  "seconds become durations",
			patch: detect.Patch{Cooldown: ptr(1.25), VADSilence: ptr(0.3), Threshold: ptr(0.9)},
			check: func(t *testing.T, c detect.Config) {
				if c.Cooldown != 1250*time.Millisecond || c.VADSilence != 300*time.Millisecond || c.Threshold != 0.9 {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			name:  "boundaries accepted",
			patch: detect.Patch{Threshold: ptr(0), MinGap: ptr(1)},
		},
		{
			name:    "every violation listed",
			patch:   detect.Patch{Threshold: ptr(1.5), MinGap: ptr(-0.1), Cooldown: ptr(0), VADThreshold: ptr(0), VADSilence: ptr(-1)},
			wantErr: []string{"threshold", "min_gap", "cooldown", "vad_threshold", "vad_silence"},
		},
		{
			name:    "NaN rejected",
			patch:   detect.Patch{Threshold: ptr(math.NaN()), Cooldown: ptr(math.NaN())},
			wantErr: []string{"threshold", "cooldown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.patch.Apply(base)
			if len(tt.wantErr) > 0 {
				if !errors.Is(err, detect.ErrInvalidConfig) {
					t.Fatalf("err = %v, want ErrInvalidConfig", err)
				}
				for _, field := range tt.wantErr {
					if !strings.Contains(err.Error(), field) {
						t.Errorf("error %q does not mention %s", err, field)
					}
				}
				if got != base {
					t.Errorf("failed Apply returned %+v, want base", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestConfig_ViewAndVAD(t *testing.T) {
	t.Parallel()
	c := detect.DefaultConfig()
	v := c.View()
	if v.Cooldown != 0.5 || v.VADSilence != 0.5 || v.Threshold != 0.7 {
		t.Errorf("View = %+v", v)
	}
	vc := c.VAD(16000)
	if vc.SampleRate != 16000 || vc.EnergyThreshold != 0.01 || vc.SilenceDuration != 500*time.Millisecond {
		t.Errorf("VAD = %+v", vc)
	}
	if err := vc.Validate(); err != nil {
		t.Errorf("VAD config invalid: %v", err)
	}
}

func TestConfigStore_UpdateSwapsSnapshotAndResetsCooldown(t *testing.T) {
	t.Parallel()
	s, err := detect.NewConfigStore(detect.DefaultConfig())
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !s.Cooldown().TryCommit(now, time.Second) {
		t.Fatal("first commit rejected")
	}

	before := s.Load()
	got, err := s.Update(detect.Patch{})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.Load() == before {
		t.Error("empty update should still publish a new snapshot")
	}
	if got != *before {
		t.Errorf("values changed: %+v", got)
	}
	if _, ok := s.Cooldown().Last(); ok {
		t.Error("cooldown not reset by update")
	}
}

func TestConfigStore_InvalidUpdateChangesNothing(t *testing.T) {
	t.Parallel()
	s, _ := detect.NewConfigStore(detect.DefaultConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Cooldown().TryCommit(now, time.Second)
	before := s.Load()

	if _, err := s.Update(detect.Patch{Threshold: ptr(2)}); err == nil {
		t.Fatal("expected error")
	}
	if s.Load() != before {
		t.Error("snapshot replaced by invalid update")
	}
	if _, ok := s.Cooldown().Last(); !ok {
		t.Error("cooldown reset by invalid update")
	}
}

func TestConfigStore_Replace(t *testing.T) {
	t.Parallel()
	s, _ := detect.NewConfigStore(detect.DefaultConfig())
	if err := s.Replace(detect.Config{}); !errors.Is(err, detect.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
	next := detect.DefaultConfig()
	next.Threshold = 0.2
	if err := s.Replace(next); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if s.Load().Threshold != 0.2 {
		t.Errorf("Threshold = %v", s.Load().Threshold)
	}
	if _, err := detect.NewConfigStore(detect.Config{}); err == nil {
		t.Error("NewConfigStore accepted invalid config")
	}
}

func TestCooldown_ConcurrentCommitHasOneWinner(t *testing.T) {
	t.Parallel()
	var cd detect.Cooldown
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cd.TryCommit(now.Add(time.Duration(i)*time.Millisecond), time.Second) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestCooldown_Elapsed(t *testing.T) {
	t.Parallel()
	var cd detect.Cooldown
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if cd.Elapsed(now) != never {
		t.Errorf("fresh Elapsed = %v, want max", cd.Elapsed(now))
	}
	cd.TryCommit(now, time.Second)
	if got := cd.Elapsed(now.Add(300 * time.Millisecond)); got != 300*time.Millisecond {
		t.Errorf("Elapsed = %v, want 300ms", got)
	}
	if cd.TryCommit(now.Add(999*time.Millisecond), time.Second) {
		t.Error("commit inside cooldown accepted")
	}
	if !cd.TryCommit(now.Add(time.Second), time.Second) {
		t.Error("commit at cooldown boundary rejected")
	}
	cd.Reset()
	if _, ok := cd.Last(); ok {
		t.Error("Reset did not clear")
	}
}
