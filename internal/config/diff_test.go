package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa-kws/internal/config"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLog     bool
		wantDetect  bool
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:    "log level only",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:       "detection",
			mutate:     func(c *config.Config) { c.Detection.Cooldown = 2 * time.Second },
			wantDetect: true,
		},
		{
			name:        "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9000" },
			wantRestart: []string{"server"},
		},
		{
			name: "keywords and audio",
			mutate: func(c *config.Config) {
				c.Keywords = append(c.Keywords, keyword.Seed{Name: "stop", Pronunciations: []string{"stɑp"}})
				c.Audio.TelemetryInterval = time.Second
			},
			wantRestart: []string{"audio", "keywords"},
		},
		{
			name: "provider options",
			mutate: func(c *config.Config) {
				c.Providers.Acoustic.Options = map[string]any{"timeout": "5s"}
			},
			wantRestart: []string{"providers"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := config.Defaults(), config.Defaults()
			tt.mutate(next)

			d := config.Diff(old, next)
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if d.DetectionChanged != tt.wantDetect {
				t.Errorf("DetectionChanged = %v, want %v", d.DetectionChanged, tt.wantDetect)
			}
			if tt.wantDetect && d.NewDetection != next.Detection.Detect() {
				t.Errorf("NewDetection = %+v", d.NewDetection)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}
