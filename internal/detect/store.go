package detect

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// ConfigStore publishes [Config] snapshots and owns the global [Cooldown].
// Readers call Load without locking; writers are serialised.
//
// Every successful update resets the cooldown gate: a new policy starts with
// no detection history.
type ConfigStore struct {
	cur      atomic.Pointer[Config]
	writeMu  sync.Mutex
	cooldown Cooldown
}

// NewConfigStore returns a store holding cfg. cfg must be valid.
func NewConfigStore(cfg Config) (*ConfigStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &ConfigStore{}
	s.cur.Store(&cfg)
	return s, nil
}

// Load returns the current snapshot. The pointer identifies the snapshot;
// callers may compare pointers to detect a swap and must not modify it.
func (s *ConfigStore) Load() *Config { return s.cur.Load() }

// Update applies p to the current snapshot and publishes the result. On error
// nothing changes.
func (s *ConfigStore) Update(p Patch) (Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := p.Apply(*s.cur.Load())
	if err != nil {
		return *s.cur.Load(), err
	}
	s.publish(next)
	return next, nil
}

// Replace publishes cfg wholesale, as on a config file reload.
func (s *ConfigStore) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.publish(cfg)
	return nil
}

func (s *ConfigStore) publish(cfg Config) {
	s.cur.Store(&cfg)
	s.cooldown.Reset()
	slog.Info("detection config updated",
		"threshold", cfg.Threshold,
		"min_gap", cfg.MinGap,
		"cooldown", cfg.Cooldown,
		"vad_threshold", cfg.VADThreshold,
		"vad_silence", cfg.VADSilence,
	)
}

// Cooldown returns the global detection gate.
func (s *ConfigStore) Cooldown() *Cooldown { return &s.cooldown }
