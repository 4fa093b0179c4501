package session

import (
	"context"
	"sync"
)

// Tracker keeps the set of live sessions so shutdown can notify and cancel
// them and wait for their cleanup.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	pending  int
	// changed is closed and replaced whenever pending drops.
	changed chan struct{}
}

type trackedSession struct {
	sess *Session
	once sync.Once
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		changed:  make(chan struct{}),
	}
}

// Register adds s under its ID and returns the function that removes it.
// The returned function is idempotent. Registering an ID twice replaces the
// older entry.
func (t *Tracker) Register(s *Session) (unregister func()) {
	entry := &trackedSession{sess: s}
	id := s.ID()

	t.mu.Lock()
	old := t.sessions[id]
	t.sessions[id] = entry
	t.pending++
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.pending--
		close(t.changed)
		t.changed = make(chan struct{})
		t.mu.Unlock()
	})
}

// Count returns the number of registered sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, e.sess)
	}
	return out
}

// WarnAll sends a warning frame to every session and returns how many
// sends succeeded.
func (t *Tracker) WarnAll(ctx context.Context, msg string) (sent int) {
	for _, s := range t.snapshot() {
		if err := s.send(ctx, WarningFrame(msg)); err == nil {
			sent++
		}
	}
	return sent
}

// CloseAll closes every registered session.
func (t *Tracker) CloseAll() (closed int) {
	for _, s := range t.snapshot() {
		if s.Close() == nil {
			closed++
		}
	}
	return closed
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	for {
		t.mu.Lock()
		if t.pending == 0 {
			t.mu.Unlock()
			return true
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
