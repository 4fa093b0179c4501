package detect

import (
	"math"
	"sync/atomic"
	"time"
)

// Cooldown is the process-wide "last detection" gate shared by all sessions.
// The zero value has never fired.
type Cooldown struct {
	last atomic.Int64 // unix nanoseconds; 0 means never
}

// Elapsed returns the time since the last committed detection, or the maximum
// duration if none has been committed since the last reset.
func (c *Cooldown) Elapsed(now time.Time) time.Duration {
	last := c.last.Load()
	if last == 0 {
		return math.MaxInt64
	}
	return time.Duration(now.UnixNano() - last)
}

// Last returns the time of the last committed detection and whether there was
// one.
func (c *Cooldown) Last() (time.Time, bool) {
	last := c.last.Load()
	if last == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, last), true
}

// TryCommit records a detection at now if at least cooldown has passed since
// the last one. Concurrent callers inside one cooldown window race on a
// compare-and-swap; exactly one of them wins.
func (c *Cooldown) TryCommit(now time.Time, cooldown time.Duration) bool {
	ts := now.UnixNano()
	for {
		last := c.last.Load()
		if last != 0 && time.Duration(ts-last) < cooldown {
			return false
		}
		if c.last.CompareAndSwap(last, ts) {
			return true
		}
	}
}

// Reset forgets the last detection.
func (c *Cooldown) Reset() { c.last.Store(0) }
