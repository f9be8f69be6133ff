package tracking

import (
	"sync"
	"time"
)

// Throttle limits ETA recomputation: Allow is true on the first call, then
// again after EveryN calls or once Interval has elapsed since the last
// allowed call, whichever comes first. Zero values disable that trigger.
type Throttle struct {
	EveryN   int
	Interval time.Duration

	mu    sync.Mutex
	count int
	last  time.Time
}

func NewThrottle(everyN int, interval time.Duration) *Throttle {
	return &Throttle{EveryN: everyN, Interval: interval}
}

func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	if t.last.IsZero() ||
		(t.EveryN > 0 && t.count >= t.EveryN) ||
		(t.Interval > 0 && now.Sub(t.last) >= t.Interval) {
		t.count = 0
		t.last = now
		return true
	}
	return false
}
