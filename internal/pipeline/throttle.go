package pipeline

import "time"

// Throttle gates alert captures for one run. All capture kinds share the same slot.
type Throttle struct {
	interval time.Duration
	last     time.Time
	fired    bool
}

// NewThrottle creates a throttle that allows one capture per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether a capture may be taken at now and, if so, claims the slot.
func (t *Throttle) Allow(now time.Time) bool {
	if t.fired && now.Sub(t.last) < t.interval {
		return false
	}
	t.fired = true
	t.last = now
	return true
}
