package annotate

import "time"

// Blinker toggles on a fixed wall-clock cadence, independent of frame rate.
type Blinker struct {
	interval time.Duration
	now      func() time.Time
	on       bool
	last     time.Time
}

// NewBlinker starts a blinker in the on state. now may be nil to use time.Now.
func NewBlinker(interval time.Duration, now func() time.Time) *Blinker {
	if now == nil {
		now = time.Now
	}
	return &Blinker{interval: interval, now: now, on: true, last: now()}
}

// Tick advances the blinker to the current time and returns the blink state.
func (b *Blinker) Tick() bool {
	t := b.now()
	if t.Sub(b.last) >= b.interval {
		b.on = !b.on
		b.last = t
	}
	return b.on
}
