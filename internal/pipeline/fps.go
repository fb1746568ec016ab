package pipeline

import "time"

// FPSMode selects how FPSMeter averages.
type FPSMode int

const (
	// FPSCumulative averages over the whole run once a second has passed.
	FPSCumulative FPSMode = iota
	// FPSWindowed reports the rate of the last completed one-second window.
	FPSWindowed
)

// FPSMeter measures processing rate from frame ticks.
type FPSMeter struct {
	mode   FPSMode
	now    func() time.Time
	start  time.Time
	frames int
	fps    float64
}

// NewFPSMeter creates a meter. now may be nil to use time.Now.
func NewFPSMeter(mode FPSMode, now func() time.Time) *FPSMeter {
	if now == nil {
		now = time.Now
	}
	return &FPSMeter{mode: mode, now: now, start: now()}
}

// Tick records one frame and returns the current rate.
func (m *FPSMeter) Tick() float64 {
	m.frames++
	t := m.now()
	elapsed := t.Sub(m.start).Seconds()

	switch m.mode {
	case FPSWindowed:
		if elapsed >= 1 {
			m.fps = float64(m.frames) / elapsed
			m.frames = 0
			m.start = t
		}
	default:
		if elapsed > 1 {
			m.fps = float64(m.frames) / elapsed
		}
	}
	return m.fps
}

// FPS returns the last computed rate.
func (m *FPSMeter) FPS() float64 {
	return m.fps
}
