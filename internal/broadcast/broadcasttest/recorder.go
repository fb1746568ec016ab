// Package broadcasttest provides an in-memory gateway for tests.
package broadcasttest

import (
	"sync"

	"github.com/rasd/surveillance-server/internal/broadcast"
)

// Recorder keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *Recorder) Publish(ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.Event(nil), r.events...)
}

// Named returns the events called name.
func (r *Recorder) Named(name string) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events called name were published.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

// Names returns event names in publish order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}
