package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	Name         string
	Key          string
	JSONData     []byte // {"event": name, "data": payload}
	ProtobufData []byte // google.protobuf.Struct of the same envelope, base64 encoded for SSE
}

// Filter selects the events a subscriber receives. Zero value matches everything.
type Filter struct {
	Names map[string]bool
	// Key limits delivery to one stream or task id.
	Key string
}

// NewFilter builds a filter from event names and an optional key.
func NewFilter(key string, names ...string) Filter {
	f := Filter{Key: key}
	for _, n := range names {
		if n == "" {
			continue
		}
		if f.Names == nil {
			f.Names = make(map[string]bool)
		}
		f.Names[n] = true
	}
	return f
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.Key != "" && ev.Key != f.Key {
		return false
	}
	if len(f.Names) > 0 && !f.Names[ev.Name] {
		return false
	}
	return true
}

type client struct {
	ch     chan *SerializedEvent
	filter Filter
}

// Hub manages fanout of events to feed clients (SSE, websocket).
type Hub struct {
	mu       sync.Mutex
	clients  map[int]*client
	nextID   int
	buffer   int
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	closed   bool
	metrics  *metrics.Metrics
}

// NewHub creates a hub. Frame events are limited to cfg.FrameRate per stream; zero disables the limit.
func NewHub(cfg config.BroadcastConfig, m *metrics.Metrics) *Hub {
	buffer := cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 8
	}
	limit := rate.Inf
	if cfg.FrameRate > 0 {
		limit = rate.Limit(cfg.FrameRate)
	}
	burst := cfg.FrameBurst
	if burst <= 0 {
		burst = 1
	}
	return &Hub{
		clients:  make(map[int]*client),
		buffer:   buffer,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		metrics:  m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (h *Hub) Subscribe(f Filter) (int, <-chan *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan *SerializedEvent, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = &client{ch: ch, filter: f}
	if h.metrics != nil {
		h.metrics.Subscribers.Add(1)
	}

	logger.Debug("Hub", "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[id]; ok {
		close(c.ch)
		delete(h.clients, id)
		if h.metrics != nil {
			h.metrics.Subscribers.Add(-1)
		}
		logger.Debug("Hub", "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish serializes ev once and hands it to every matching client without blocking. The hub
// lock is not held while serializing.
func (h *Hub) Publish(ev Event) {
	if !h.admit(ev) {
		return
	}

	se, err := Serialize(ev)
	if err != nil {
		logger.Error("Hub", "Serialize %s: %v", ev.Name, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, c := range h.clients {
		if !c.filter.Match(ev) {
			continue
		}
		select {
		case c.ch <- se:
			if h.metrics != nil {
				h.metrics.EventsPublished.Add(1)
			}
		default:
			// Client too slow, skip this event for this client
			if h.metrics != nil {
				h.metrics.EventsDropped.Add(1)
			}
		}
	}
}

// admit reports whether any client wants ev and, for frames, whether the rate limit allows it.
func (h *Hub) admit(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	matched := false
	for _, c := range h.clients {
		if c.filter.Match(ev) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	if ev.IsFrame() && !h.allowFrame(ev) {
		if h.metrics != nil {
			h.metrics.FramesLimited.Add(1)
		}
		return false
	}
	return true
}

func (h *Hub) allowFrame(ev Event) bool {
	if h.limit == rate.Inf {
		return true
	}
	key := ev.Name + "|" + ev.Key
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[key] = l
	}
	return l.Allow()
}

// Forget drops the rate limiter state of a finished stream or task.
func (h *Hub) Forget(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.limiters {
		if strings.HasSuffix(k, "|"+key) {
			delete(h.limiters, k)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.ch)
		delete(h.clients, id)
		if h.metrics != nil {
			h.metrics.Subscribers.Add(-1)
		}
	}
}

// Serialize renders ev as a JSON envelope and a base64 protobuf Struct.
func Serialize(ev Event) (*SerializedEvent, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	jsonData, err := json.Marshal(map[string]any{"event": ev.Name, "data": payload})
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	// Round-trip through JSON so structpb only sees plain maps, slices and scalars.
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	pbStruct, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}

	return &SerializedEvent{
		Name:         ev.Name,
		Key:          ev.Key,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
