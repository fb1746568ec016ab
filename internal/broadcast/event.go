// Package broadcast fans pipeline events out to live viewers: SSE and websocket feeds, per-stream
// MJPEG endpoints, WebRTC data channels and an optional MQTT broker.
package broadcast

import "strings"

// Event names published by the lifecycle workers.
const (
	EventAlert         = "alert"
	EventTaskProgress  = "task_progress"
	EventVideoFrame    = "video_frame"
	EventTaskCompleted = "task_completed"
	EventTaskError     = "task_error"
	EventStreamStarted = "stream_started"
	EventStreamStopped = "stream_stopped"
	EventStreamError   = "stream_error"
	EventStreamFrame   = "stream_frame"
)

// StreamFrameFor is the per-stream frame channel name.
func StreamFrameFor(streamID string) string {
	return EventStreamFrame + "_" + streamID
}

// StreamErrorFor is the per-stream error channel name.
func StreamErrorFor(streamID string) string {
	return EventStreamError + "_" + streamID
}

// Event is one message for subscribers.
type Event struct {
	Name string
	// Key is the stream or task id the event belongs to.
	Key string
	// Payload must marshal to a JSON object.
	Payload any
	// JPEG carries the encoded frame for frame events, for sinks that want raw bytes.
	JPEG []byte
}

// IsFrame reports whether the event carries video.
func (e Event) IsFrame() bool {
	return e.Name == EventVideoFrame || e.Name == EventStreamFrame ||
		strings.HasPrefix(e.Name, EventStreamFrame+"_")
}

// Gateway receives events. Publish never blocks on slow consumers.
type Gateway interface {
	Publish(ev Event)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ev Event)

func (f GatewayFunc) Publish(ev Event) { f(ev) }

// Multi publishes to every gateway in order.
type Multi []Gateway

func (m Multi) Publish(ev Event) {
	for _, g := range m {
		if g != nil {
			g.Publish(ev)
		}
	}
}

// Discard drops every event.
var Discard Gateway = GatewayFunc(func(Event) {})
