package types

import (
	"encoding/json"
	"image"
	"math"
	"time"
)

// Box is an axis-aligned bounding box in pixel coordinates (x1,y1 top-left, x2,y2 bottom-right).
type Box struct {
	X1 int `json:"x1" msgpack:"x1"`
	Y1 int `json:"y1" msgpack:"y1"`
	X2 int `json:"x2" msgpack:"x2"`
	Y2 int `json:"y2" msgpack:"y2"`
}

// Width returns the box width in pixels.
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b Box) Height() int { return b.Y2 - b.Y1 }

// Center returns the integer center point of the box.
func (b Box) Center() (int, int) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// BoxFromRect converts an image.Rectangle to a Box.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// DetectionBox is one classified detection in native frame coordinates.
// Produced fresh every frame and never mutated afterwards.
type DetectionBox struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// FrameStats holds the counts for a single frame only.
type FrameStats struct {
	Persons int `json:"persons" msgpack:"persons"`
	Bags    int `json:"bags" msgpack:"bags"`
	Mask    int `json:"mask" msgpack:"mask"`
	NoMask  int `json:"no_mask" msgpack:"no_mask"`
	Weapons int `json:"weapons" msgpack:"weapons"`
	Drones  int `json:"drones" msgpack:"drones"` // always 0, kept for clients
}

// AlertEvent is a persisted capture of a qualifying detection.
type AlertEvent struct {
	Kind       string    `json:"type" msgpack:"type"`
	Box        Box       `json:"box" msgpack:"box"`
	Confidence float64   `json:"-" msgpack:"confidence"`
	Timestamp  time.Time `json:"-" msgpack:"timestamp"`
	Path       string    `json:"path" msgpack:"path"`
	RunID      string    `json:"run_id,omitempty" msgpack:"run_id"`
}

// MarshalJSON renders confidence as a rounded percentage and the timestamp the way clients display it.
func (a AlertEvent) MarshalJSON() ([]byte, error) {
	type alias AlertEvent
	return json.Marshal(struct {
		alias
		Confidence int    `json:"confidence"`
		Timestamp  string `json:"timestamp"`
		CapturedAt string `json:"captured_at"`
	}{
		alias:      alias(a),
		Confidence: ConfidencePercent(a.Confidence),
		Timestamp:  a.Timestamp.Format("15:04:05"),
		CapturedAt: a.Timestamp.Format(time.RFC3339),
	})
}

// ConfidencePercent converts a [0,1] confidence to a rounded integer percentage.
func ConfidencePercent(c float64) int {
	return int(math.Round(c * 100))
}
