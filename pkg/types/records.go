package types

import (
	"fmt"
	"time"
)

// SourceKind identifies where a live stream reads frames from.
type SourceKind string

const (
	SourceWebcam SourceKind = "webcam"
	SourceFile   SourceKind = "file"
	SourceRTSP   SourceKind = "rtsp"
)

// ParseSourceKind validates a source kind string.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case SourceWebcam, SourceFile, SourceRTSP:
		return SourceKind(s), nil
	default:
		return "", fmt.Errorf("invalid source kind: %q", s)
	}
}

// Loops reports whether the source restarts from frame zero when exhausted.
func (k SourceKind) Loops() bool {
	return k == SourceFile
}

// StreamStatus is the lifecycle state of a live stream.
type StreamStatus string

const (
	StreamStarting  StreamStatus = "starting"
	StreamStreaming StreamStatus = "streaming"
	StreamStopping  StreamStatus = "stopping"
	StreamStopped   StreamStatus = "stopped"
	StreamError     StreamStatus = "error"
)

// Terminal reports whether no worker will touch the stream again.
func (s StreamStatus) Terminal() bool {
	return s == StreamStopped || s == StreamError
}

// TaskStatus is the lifecycle state of an upload-processing task.
type TaskStatus string

const (
	TaskUploaded   TaskStatus = "uploaded"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// StreamRecord describes one live stream.
type StreamRecord struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       SourceKind   `json:"type"`
	SourcePath string       `json:"source_path,omitempty"`
	SourceURL  string       `json:"rtsp_url,omitempty"`
	Status     StreamStatus `json:"status"`
	CreatedAt  time.Time    `json:"-"`
	Created    string       `json:"created"`
	Error      string       `json:"error,omitempty"`
}

// UniqueTotal pairs an approximate unique count with the raw per-frame sum.
type UniqueTotal struct {
	Unique int `json:"unique" msgpack:"unique"`
	Total  int `json:"total" msgpack:"total"`
}

// SummaryStats is the final report of a completed task.
type SummaryStats struct {
	Duration float64     `json:"duration" msgpack:"duration"`
	Frames   int         `json:"frames" msgpack:"frames"`
	Persons  UniqueTotal `json:"persons" msgpack:"persons"`
	Bags     UniqueTotal `json:"bags" msgpack:"bags"`
	Weapons  UniqueTotal `json:"weapons" msgpack:"weapons"`
	Mask     int         `json:"mask" msgpack:"mask"`
	NoMask   int         `json:"no_mask" msgpack:"no_mask"`
	FPS      float64     `json:"fps" msgpack:"fps"`
}

// TaskRecord describes one uploaded video and its processing results.
type TaskRecord struct {
	ID            string        `json:"id" msgpack:"id"`
	Filename      string        `json:"filename" msgpack:"filename"`
	SourcePath    string        `json:"-" msgpack:"source_path"`
	Status        TaskStatus    `json:"status" msgpack:"status"`
	Progress      int           `json:"progress" msgpack:"progress"`
	OutputPath    string        `json:"output_path,omitempty" msgpack:"output_path"`
	ThumbnailPath string        `json:"thumbnail,omitempty" msgpack:"thumbnail"`
	Captures      []AlertEvent  `json:"captures,omitempty" msgpack:"captures"`
	Stats         *SummaryStats `json:"stats,omitempty" msgpack:"stats"`
	Error         string        `json:"error,omitempty" msgpack:"error"`
	UploadedAt    time.Time     `json:"-" msgpack:"uploaded_at"`
	UploadTime    string        `json:"upload_time" msgpack:"upload_time"`
	CompletedAt   time.Time     `json:"-" msgpack:"completed_at"`
}

// TimeLayout is the wall-clock format used in record payloads.
const TimeLayout = "2006-01-02 15:04:05"
