// Package capture reads frames from video sources and writes processed frames back out.
// Decoding and encoding are delegated to ffmpeg processes; frames cross the pipe as raw rgb24.
package capture

import (
	"context"
	"errors"
	"image"

	"github.com/rasd/surveillance-server/pkg/types"
)

var (
	// ErrEndOfSource is returned by Read when the source has no more frames.
	ErrEndOfSource = errors.New("capture: end of source")

	// ErrSourceUnavailable is returned when a file, device or URL cannot be opened.
	ErrSourceUnavailable = errors.New("capture: source unavailable")

	// ErrSourceFailed is returned by Read when the decoder dies before the source ends.
	ErrSourceFailed = errors.New("capture: source failed")
)

// Info describes a source's video stream. Frames is 0 when unknown (live sources).
type Info struct {
	Width  int
	Height int
	FPS    float64
	Frames int
}

// Source yields decoded frames in capture order. A Source is used by one worker.
type Source interface {
	// Read returns the next frame. Each call returns a new image the caller may keep.
	Read(ctx context.Context) (*image.RGBA, error)
	// Rewind restarts the source from its first frame.
	Rewind(ctx context.Context) error
	Info() Info
	Close() error
}

// OpenRequest names a source to open.
type OpenRequest struct {
	Kind types.SourceKind
	Path string
	URL  string
}

// Target returns the path or URL the request points at.
func (r OpenRequest) Target() string {
	if r.Kind == types.SourceRTSP {
		return r.URL
	}
	return r.Path
}

// Opener opens sources.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, req OpenRequest) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, req OpenRequest) (Source, error) {
	return f(ctx, req)
}

// FrameWriter encodes processed frames to an output file.
type FrameWriter interface {
	// WriteFrame queues a frame, blocking while the encoder is behind.
	WriteFrame(ctx context.Context, frame *image.RGBA) error
	// FirstFrame returns the first frame written, or nil.
	FirstFrame() *image.RGBA
	Frames() uint64
	Close() error
}

// OutputFactory creates frame writers.
type OutputFactory interface {
	Create(ctx context.Context, path string, info Info) (FrameWriter, error)
}
