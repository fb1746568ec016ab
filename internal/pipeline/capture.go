package pipeline

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"

	"github.com/rasd/surveillance-server/internal/annotate"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/storage"
	"github.com/rasd/surveillance-server/pkg/types"
)

// SnapshotSaver persists encoded images and returns a reference path.
type SnapshotSaver interface {
	SaveJPEG(area storage.Area, name string, img image.Image, quality int) (string, error)
}

// Capturer writes alert snapshots: a copy of the frame with the triggering box highlighted and
// the wall-clock time burned in.
type Capturer struct {
	store   SnapshotSaver
	annot   *annotate.Annotator
	quality int
	runID   string
}

// NewCapturer creates a capturer that draws with annot.
func NewCapturer(store SnapshotSaver, annot *annotate.Annotator, quality int, runID string) *Capturer {
	return &Capturer{store: store, annot: annot, quality: quality, runID: runID}
}

// CaptureName returns the snapshot filename for kind at t.
func CaptureName(kind string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%03d.jpg", kind, t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}

// Capture persists a snapshot of frame and returns the alert. frame is not modified.
func (c *Capturer) Capture(frame *image.RGBA, kind string, box types.Box, confidence float64, at time.Time) (types.AlertEvent, error) {
	snap := toRGBA(imaging.Clone(frame))
	if err := c.annot.CaptureOverlay(snap, kind, box, at); err != nil {
		logger.Warn("Pipeline", "Capture overlay for %s: %v", kind, err)
	}
	ref, err := c.store.SaveJPEG(storage.AreaCaptures, CaptureName(kind, at), snap, c.quality)
	if err != nil {
		return types.AlertEvent{}, err
	}
	return types.AlertEvent{
		Kind:       kind,
		Box:        box,
		Confidence: confidence,
		Timestamp:  at,
		Path:       ref,
		RunID:      c.runID,
	}, nil
}

// toRGBA reinterprets an opaque NRGBA image as RGBA without copying.
func toRGBA(img *image.NRGBA) *image.RGBA {
	return &image.RGBA{Pix: img.Pix, Stride: img.Stride, Rect: img.Rect}
}
