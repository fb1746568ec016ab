// Package vision wraps the object detector, face locator and mask classifier behind a stable
// interface. Backends live in subpackages; the Adapter owns thresholds, working resolution and
// the label map.
package vision

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrClassifierUnavailable is returned when no face/mask model could be loaded.
	// The pipeline degrades to detection-only mode.
	ErrClassifierUnavailable = errors.New("vision: mask classifier unavailable")

	// ErrNoDetector is returned by Load when the loader produced no object detector.
	ErrNoDetector = errors.New("vision: no object detector loaded")
)

// Detection is a raw detector output with coordinates relative to the image passed in.
type Detection struct {
	ClassID    int
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// ObjectDetector runs object detection on one image.
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image, confidence, iou float64) ([]Detection, error)
}

// FaceLocator finds face rectangles in a grayscale region.
type FaceLocator interface {
	LocateFaces(ctx context.Context, gray *image.Gray, minSize int) ([]image.Rectangle, error)
}

// MaskClassifier classifies a prepared face image over a fixed two-label set.
type MaskClassifier interface {
	Classify(ctx context.Context, face image.Image) (labelIndex int, confidence float64, err error)
}

// Models is the bundle produced by a Loader. Faces and Classifier may be nil.
type Models struct {
	Detector   ObjectDetector
	Faces      FaceLocator
	Classifier MaskClassifier

	// ClassifierErr explains why Faces or Classifier is missing.
	ClassifierErr error

	// Close releases backend resources, if any.
	Close func() error
}

// Loader builds the model handles. It is called at most once per Adapter.
type Loader func(ctx context.Context) (Models, error)
