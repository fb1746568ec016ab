package vision

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/pkg/types"
)

// Options are the fixed inference settings applied by the adapter.
type Options struct {
	Confidence    float64
	IoU           float64
	WorkingWidth  int
	WorkingHeight int
	Labels        LabelMap
}

// OptionsFromConfig builds adapter options from the detection config.
func OptionsFromConfig(cfg config.DetectionConfig) (Options, error) {
	labels, err := NewLabelMap(cfg.MaskLabels)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Confidence:    cfg.Confidence,
		IoU:           cfg.IoU,
		WorkingWidth:  cfg.WorkingWidth,
		WorkingHeight: cfg.WorkingHeight,
		Labels:        labels,
	}, nil
}

// Adapter is the process-wide detection entry point. Models load once and are read-only afterwards,
// so one Adapter is shared by every worker.
type Adapter struct {
	opts    Options
	loader  Loader
	metrics *metrics.Metrics

	once    sync.Once
	models  Models
	loadErr error
}

// NewAdapter creates an adapter. Models are not loaded until Load or the first Detect.
func NewAdapter(opts Options, loader Loader, m *metrics.Metrics) *Adapter {
	return &Adapter{opts: opts, loader: loader, metrics: m}
}

// Load runs the loader exactly once. Concurrent callers block until the first load finishes
// and all observe the same result.
func (a *Adapter) Load(ctx context.Context) error {
	a.once.Do(func() {
		start := time.Now()
		models, err := a.loader(ctx)
		if err != nil {
			a.loadErr = fmt.Errorf("load models: %w", err)
			logger.Error("Vision", "Model load failed: %v", err)
			return
		}
		if models.Detector == nil {
			a.loadErr = ErrNoDetector
			return
		}
		if models.Faces == nil || models.Classifier == nil {
			models.Faces, models.Classifier = nil, nil
			logger.Warn("Vision", "Mask classifier unavailable, continuing detection-only: %v", models.ClassifierErr)
		}
		a.models = models
		logger.Info("Vision", "Models loaded in %s (classifier=%v)", time.Since(start).Round(time.Millisecond), a.ClassifierAvailable())
	})
	return a.loadErr
}

// ClassifierAvailable reports whether face/mask classification is supported.
func (a *Adapter) ClassifierAvailable() bool {
	return a.models.Faces != nil && a.models.Classifier != nil
}

// Labels returns the configured classifier label map.
func (a *Adapter) Labels() LabelMap {
	return a.opts.Labels
}

// Detect runs the detector on a working-resolution copy of frame and returns boxes in native
// frame coordinates. Detections under the confidence threshold are dropped. frame is not modified.
func (a *Adapter) Detect(ctx context.Context, frame image.Image) ([]types.DetectionBox, error) {
	if err := a.Load(ctx); err != nil {
		return nil, err
	}

	bounds := frame.Bounds()
	nw, nh := bounds.Dx(), bounds.Dy()
	if nw == 0 || nh == 0 {
		return nil, fmt.Errorf("detect: empty frame")
	}

	var work image.Image
	if nw == a.opts.WorkingWidth && nh == a.opts.WorkingHeight {
		work = imaging.Clone(frame)
	} else {
		work = imaging.Resize(frame, a.opts.WorkingWidth, a.opts.WorkingHeight, imaging.Linear)
	}

	start := time.Now()
	raw, err := a.models.Detector.Detect(ctx, work, a.opts.Confidence, a.opts.IoU)
	if a.metrics != nil {
		a.metrics.UpdateDetectLatency(time.Since(start))
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.DetectErrors.Add(1)
		}
		return nil, fmt.Errorf("detect: %w", err)
	}

	sx := float64(nw) / float64(a.opts.WorkingWidth)
	sy := float64(nh) / float64(a.opts.WorkingHeight)

	out := make([]types.DetectionBox, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < a.opts.Confidence {
			continue
		}
		box := types.Box{
			X1: bounds.Min.X + clamp(int(d.X1*sx), 0, nw),
			Y1: bounds.Min.Y + clamp(int(d.Y1*sy), 0, nh),
			X2: bounds.Min.X + clamp(int(d.X2*sx), 0, nw),
			Y2: bounds.Min.Y + clamp(int(d.Y2*sy), 0, nh),
		}
		if box.Empty() {
			continue
		}
		out = append(out, types.DetectionBox{ClassID: d.ClassID, Confidence: d.Confidence, Box: box})
	}
	return out, nil
}

// LocateFaces finds faces inside roi. Returned rectangles are relative to roi's top-left corner.
func (a *Adapter) LocateFaces(ctx context.Context, roi image.Image, minSize int) ([]image.Rectangle, error) {
	if err := a.Load(ctx); err != nil {
		return nil, err
	}
	if !a.ClassifierAvailable() {
		return nil, ErrClassifierUnavailable
	}
	return a.models.Faces.LocateFaces(ctx, ToGray(roi), minSize)
}

// ClassifyFace classifies a prepared face image and maps the result through the label map.
func (a *Adapter) ClassifyFace(ctx context.Context, face image.Image) (FaceVerdict, error) {
	if err := a.Load(ctx); err != nil {
		return FaceVerdict{}, err
	}
	if !a.ClassifierAvailable() {
		return FaceVerdict{}, ErrClassifierUnavailable
	}

	idx, conf, err := a.models.Classifier.Classify(ctx, face)
	if err != nil {
		if a.metrics != nil {
			a.metrics.DetectErrors.Add(1)
		}
		return FaceVerdict{}, fmt.Errorf("classify face: %w", err)
	}
	label, err := a.opts.Labels.Lookup(idx)
	if err != nil {
		return FaceVerdict{}, err
	}
	return FaceVerdict{Meaning: label.Meaning, Label: label.Text, Confidence: conf}, nil
}

// Close releases backend resources.
func (a *Adapter) Close() error {
	if a.models.Close != nil {
		return a.models.Close()
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
