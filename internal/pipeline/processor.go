package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/rasd/surveillance-server/internal/annotate"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/internal/vision"
	"github.com/rasd/surveillance-server/pkg/types"
)

// NoMaskKind is the alert kind for an unmasked face.
const NoMaskKind = "NoMask"

// Detector is the part of the vision adapter the pipeline uses.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]types.DetectionBox, error)
	ClassifierAvailable() bool
	LocateFaces(ctx context.Context, roi image.Image, minSize int) ([]image.Rectangle, error)
	ClassifyFace(ctx context.Context, face image.Image) (vision.FaceVerdict, error)
}

// FrameResult is the outcome of one processed frame. The frame itself is annotated in place.
type FrameResult struct {
	Stats       types.FrameStats
	Detections  []types.DetectionBox
	AlertActive bool
	AlertType   string
	Alerts      []types.AlertEvent
	FPS         float64
}

// Options configure a Processor.
type Options struct {
	Config  config.PipelineConfig
	RunID   string
	FPSMode FPSMode
	Metrics *metrics.Metrics
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Processor runs detection, counting, alert throttling and annotation for one run.
// It is not safe for concurrent use.
type Processor struct {
	cfg      config.PipelineConfig
	det      Detector
	classes  ClassTable
	annot    *annotate.Annotator
	capturer *Capturer
	throttle *Throttle
	acc      *RunAccumulator
	blink    *annotate.Blinker
	fps      *FPSMeter
	metrics  *metrics.Metrics
	now      func() time.Time
	frames   int
}

// NewProcessor creates the per-run state.
func NewProcessor(det Detector, store SnapshotSaver, opts Options) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	annot := annotate.New()
	return &Processor{
		cfg:      opts.Config,
		det:      det,
		classes:  NewClassTable(opts.Config),
		annot:    annot,
		capturer: NewCapturer(store, annot, opts.Config.CaptureQuality, opts.RunID),
		throttle: NewThrottle(opts.Config.CaptureInterval),
		acc:      NewRunAccumulator(opts.Config.BucketSize),
		blink:    annotate.NewBlinker(opts.Config.BlinkInterval, now),
		fps:      NewFPSMeter(opts.FPSMode, now),
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Accumulator exposes the run totals.
func (p *Processor) Accumulator() *RunAccumulator {
	return p.acc
}

// Frames returns the number of frames processed so far.
func (p *Processor) Frames() int {
	return p.frames
}

// FPS returns the current processing rate.
func (p *Processor) FPS() float64 {
	return p.fps.FPS()
}

// Process runs one frame through the pipeline and annotates it in place. Only a detector
// failure is returned as an error; drawing and capture failures are logged and skipped.
func (p *Processor) Process(ctx context.Context, frame *image.RGBA) (FrameResult, error) {
	start := p.now()
	p.frames++
	fps := p.fps.Tick()
	blinkOn := p.blink.Tick()

	dets, err := p.det.Detect(ctx, frame)
	if err != nil {
		return FrameResult{FPS: fps}, err
	}

	res := FrameResult{Detections: dets, FPS: fps}
	tier := annotate.TierFor(frame.Bounds().Dx())
	var persons []types.Box

	for _, d := range dets {
		cat, label := p.classes.Classify(d.ClassID)
		switch cat {
		case CategoryBag:
			res.Stats.Bags++
			p.acc.AddDetection(cat, label, d.Box)
			p.draw(p.annot.Box(frame, d.Box, fmt.Sprintf("%s: %.2f", label, d.Confidence), annotate.Yellow, tier))

		case CategoryPerson:
			res.Stats.Persons++
			p.acc.AddDetection(cat, label, d.Box)
			p.draw(p.annot.PersonBox(frame, d.Box, d.Confidence, tier))
			persons = append(persons, d.Box)

		case CategoryWeapon:
			res.Stats.Weapons++
			p.acc.AddDetection(cat, label, d.Box)
			p.draw(p.annot.Box(frame, d.Box, fmt.Sprintf("%s: %.2f", label, d.Confidence), annotate.Red, tier.Emphasized()))

			res.AlertActive = true
			res.AlertType = strings.ToUpper(label)
			p.capture(frame, label, d.Box, d.Confidence, start, &res)
		}
	}

	if p.det.ClassifierAvailable() {
		for _, pb := range persons {
			if err := p.faces(ctx, frame, pb, tier, start, &res); err != nil {
				if errors.Is(err, vision.ErrClassifierUnavailable) {
					break
				}
				logger.Warn("Pipeline", "Face pass skipped for person at %v: %v", pb, err)
			}
		}
	}

	p.draw(p.annot.Dashboard(frame, fps, res.Stats, res.AlertActive))
	if res.AlertActive {
		p.draw(p.annot.Alert(frame, res.AlertType, blinkOn))
	}

	if p.metrics != nil {
		p.metrics.FramesProcessed.Add(1)
		p.metrics.UpdateProcessLatency(p.now().Sub(start))
	}
	return res, nil
}

func (p *Processor) faces(ctx context.Context, frame *image.RGBA, person types.Box, tier annotate.Tier, now time.Time, res *FrameResult) error {
	roiRect := person.Rect().Intersect(frame.Bounds())
	if roiRect.Empty() {
		return nil
	}
	roi := frame.SubImage(roiRect)

	rects, err := p.det.LocateFaces(ctx, roi, p.cfg.FaceMinSize)
	if err != nil {
		return err
	}

	for _, r := range rects {
		if r.Dx() < p.cfg.FaceMinWidth || r.Dx()*r.Dy() < p.cfg.FaceMinArea {
			continue
		}
		abs := r.Add(roiRect.Min).Intersect(frame.Bounds())
		if abs.Empty() {
			continue
		}

		face := PrepareCrop(frame, abs, p.cfg.FaceInputSize)
		verdict, err := p.det.ClassifyFace(ctx, face)
		if err != nil {
			if errors.Is(err, vision.ErrClassifierUnavailable) {
				return err
			}
			logger.Warn("Pipeline", "Face classification failed: %v", err)
			continue
		}

		box := types.BoxFromRect(abs)
		c, text := annotate.Green, "MASK"
		if verdict.HasMask() {
			res.Stats.Mask++
			p.acc.AddFace(true)
		} else {
			res.Stats.NoMask++
			p.acc.AddFace(false)
			c, text = annotate.Red, "NO MASK"
			p.capture(frame, NoMaskKind, box, verdict.Confidence, now, res)
		}
		p.draw(p.annot.Box(frame, box, fmt.Sprintf("%s: %.2f", text, verdict.Confidence), c, tier))
	}
	return nil
}

// PrepareCrop cuts r out of frame and prepares it for the mask classifier.
func PrepareCrop(frame image.Image, r image.Rectangle, size int) image.Image {
	return vision.PrepareFace(imaging.Crop(frame, r), size)
}

func (p *Processor) capture(frame *image.RGBA, kind string, box types.Box, confidence float64, now time.Time, res *FrameResult) {
	if !p.throttle.Allow(now) {
		if p.metrics != nil {
			p.metrics.CapturesSuppressed.Add(1)
		}
		return
	}
	ev, err := p.capturer.Capture(frame, kind, box, confidence, now)
	if err != nil {
		logger.Error("Pipeline", "Capture %s failed: %v", kind, err)
		if p.metrics != nil {
			p.metrics.StoreErrors.Add(1)
		}
		return
	}
	if p.metrics != nil {
		p.metrics.CapturesTaken.Add(1)
	}
	logger.Info("Pipeline", "Captured %s: %s", kind, ev.Path)
	res.Alerts = append(res.Alerts, ev)
}

func (p *Processor) draw(err error) {
	if err == nil {
		return
	}
	logger.Warn("Pipeline", "Annotation skipped: %v", err)
	if p.metrics != nil {
		p.metrics.DrawErrors.Add(1)
	}
}
