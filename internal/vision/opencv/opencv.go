//go:build opencv

// Package opencv runs the models in-process through OpenCV's DNN module. It needs cgo and an
// OpenCV 4 installation, so it is only compiled with the opencv build tag.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/vision"
)

const (
	detectorInput    = 640
	faceScaleFactor  = 1.15
	faceMinNeighbors = 3
)

// Paths lists the model files to load.
type Paths struct {
	Detector   string // YOLOv8 ONNX export
	Cascade    string // Haar cascade XML
	Classifier string // two-class ONNX classifier
	FaceSize   int
}

// Detector is a YOLOv8 ONNX detector. gocv.Net is not safe for concurrent use.
type Detector struct {
	mu  sync.Mutex
	net gocv.Net
}

// NewDetector loads a YOLOv8 ONNX model.
func NewDetector(path string) (*Detector, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("read detector %s", path)
	}
	_ = net.SetPreferableBackend(gocv.NetBackendDefault)
	_ = net.SetPreferableTarget(gocv.NetTargetCPU)
	return &Detector{net: net}, nil
}

// Detect implements vision.ObjectDetector.
func (d *Detector) Detect(ctx context.Context, img image.Image, confidence, iou float64) ([]vision.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("to mat: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(detectorInput, detectorInput), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected detector output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	b := img.Bounds()
	sx := float64(b.Dx()) / detectorInput
	sy := float64(b.Dy()) / detectorInput
	raw := vision.DecodeYOLOv8(data, dims[1]-4, dims[2], confidence, sx, sy)
	return vision.NonMaxSuppression(raw, iou), nil
}

// Close releases the network.
func (d *Detector) Close() error {
	return d.net.Close()
}

// FaceLocator is a Haar cascade face locator.
type FaceLocator struct {
	mu      sync.Mutex
	cascade gocv.CascadeClassifier
}

// NewFaceLocator loads a cascade XML file.
func NewFaceLocator(path string) (*FaceLocator, error) {
	cc := gocv.NewCascadeClassifier()
	if !cc.Load(path) {
		cc.Close()
		return nil, fmt.Errorf("load cascade %s", path)
	}
	return &FaceLocator{cascade: cc}, nil
}

// LocateFaces implements vision.FaceLocator.
func (f *FaceLocator) LocateFaces(ctx context.Context, gray *image.Gray, minSize int) ([]image.Rectangle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, fmt.Errorf("to mat: %w", err)
	}
	defer mat.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cascade.DetectMultiScaleWithParams(mat, faceScaleFactor, faceMinNeighbors, 0,
		image.Pt(minSize, minSize), image.Pt(0, 0)), nil
}

// Close releases the cascade.
func (f *FaceLocator) Close() error {
	return f.cascade.Close()
}

// Classifier is a two-class ONNX mask classifier returning softmax-ready logits.
type Classifier struct {
	mu   sync.Mutex
	net  gocv.Net
	size int
}

// NewClassifier loads the classifier model.
func NewClassifier(path string, size int) (*Classifier, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("read classifier %s", path)
	}
	return &Classifier{net: net, size: size}, nil
}

// Classify implements vision.MaskClassifier.
func (c *Classifier) Classify(ctx context.Context, face image.Image) (int, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	mat, err := gocv.ImageToMatRGB(face)
	if err != nil {
		return 0, 0, fmt.Errorf("to mat: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(c.size, c.size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	c.mu.Lock()
	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	c.mu.Unlock()
	defer out.Close()

	scores, err := out.DataPtrFloat32()
	if err != nil {
		return 0, 0, fmt.Errorf("read output: %w", err)
	}
	if len(scores) == 0 {
		return 0, 0, errors.New("classifier produced no scores")
	}
	idx, conf := vision.Softmax(scores)
	return idx, conf, nil
}

// Close releases the network.
func (c *Classifier) Close() error {
	return c.net.Close()
}

// Loader returns a vision.Loader that loads every model from disk. A missing cascade or
// classifier only disables mask classification.
func Loader(p Paths) vision.Loader {
	return func(ctx context.Context) (vision.Models, error) {
		det, err := NewDetector(p.Detector)
		if err != nil {
			return vision.Models{}, err
		}
		closers := []func() error{det.Close}
		models := vision.Models{Detector: det}

		faces, ferr := NewFaceLocator(p.Cascade)
		cls, cerr := NewClassifier(p.Classifier, p.FaceSize)
		switch {
		case ferr != nil:
			models.ClassifierErr = ferr
		case cerr != nil:
			models.ClassifierErr = cerr
		default:
			models.Faces, models.Classifier = faces, cls
		}
		if faces != nil {
			closers = append(closers, faces.Close)
		}
		if cls != nil {
			closers = append(closers, cls.Close)
		}

		models.Close = func() error {
			var errs []error
			for _, c := range closers {
				errs = append(errs, c())
			}
			return errors.Join(errs...)
		}
		logger.Info("Vision", "OpenCV models loaded from %s", p.Detector)
		return models, nil
	}
}
