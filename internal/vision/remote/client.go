// Package remote talks to an HTTP inference sidecar that hosts the detector, the face cascade
// and the mask classifier.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"

	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/vision"
)

// Cascade parameters sent with every face request.
const (
	faceScaleFactor  = 1.15
	faceMinNeighbors = 3
	encodeQuality    = 90
)

// Client is an inference sidecar client. It implements vision.ObjectDetector,
// vision.FaceLocator and vision.MaskClassifier.
type Client struct {
	http   *resty.Client
	labels []string
}

// Health is the sidecar's readiness report.
type Health struct {
	Detector   bool   `json:"detector"`
	Classifier bool   `json:"classifier"`
	Error      string `json:"error,omitempty"`
}

type detectRequest struct {
	Image      string  `json:"image"`
	Confidence float64 `json:"confidence"`
	IoU        float64 `json:"iou"`
}

type detectResponse struct {
	Detections []struct {
		ClassID    int        `json:"class_id"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"box"`
	} `json:"detections"`
}

type facesRequest struct {
	Image        string  `json:"image"`
	MinSize      int     `json:"min_size"`
	ScaleFactor  float64 `json:"scale_factor"`
	MinNeighbors int     `json:"min_neighbors"`
}

type facesResponse struct {
	Faces [][4]int `json:"faces"`
}

type classifyRequest struct {
	Image  string   `json:"image"`
	Labels []string `json:"labels"`
}

type classifyResponse struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client for the sidecar at baseURL. labels are the classifier prompts in
// index order.
func New(baseURL string, timeout time.Duration, labels []string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: c, labels: labels}
}

// Health queries the sidecar readiness endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&h).
		Get("/healthz")
	if err != nil {
		return h, fmt.Errorf("health: %w", err)
	}
	if resp.IsError() {
		return h, fmt.Errorf("health: status %d", resp.StatusCode())
	}
	return h, nil
}

// Detect implements vision.ObjectDetector.
func (c *Client) Detect(ctx context.Context, img image.Image, confidence, iou float64) ([]vision.Detection, error) {
	enc, err := encode(img)
	if err != nil {
		return nil, err
	}
	var out detectResponse
	if err := c.post(ctx, "/detect", detectRequest{Image: enc, Confidence: confidence, IoU: iou}, &out); err != nil {
		return nil, err
	}
	dets := make([]vision.Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		dets = append(dets, vision.Detection{
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			X1:         d.Box[0],
			Y1:         d.Box[1],
			X2:         d.Box[2],
			Y2:         d.Box[3],
		})
	}
	return dets, nil
}

// LocateFaces implements vision.FaceLocator.
func (c *Client) LocateFaces(ctx context.Context, gray *image.Gray, minSize int) ([]image.Rectangle, error) {
	enc, err := encode(gray)
	if err != nil {
		return nil, err
	}
	var out facesResponse
	req := facesRequest{Image: enc, MinSize: minSize, ScaleFactor: faceScaleFactor, MinNeighbors: faceMinNeighbors}
	if err := c.post(ctx, "/faces", req, &out); err != nil {
		return nil, err
	}
	rects := make([]image.Rectangle, 0, len(out.Faces))
	for _, f := range out.Faces {
		rects = append(rects, image.Rect(f[0], f[1], f[0]+f[2], f[1]+f[3]))
	}
	return rects, nil
}

// Classify implements vision.MaskClassifier.
func (c *Client) Classify(ctx context.Context, face image.Image) (int, float64, error) {
	enc, err := encode(face)
	if err != nil {
		return 0, 0, err
	}
	var out classifyResponse
	if err := c.post(ctx, "/classify", classifyRequest{Image: enc, Labels: c.labels}, &out); err != nil {
		return 0, 0, err
	}
	return out.Index, out.Confidence, nil
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		// sidecars are not trusted to label their JSON
		ForceContentType("application/json").
		SetBody(body).
		SetResult(result).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), apiErr.Error)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode())
	}
	return nil
}

func encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(encodeQuality)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Loader returns a vision.Loader backed by client. The detector is required; a sidecar that
// reports no classifier yields a detection-only model set.
func Loader(client *Client) vision.Loader {
	return func(ctx context.Context) (vision.Models, error) {
		h, err := client.Health(ctx)
		if err != nil {
			return vision.Models{}, err
		}
		if !h.Detector {
			msg := h.Error
			if msg == "" {
				msg = "sidecar reports no detector"
			}
			return vision.Models{}, errors.New(msg)
		}

		models := vision.Models{Detector: client}
		if h.Classifier {
			models.Faces = client
			models.Classifier = client
		} else {
			models.ClassifierErr = vision.ErrClassifierUnavailable
		}
		logger.Info("Vision", "Remote inference ready (classifier=%v)", h.Classifier)
		return models, nil
	}
}
