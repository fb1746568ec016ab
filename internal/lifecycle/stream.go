package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"runtime/debug"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/capture"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/pipeline"
	"github.com/rasd/surveillance-server/internal/storage"
	"github.com/rasd/surveillance-server/pkg/types"
)

var errNoFramesAfterRewind = errors.New("source produced no frames after rewind")

func (m *Manager) runStream(ctx context.Context, e *streamEntry, req StreamRequest) {
	id := e.rec.ID
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Lifecycle", "Stream %s worker panic: %v\n%s", id, r, debug.Stack())
			m.failStream(e, fmt.Errorf("worker panic: %v", r))
		}
		e.cancel()
		if m.deps.Metrics != nil {
			m.deps.Metrics.ActiveStreams.Add(-1)
		}
		close(e.done)
		m.wg.Done()
	}()

	if err := m.deps.Models.Load(ctx); err != nil {
		m.endStream(ctx, e, fmt.Errorf("load models: %w", err))
		return
	}

	src, err := m.deps.Opener.Open(ctx, capture.OpenRequest{Kind: req.Kind, Path: req.Path, URL: req.URL})
	if err != nil {
		m.endStream(ctx, e, err)
		return
	}
	defer src.Close()

	if !e.status.CompareAndSwap(types.StreamStarting, types.StreamStreaming) {
		// Stopped before the source opened.
		m.endStream(ctx, e, nil)
		return
	}
	logger.Info("Lifecycle", "Stream %s streaming", id)

	m.endStream(ctx, e, m.streamLoop(ctx, e, req.Kind, src))
}

// streamLoop runs frames until stop, source end or error. A nil return is a clean stop.
func (m *Manager) streamLoop(ctx context.Context, e *streamEntry, kind types.SourceKind, src capture.Source) error {
	id := e.rec.ID
	proc := m.processor(id, pipeline.FPSWindowed)
	rewound := false

	for {
		if ctx.Err() != nil || e.status.Load() != types.StreamStreaming {
			return nil
		}

		frame, err := src.Read(ctx)
		switch {
		case errors.Is(err, capture.ErrEndOfSource):
			if !kind.Loops() {
				logger.Info("Lifecycle", "Stream %s source ended", id)
				return nil
			}
			if rewound {
				return errNoFramesAfterRewind
			}
			if err := src.Rewind(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("rewind: %w", err)
			}
			rewound = true
			logger.Debug("Lifecycle", "Stream %s looped to frame zero", id)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		rewound = false

		res, err := proc.Process(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if m.deps.Metrics != nil {
				m.deps.Metrics.DetectErrors.Add(1)
			}
			return fmt.Errorf("detect: %w", err)
		}

		m.recordAlerts(id, storage.RunStream, res.Alerts)

		if e.status.Load() != types.StreamStreaming {
			return nil
		}
		m.publishStreamFrame(e, frame, res)

		if !sleep(ctx, m.cfg.StreamFrameDelay) {
			return nil
		}
	}
}

func (m *Manager) publishStreamFrame(e *streamEntry, frame *image.RGBA, res pipeline.FrameResult) {
	id := e.rec.ID
	data, err := storage.EncodeJPEG(frame, m.cfg.StreamQuality)
	if err != nil {
		logger.Warn("Lifecycle", "Stream %s frame encode: %v", id, err)
		return
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	m.deps.Gateway.Publish(broadcast.Event{
		Name: broadcast.EventStreamFrame,
		Key:  id,
		JPEG: data,
		Payload: map[string]any{
			"stream_id": id,
			"camera_id": e.camera,
			"frame":     encoded,
			"stats":     res.Stats,
			"fps":       res.FPS,
			"detections": map[string]int{
				"person_count": res.Stats.Persons,
				"bag_count":    res.Stats.Bags,
				"weapon_count": res.Stats.Weapons,
			},
		},
	})
	m.deps.Gateway.Publish(broadcast.Event{
		Name: broadcast.StreamFrameFor(id),
		Key:  id,
		JPEG: data,
		Payload: map[string]any{
			"frame": encoded,
			"stats": res.Stats,
			"fps":   res.FPS,
		},
	})
}

// endStream moves the stream to its terminal state and announces it.
func (m *Manager) endStream(ctx context.Context, e *streamEntry, err error) {
	if err != nil && ctx.Err() == nil {
		m.failStream(e, err)
		return
	}
	e.status.Store(types.StreamStopped)
	logger.Info("Lifecycle", "Stream %s stopped", e.rec.ID)
	m.publish(broadcast.EventStreamStopped, e.rec.ID, map[string]any{
		"stream_id": e.rec.ID,
		"camera_id": e.camera,
		"status":    string(types.StreamStopped),
	})
}

func (m *Manager) failStream(e *streamEntry, err error) {
	id := e.rec.ID
	e.mu.Lock()
	e.rec.Error = err.Error()
	e.mu.Unlock()
	e.status.Store(types.StreamError)

	logger.Error("Lifecycle", "Stream %s failed: %v", id, err)
	m.publish(broadcast.EventStreamError, id, map[string]any{
		"stream_id": id,
		"camera_id": e.camera,
		"message":   err.Error(),
	})
	m.publish(broadcast.StreamErrorFor(id), id, map[string]any{"error": err.Error()})
}
