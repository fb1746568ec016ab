package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/capture"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/pipeline"
	"github.com/rasd/surveillance-server/internal/storage"
	"github.com/rasd/surveillance-server/pkg/types"
)

const (
	thumbnailWidth   = 320
	thumbnailQuality = 85
)

// OutputName is the processed video filename for a stored upload. Stored uploads carry a
// unique prefix, so two uploads of the same file never share outputs.
func OutputName(storedPath string) string {
	return "processed_" + storage.SanitizeFilename(filepath.Base(storedPath))
}

// ThumbnailName is the thumbnail filename for a stored upload.
func ThumbnailName(storedPath string) string {
	base := storage.SanitizeFilename(filepath.Base(storedPath))
	return "thumb_" + strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
}

func (m *Manager) runTask(ctx context.Context, e *taskEntry) {
	id := e.rec.ID
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Lifecycle", "Task %s worker panic: %v\n%s", id, r, debug.Stack())
			m.failTask(e, fmt.Errorf("worker panic: %v", r))
		}
		e.cancel()
		if m.deps.Metrics != nil {
			m.deps.Metrics.ActiveTasks.Add(-1)
		}
		close(e.done)
		m.wg.Done()
	}()

	e.status.Store(types.TaskProcessing)
	if err := m.processTask(ctx, e); err != nil {
		m.failTask(e, err)
	}
}

func (m *Manager) processTask(ctx context.Context, e *taskEntry) error {
	id := e.rec.ID
	e.mu.RLock()
	filename, srcPath := e.rec.Filename, e.rec.SourcePath
	e.mu.RUnlock()

	if err := m.deps.Models.Load(ctx); err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	src, err := m.deps.Opener.Open(ctx, capture.OpenRequest{Kind: types.SourceFile, Path: srcPath})
	if err != nil {
		return err
	}
	defer src.Close()
	info := src.Info()

	outName := OutputName(srcPath)
	out, err := m.deps.Outputs.Create(ctx, m.deps.Snapshots.Path(storage.AreaProcessed, outName), info)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = out.Close()
		}
	}()

	logger.Info("Lifecycle", "Task %s processing %s (%dx%d, %d frames)", id, filename, info.Width, info.Height, info.Frames)
	proc := m.processor(id, pipeline.FPSCumulative)
	start := m.deps.Now()
	frames := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Read(ctx)
		if errors.Is(err, capture.ErrEndOfSource) {
			break
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", frames+1, err)
		}

		res, err := proc.Process(ctx, frame)
		if err != nil {
			if m.deps.Metrics != nil {
				m.deps.Metrics.DetectErrors.Add(1)
			}
			return fmt.Errorf("detect frame %d: %w", frames+1, err)
		}
		if err := out.WriteFrame(ctx, frame); err != nil {
			return fmt.Errorf("write frame %d: %w", frames+1, err)
		}
		frames++

		if len(res.Alerts) > 0 {
			e.mu.Lock()
			e.rec.Captures = append(e.rec.Captures, res.Alerts...)
			e.mu.Unlock()
			m.recordAlerts(id, storage.RunTask, res.Alerts)
		}

		if frames%m.cfg.ProgressEvery == 0 {
			progress := m.advance(e, frames, info.Frames)
			m.publish(broadcast.EventTaskProgress, id, map[string]any{
				"task_id":  id,
				"progress": progress,
				"stats":    res.Stats,
			})
		}
		if frames%m.cfg.PreviewEvery == 0 {
			m.publishPreview(id, frame, frames, res.Stats)
		}
	}

	if frames == 0 {
		return errors.New("no frames decoded")
	}
	closed = true
	if err := out.Close(); err != nil {
		return fmt.Errorf("finish output: %w", err)
	}

	thumbURL := m.saveThumbnail(id, srcPath, out)
	elapsed := m.deps.Now().Sub(start).Seconds()
	stats := proc.Accumulator().Summary(frames, elapsed, proc.FPS())

	e.mu.Lock()
	e.rec.Progress = 100
	e.rec.OutputPath = m.deps.Snapshots.URL(storage.AreaProcessed, outName)
	e.rec.ThumbnailPath = thumbURL
	e.rec.Stats = &stats
	e.rec.CompletedAt = m.deps.Now()
	e.mu.Unlock()
	e.status.Store(types.TaskCompleted)

	rec := e.snapshot()
	logger.Info("Lifecycle", "Task %s completed: %d frames, %d alerts in %.1fs", id, frames, len(rec.Captures), elapsed)
	m.publish(broadcast.EventTaskCompleted, id, map[string]any{
		"task_id":     id,
		"output_path": rec.OutputPath,
		"thumbnail":   rec.ThumbnailPath,
		"stats":       rec.Stats,
	})
	m.cacheTask(rec)
	return nil
}

// advance raises progress to frames/total, capped at 99 until the task completes.
func (m *Manager) advance(e *taskEntry, frames, total int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if total > 0 {
		p := min(99, frames*100/total)
		if p > e.rec.Progress {
			e.rec.Progress = p
		}
	}
	return e.rec.Progress
}

func (m *Manager) publishPreview(id string, frame image.Image, n int, stats types.FrameStats) {
	data, err := storage.EncodeJPEG(frame, m.cfg.PreviewQuality)
	if err != nil {
		logger.Warn("Lifecycle", "Task %s preview encode: %v", id, err)
		return
	}
	m.deps.Gateway.Publish(broadcast.Event{
		Name: broadcast.EventVideoFrame,
		Key:  id,
		JPEG: data,
		Payload: map[string]any{
			"task_id":      id,
			"frame":        base64.StdEncoding.EncodeToString(data),
			"frame_number": n,
			"stats":        stats,
		},
	})
}

func (m *Manager) saveThumbnail(id, srcPath string, out capture.FrameWriter) string {
	first := out.FirstFrame()
	if first == nil {
		logger.Warn("Lifecycle", "Task %s has no frame for a thumbnail", id)
		return ""
	}
	thumb := imaging.Resize(first, thumbnailWidth, 0, imaging.Lanczos)
	ref, err := m.deps.Snapshots.SaveJPEG(storage.AreaProcessed, ThumbnailName(srcPath), thumb, thumbnailQuality)
	if err != nil {
		logger.Warn("Lifecycle", "Task %s thumbnail: %v", id, err)
		if m.deps.Metrics != nil {
			m.deps.Metrics.StoreErrors.Add(1)
		}
		return ""
	}
	return ref
}

func (m *Manager) failTask(e *taskEntry, err error) {
	id := e.rec.ID
	e.mu.Lock()
	e.rec.Error = err.Error()
	e.rec.CompletedAt = m.deps.Now()
	e.mu.Unlock()
	e.status.Store(types.TaskError)

	logger.Error("Lifecycle", "Task %s failed: %v", id, err)
	m.publish(broadcast.EventTaskError, id, map[string]any{
		"task_id": id,
		"error":   err.Error(),
	})
	m.cacheTask(e.snapshot())
}

func (m *Manager) cacheTask(rec types.TaskRecord) {
	if m.deps.Tasks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.deps.Tasks.Save(ctx, rec); err != nil {
		logger.Warn("Lifecycle", "Cache task %s: %v", rec.ID, err)
	}
}
