// Package lifecycle owns the registry of live streams and upload-processing tasks and runs one
// worker goroutine per run.
//
// Each record is written by its worker only, except for its status which a stop request may move
// to stopping. Status therefore lives in an atomic cell next to the entry lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/capture"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/internal/pipeline"
	"github.com/rasd/surveillance-server/internal/storage"
	"github.com/rasd/surveillance-server/pkg/types"
)

var (
	// ErrNotFound is returned for ids not in the registry.
	ErrNotFound = errors.New("lifecycle: not found")
	// ErrStillRunning is returned when removing a stream that has not reached a terminal state.
	ErrStillRunning = errors.New("lifecycle: still running")
	// ErrInvalidRequest is returned for start requests missing their source.
	ErrInvalidRequest = errors.New("lifecycle: invalid request")
	// ErrShuttingDown is returned for start requests after Shutdown.
	ErrShuttingDown = errors.New("lifecycle: shutting down")
)

// Models is the loaded detection stack shared by every worker.
type Models interface {
	pipeline.Detector
	Load(ctx context.Context) error
}

// Snapshots stores JPEGs and resolves output locations.
type Snapshots interface {
	SaveJPEG(area storage.Area, name string, img image.Image, quality int) (string, error)
	Path(area storage.Area, name string) string
	URL(area storage.Area, name string) string
}

// AlertLog persists alerts. Optional.
type AlertLog interface {
	Insert(ctx context.Context, runID string, kind storage.RunKind, ev types.AlertEvent) error
}

// TaskStore keeps finished task records across restarts. Optional.
type TaskStore interface {
	Save(ctx context.Context, rec types.TaskRecord) error
	Load(ctx context.Context, id string) (types.TaskRecord, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Models    Models
	Opener    capture.Opener
	Outputs   capture.OutputFactory
	Snapshots Snapshots
	Gateway   broadcast.Gateway
	Alerts    AlertLog
	Tasks     TaskStore
	Metrics   *metrics.Metrics
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// StreamRequest starts a live stream.
type StreamRequest struct {
	Kind     types.SourceKind
	Path     string
	URL      string
	Name     string
	CameraID string
}

// TaskRequest starts processing of an uploaded file.
type TaskRequest struct {
	Filename string
	Path     string
}

type statusCell[S ~string] struct {
	v atomic.Value
}

func (c *statusCell[S]) Load() S {
	s, _ := c.v.Load().(S)
	return s
}

func (c *statusCell[S]) Store(s S) { c.v.Store(s) }

func (c *statusCell[S]) CompareAndSwap(old, new S) bool {
	return c.v.CompareAndSwap(old, new)
}

type streamEntry struct {
	status statusCell[types.StreamStatus]
	mu     sync.RWMutex
	rec    types.StreamRecord
	camera string
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *streamEntry) snapshot() types.StreamRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.rec
	rec.Status = e.status.Load()
	return rec
}

type taskEntry struct {
	status statusCell[types.TaskStatus]
	mu     sync.RWMutex
	rec    types.TaskRecord
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *taskEntry) snapshot() types.TaskRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.rec
	rec.Status = e.status.Load()
	rec.Captures = append([]types.AlertEvent(nil), e.rec.Captures...)
	if e.rec.Stats != nil {
		s := *e.rec.Stats
		rec.Stats = &s
	}
	return rec
}

// Manager is the stream and task registry.
type Manager struct {
	cfg  config.PipelineConfig
	deps Deps

	mu      sync.RWMutex
	streams map[string]*streamEntry
	tasks   map[string]*taskEntry
	seq     int
	closed  bool

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty registry.
func NewManager(cfg config.PipelineConfig, deps Deps) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Gateway == nil {
		deps.Gateway = broadcast.Discard
	}
	if deps.Outputs == nil {
		deps.Outputs = capture.DiscardOutputs{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		streams: make(map[string]*streamEntry),
		tasks:   make(map[string]*taskEntry),
		base:    base,
		cancel:  cancel,
	}
}

// StartStream registers a stream in starting state and spawns its worker.
func (m *Manager) StartStream(ctx context.Context, req StreamRequest) (types.StreamRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.StreamRecord{}, err
	}
	switch req.Kind {
	case types.SourceFile:
		if req.Path == "" {
			return types.StreamRecord{}, fmt.Errorf("%w: file source requires a path", ErrInvalidRequest)
		}
	case types.SourceRTSP:
		if req.URL == "" {
			return types.StreamRecord{}, fmt.Errorf("%w: rtsp source requires a url", ErrInvalidRequest)
		}
	case types.SourceWebcam:
	default:
		return types.StreamRecord{}, fmt.Errorf("%w: unknown source kind %q", ErrInvalidRequest, req.Kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.StreamRecord{}, ErrShuttingDown
	}
	m.seq++
	name := req.Name
	if name == "" {
		name = req.CameraID
	}
	if name == "" {
		name = fmt.Sprintf("Stream %d", m.seq)
	}
	now := m.deps.Now()
	wctx, cancel := context.WithCancel(m.base)
	e := &streamEntry{
		rec: types.StreamRecord{
			ID:         m.deps.NewID(),
			Name:       name,
			Kind:       req.Kind,
			SourcePath: req.Path,
			SourceURL:  req.URL,
			CreatedAt:  now,
			Created:    now.Format(types.TimeLayout),
		},
		camera: req.CameraID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if e.camera == "" {
		e.camera = name
	}
	e.status.Store(types.StreamStarting)
	m.streams[e.rec.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveStreams.Add(1)
	}
	rec := e.snapshot()
	logger.Info("Lifecycle", "Starting stream %s (%s, %s %s)", rec.ID, rec.Name, rec.Kind, capture.OpenRequest{Kind: req.Kind, Path: req.Path, URL: req.URL}.Target())
	m.publish(broadcast.EventStreamStarted, rec.ID, map[string]any{
		"stream_id": rec.ID,
		"camera_id": e.camera,
		"name":      rec.Name,
		"status":    string(rec.Status),
	})

	go m.runStream(wctx, e, req)
	return rec, nil
}

// StopStream asks a stream's worker to exit and waits up to the stop grace for it. A stream
// stopped while starting goes to stopping directly; no frame is published once it stops.
func (m *Manager) StopStream(ctx context.Context, id string) (types.StreamRecord, error) {
	e, ok := m.stream(id)
	if !ok {
		return types.StreamRecord{}, ErrNotFound
	}

	if e.status.CompareAndSwap(types.StreamStreaming, types.StreamStopping) ||
		e.status.CompareAndSwap(types.StreamStarting, types.StreamStopping) {
		logger.Info("Lifecycle", "Stopping stream %s", id)
		e.cancel()
	}

	grace := time.NewTimer(m.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-e.done:
	case <-grace.C:
		logger.Warn("Lifecycle", "Stream %s still finishing after %v", id, m.cfg.StopGrace)
	case <-ctx.Done():
	}
	return e.snapshot(), nil
}

// GetStream returns one stream record.
func (m *Manager) GetStream(id string) (types.StreamRecord, error) {
	e, ok := m.stream(id)
	if !ok {
		return types.StreamRecord{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// ListStreams returns every stream record, oldest first.
func (m *Manager) ListStreams() []types.StreamRecord {
	m.mu.RLock()
	out := make([]types.StreamRecord, 0, len(m.streams))
	for _, e := range m.streams {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RemoveStream deletes a stopped or failed stream from the registry.
func (m *Manager) RemoveStream(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	if !e.status.Load().Terminal() {
		return ErrStillRunning
	}
	delete(m.streams, id)
	return nil
}

// StartTask registers an uploaded file and spawns its worker.
func (m *Manager) StartTask(ctx context.Context, req TaskRequest) (types.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.TaskRecord{}, err
	}
	if req.Path == "" {
		return types.TaskRecord{}, fmt.Errorf("%w: task requires a path", ErrInvalidRequest)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.TaskRecord{}, ErrShuttingDown
	}
	now := m.deps.Now()
	wctx, cancel := context.WithCancel(m.base)
	e := &taskEntry{
		rec: types.TaskRecord{
			ID:         m.deps.NewID(),
			Filename:   req.Filename,
			SourcePath: req.Path,
			UploadedAt: now,
			UploadTime: now.Format(types.TimeLayout),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.status.Store(types.TaskUploaded)
	m.tasks[e.rec.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveTasks.Add(1)
	}
	rec := e.snapshot()
	logger.Info("Lifecycle", "Accepted task %s for %s", rec.ID, req.Filename)

	go m.runTask(wctx, e)
	return rec, nil
}

// GetTask returns a task from memory or, failing that, from the task store.
func (m *Manager) GetTask(ctx context.Context, id string) (types.TaskRecord, error) {
	m.mu.RLock()
	e, ok := m.tasks[id]
	m.mu.RUnlock()
	if ok {
		return e.snapshot(), nil
	}
	if m.deps.Tasks == nil {
		return types.TaskRecord{}, ErrNotFound
	}
	rec, err := m.deps.Tasks.Load(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrCacheMiss) {
			return types.TaskRecord{}, ErrNotFound
		}
		return types.TaskRecord{}, err
	}
	return rec, nil
}

// ListTasks returns the in-memory tasks, oldest first.
func (m *Manager) ListTasks() []types.TaskRecord {
	m.mu.RLock()
	out := make([]types.TaskRecord, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out
}

// Shutdown stops every stream, cancels every task and waits for the workers or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.streams {
		if e.status.CompareAndSwap(types.StreamStreaming, types.StreamStopping) ||
			e.status.CompareAndSwap(types.StreamStarting, types.StreamStopping) {
			e.cancel()
		}
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Lifecycle", "All workers finished")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (m *Manager) stream(id string) (*streamEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.streams[id]
	return e, ok
}

func (m *Manager) publish(name, key string, payload any) {
	m.deps.Gateway.Publish(broadcast.Event{Name: name, Key: key, Payload: payload})
}

// recordAlerts fans alerts out and appends them to the alert log.
func (m *Manager) recordAlerts(runID string, kind storage.RunKind, alerts []types.AlertEvent) {
	for _, ev := range alerts {
		m.deps.Gateway.Publish(broadcast.Event{Name: broadcast.EventAlert, Key: runID, Payload: ev})
		if m.deps.Alerts == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.deps.Alerts.Insert(ctx, runID, kind, ev); err != nil {
			logger.Error("Lifecycle", "Persist alert %s for %s: %v", ev.Kind, runID, err)
			if m.deps.Metrics != nil {
				m.deps.Metrics.StoreErrors.Add(1)
			}
		}
		cancel()
	}
}

func (m *Manager) processor(runID string, mode pipeline.FPSMode) *pipeline.Processor {
	return pipeline.NewProcessor(m.deps.Models, m.deps.Snapshots, pipeline.Options{
		Config:  m.cfg,
		RunID:   runID,
		FPSMode: mode,
		Metrics: m.deps.Metrics,
		Now:     m.deps.Now,
	})
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
