package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/broadcast/broadcasttest"
	"github.com/rasd/surveillance-server/internal/capture"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/internal/storage"
	"github.com/rasd/surveillance-server/internal/vision"
	"github.com/rasd/surveillance-server/pkg/types"
)

const knifeClass = 43

// scriptedModels returns a knife on the configured call numbers and nothing otherwise.
type scriptedModels struct {
	mu       sync.Mutex
	calls    int
	weaponAt map[int]bool
	panicAt  int
	loadErr  error
}

func (s *scriptedModels) Load(ctx context.Context) error { return s.loadErr }

func (s *scriptedModels) Detect(ctx context.Context, frame image.Image) ([]types.DetectionBox, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.panicAt > 0 && n == s.panicAt {
		panic("detector exploded")
	}
	if s.weaponAt[n] {
		return []types.DetectionBox{{ClassID: knifeClass, Confidence: 0.9, Box: types.Box{X1: 10, Y1: 10, X2: 30, Y2: 30}}}, nil
	}
	return nil, nil
}

func (s *scriptedModels) ClassifierAvailable() bool { return false }

func (s *scriptedModels) LocateFaces(ctx context.Context, roi image.Image, minSize int) ([]image.Rectangle, error) {
	return nil, nil
}

func (s *scriptedModels) ClassifyFace(ctx context.Context, face image.Image) (vision.FaceVerdict, error) {
	return vision.FaceVerdict{}, vision.ErrClassifierUnavailable
}

type alertLog struct {
	mu     sync.Mutex
	events []types.AlertEvent
	kinds  []storage.RunKind
}

func (a *alertLog) Insert(ctx context.Context, runID string, kind storage.RunKind, ev types.AlertEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	a.kinds = append(a.kinds, kind)
	return nil
}

func (a *alertLog) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type taskStore struct {
	mu   sync.Mutex
	recs map[string]types.TaskRecord
}

func newTaskStore() *taskStore { return &taskStore{recs: make(map[string]types.TaskRecord)} }

func (s *taskStore) Save(ctx context.Context, rec types.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *taskStore) Load(ctx context.Context, id string) (types.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return types.TaskRecord{}, storage.ErrCacheMiss
	}
	return rec, nil
}

// gatedSource blocks every read until released and ignores ctx.
type gatedSource struct {
	release chan struct{}
	info    capture.Info
}

func (g *gatedSource) Read(ctx context.Context) (*image.RGBA, error) {
	<-g.release
	return image.NewRGBA(image.Rect(0, 0, g.info.Width, g.info.Height)), nil
}
func (g *gatedSource) Rewind(ctx context.Context) error { return nil }
func (g *gatedSource) Info() capture.Info               { return g.info }
func (g *gatedSource) Close() error                     { return nil }

type emptySource struct{}

func (emptySource) Read(ctx context.Context) (*image.RGBA, error) { return nil, capture.ErrEndOfSource }
func (emptySource) Rewind(ctx context.Context) error              { return nil }
func (emptySource) Info() capture.Info                            { return capture.Info{Width: 64, Height: 36, FPS: 30} }
func (emptySource) Close() error                                  { return nil }

// crashingSource yields frames frames and then a decoder failure.
type crashingSource struct {
	frames int
	info   capture.Info
}

func (c *crashingSource) Read(ctx context.Context) (*image.RGBA, error) {
	if c.frames == 0 {
		return nil, fmt.Errorf("%w: ffmpeg: exit status 1: corrupt macroblock", capture.ErrSourceFailed)
	}
	c.frames--
	return image.NewRGBA(image.Rect(0, 0, c.info.Width, c.info.Height)), nil
}
func (c *crashingSource) Rewind(ctx context.Context) error { return nil }
func (c *crashingSource) Info() capture.Info               { return c.info }
func (c *crashingSource) Close() error                     { return nil }

type fixture struct {
	m      *Manager
	events *broadcasttest.Recorder
	models *scriptedModels
	store  *storage.SnapshotStore
	alerts *alertLog
	tasks  *taskStore
	stats  *metrics.Metrics
	dir    string
}

func newFixture(t *testing.T, opener capture.Opener, models *scriptedModels) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := storage.NewSnapshotStore(config.StorageConfig{
		StaticDir:    dir,
		URLPrefix:    "/static",
		UploadsDir:   "uploads",
		ProcessedDir: "processed",
		CapturesDir:  "captures",
	})
	require.NoError(t, store.EnsureDirs())

	if models == nil {
		models = &scriptedModels{}
	}
	if opener == nil {
		opener = capture.SyntheticOpener{Width: 64, Height: 36, FPS: 30, Frames: 30}
	}

	cfg := config.DefaultConfig().Pipeline
	cfg.StreamFrameDelay = 2 * time.Millisecond
	cfg.StopGrace = 2 * time.Second

	f := &fixture{
		events: &broadcasttest.Recorder{},
		models: models,
		store:  store,
		alerts: &alertLog{},
		tasks:  newTaskStore(),
		stats:  metrics.New(),
		dir:    dir,
	}
	f.m = NewManager(cfg, Deps{
		Models:    models,
		Opener:    opener,
		Outputs:   capture.DiscardOutputs{},
		Snapshots: store,
		Gateway:   f.events,
		Alerts:    f.alerts,
		Tasks:     f.tasks,
		Metrics:   f.stats,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.m.Shutdown(ctx)
	})
	return f
}

func (f *fixture) upload(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte("video"), 0o644))
	return p
}

func (f *fixture) waitTask(t *testing.T, id string) types.TaskRecord {
	t.Helper()
	var rec types.TaskRecord
	require.Eventually(t, func() bool {
		r, err := f.m.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return rec
}

func (f *fixture) waitStream(t *testing.T, id string, want types.StreamStatus) types.StreamRecord {
	t.Helper()
	var rec types.StreamRecord
	require.Eventually(t, func() bool {
		r, err := f.m.GetStream(id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return rec
}

func lastIndex(names []string, name string) int {
	idx := -1
	for i, n := range names {
		if n == name {
			idx = i
		}
	}
	return idx
}

func TestTaskCompletesWithThrottledCapture(t *testing.T) {
	models := &scriptedModels{weaponAt: map[int]bool{10: true, 12: true}}
	f := newFixture(t, nil, models)
	path := f.upload(t, "clip.mp4")

	rec, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "clip.mp4", Path: path})
	require.NoError(t, err)
	assert.Equal(t, types.TaskUploaded, rec.Status)
	assert.NotEmpty(t, rec.UploadTime)

	final := f.waitTask(t, rec.ID)
	require.Equal(t, types.TaskCompleted, final.Status, final.Error)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "/static/processed/processed_clip.mp4", final.OutputPath)
	assert.Equal(t, "/static/processed/thumb_clip.jpg", final.ThumbnailPath)
	assert.FileExists(t, f.store.Path(storage.AreaProcessed, "thumb_clip.jpg"))

	require.Len(t, final.Captures, 1, "second knife inside the capture interval is suppressed")
	assert.Equal(t, "Knife", final.Captures[0].Kind)
	assert.Equal(t, rec.ID, final.Captures[0].RunID)

	require.NotNil(t, final.Stats)
	assert.Equal(t, 30, final.Stats.Frames)
	assert.Equal(t, 2, final.Stats.Weapons.Total)
	assert.Equal(t, 1, final.Stats.Weapons.Unique)

	var progress []int
	for _, ev := range f.events.Named(broadcast.EventTaskProgress) {
		progress = append(progress, ev.Payload.(map[string]any)["progress"].(int))
	}
	assert.Equal(t, []int{33, 66, 99}, progress)
	assert.Equal(t, 1, f.events.Count(broadcast.EventVideoFrame))
	assert.Equal(t, 1, f.events.Count(broadcast.EventAlert))
	assert.Equal(t, 1, f.events.Count(broadcast.EventTaskCompleted))
	assert.Zero(t, f.events.Count(broadcast.EventTaskError))

	names := f.events.Names()
	assert.Equal(t, broadcast.EventTaskCompleted, names[len(names)-1])

	assert.Equal(t, 1, f.alerts.len())
	assert.Equal(t, storage.RunTask, f.alerts.kinds[0])

	cached, err := f.tasks.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, cached.Status)
	assert.Equal(t, uint64(1), f.stats.CapturesTaken.Load())
	assert.Equal(t, uint64(1), f.stats.CapturesSuppressed.Load())
}

func TestSameFilenameUploadsKeepSeparateOutputs(t *testing.T) {
	f := newFixture(t, nil, nil)
	a := f.upload(t, "aaaa_clip.mp4")
	b := f.upload(t, "bbbb_clip.mp4")

	ra, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "clip.mp4", Path: a})
	require.NoError(t, err)
	rb, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "clip.mp4", Path: b})
	require.NoError(t, err)

	fa := f.waitTask(t, ra.ID)
	fb := f.waitTask(t, rb.ID)
	require.Equal(t, types.TaskCompleted, fa.Status, fa.Error)
	require.Equal(t, types.TaskCompleted, fb.Status, fb.Error)
	assert.Equal(t, "/static/processed/processed_aaaa_clip.mp4", fa.OutputPath)
	assert.Equal(t, "/static/processed/processed_bbbb_clip.mp4", fb.OutputPath)
	assert.Equal(t, "/static/processed/thumb_aaaa_clip.jpg", fa.ThumbnailPath)
	assert.Equal(t, "/static/processed/thumb_bbbb_clip.jpg", fb.ThumbnailPath)
	assert.Equal(t, "clip.mp4", fa.Filename)
}

func TestTaskSourceFailureMidFileFails(t *testing.T) {
	f := newFixture(t, capture.OpenerFunc(func(ctx context.Context, req capture.OpenRequest) (capture.Source, error) {
		return &crashingSource{frames: 2, info: capture.Info{Width: 32, Height: 18, FPS: 30, Frames: 10}}, nil
	}), nil)
	path := f.upload(t, "clip.mp4")

	rec, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "clip.mp4", Path: path})
	require.NoError(t, err)

	final := f.waitTask(t, rec.ID)
	assert.Equal(t, types.TaskError, final.Status)
	assert.Contains(t, final.Error, "corrupt macroblock")
	assert.Less(t, final.Progress, 100)
	assert.Empty(t, final.OutputPath)
	assert.Equal(t, 1, f.events.Count(broadcast.EventTaskError))
	assert.Zero(t, f.events.Count(broadcast.EventTaskCompleted))
}

func TestTaskMissingFileFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "gone.mp4", Path: filepath.Join(f.dir, "gone.mp4")})
	require.NoError(t, err)

	final := f.waitTask(t, rec.ID)
	assert.Equal(t, types.TaskError, final.Status)
	assert.Contains(t, final.Error, "unavailable")
	require.Equal(t, 1, f.events.Count(broadcast.EventTaskError))
	assert.Zero(t, f.events.Count(broadcast.EventTaskCompleted))
}

func TestTaskDetectorPanicIsContained(t *testing.T) {
	f := newFixture(t, nil, &scriptedModels{panicAt: 5})
	path := f.upload(t, "boom.mp4")

	rec, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "boom.mp4", Path: path})
	require.NoError(t, err)

	final := f.waitTask(t, rec.ID)
	assert.Equal(t, types.TaskError, final.Status)
	assert.Contains(t, final.Error, "panic")
	assert.Equal(t, 1, f.events.Count(broadcast.EventTaskError))
}

func TestTaskModelLoadFailure(t *testing.T) {
	f := newFixture(t, nil, &scriptedModels{loadErr: errors.New("weights missing")})
	path := f.upload(t, "clip.mp4")

	rec, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "clip.mp4", Path: path})
	require.NoError(t, err)

	final := f.waitTask(t, rec.ID)
	assert.Equal(t, types.TaskError, final.Status)
	assert.Contains(t, final.Error, "weights missing")
}

func TestTaskRequiresPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "x.mp4"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetTaskFallsBackToStore(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.upload(t, "clip.mp4")
	rec, err := f.m.StartTask(context.Background(), TaskRequest{Filename: "clip.mp4", Path: path})
	require.NoError(t, err)
	f.waitTask(t, rec.ID)

	restarted := NewManager(config.DefaultConfig().Pipeline, Deps{Tasks: f.tasks})
	got, err := restarted.GetTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, "clip.mp4", got.Filename)

	_, err = restarted.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, restarted.ListTasks())
}

func TestStreamStartStop(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam, CameraID: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, types.StreamStarting, rec.Status)
	assert.Equal(t, "lobby", rec.Name)

	f.waitStream(t, rec.ID, types.StreamStreaming)
	require.Eventually(t, func() bool {
		return f.events.Count(broadcast.EventStreamFrame) >= 3
	}, 5*time.Second, 5*time.Millisecond)

	stopped, err := f.m.StopStream(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStopped, stopped.Status)

	frames := f.events.Count(broadcast.EventStreamFrame)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, frames, f.events.Count(broadcast.EventStreamFrame), "no frames after stop")

	names := f.events.Names()
	assert.Equal(t, broadcast.EventStreamStarted, names[0])
	assert.Less(t, lastIndex(names, broadcast.EventStreamFrame), lastIndex(names, broadcast.EventStreamStopped))
	assert.Less(t, lastIndex(names, broadcast.StreamFrameFor(rec.ID)), lastIndex(names, broadcast.EventStreamStopped))
	assert.Equal(t, 1, f.events.Count(broadcast.EventStreamStopped))

	ev := f.events.Named(broadcast.EventStreamFrame)[0]
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, rec.ID, payload["stream_id"])
	assert.Equal(t, "lobby", payload["camera_id"])
	assert.NotEmpty(t, ev.JPEG)
	assert.Contains(t, payload, "detections")

	again, err := f.m.StopStream(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStopped, again.Status)
	assert.Equal(t, 1, f.events.Count(broadcast.EventStreamStopped), "repeat stop emits nothing")
	assert.Zero(t, f.stats.ActiveStreams.Load())
}

func TestStopImmediatelyAfterStart(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam})
	require.NoError(t, err)
	stopped, err := f.m.StopStream(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStopped, stopped.Status)
	assert.Empty(t, stopped.Error)

	frames := f.events.Count(broadcast.EventStreamFrame)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frames, f.events.Count(broadcast.EventStreamFrame), "no frames after stop")
	assert.Equal(t, 1, f.events.Count(broadcast.EventStreamStopped))
	assert.Zero(t, f.events.Count(broadcast.EventStreamError))

	names := f.events.Names()
	assert.Equal(t, broadcast.EventStreamStopped, names[len(names)-1])
}

func TestStopIsCooperative(t *testing.T) {
	src := &gatedSource{release: make(chan struct{}), info: capture.Info{Width: 32, Height: 18, FPS: 30}}
	f := newFixture(t, capture.OpenerFunc(func(ctx context.Context, req capture.OpenRequest) (capture.Source, error) {
		return src, nil
	}), nil)
	f.m.cfg.StopGrace = 20 * time.Millisecond

	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam})
	require.NoError(t, err)
	assert.Equal(t, "Stream 1", rec.Name)
	f.waitStream(t, rec.ID, types.StreamStreaming)

	pending, err := f.m.StopStream(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStopping, pending.Status, "worker is still inside a read")
	assert.Zero(t, f.events.Count(broadcast.EventStreamStopped))

	close(src.release)
	f.waitStream(t, rec.ID, types.StreamStopped)
	assert.Zero(t, f.events.Count(broadcast.EventStreamFrame), "frame read after the stop request is not published")
	assert.Equal(t, 1, f.events.Count(broadcast.EventStreamStopped))
}

func TestFileStreamLoops(t *testing.T) {
	f := newFixture(t, capture.SyntheticOpener{Width: 32, Height: 18, FPS: 30, Frames: 3}, nil)
	path := f.upload(t, "loop.mp4")

	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceFile, Path: path})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.events.Count(broadcast.EventStreamFrame) >= 8
	}, 5*time.Second, 5*time.Millisecond)
	cur, err := f.m.GetStream(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStreaming, cur.Status)

	_, err = f.m.StopStream(context.Background(), rec.ID)
	require.NoError(t, err)
}

func TestLiveSourceEndStopsStream(t *testing.T) {
	f := newFixture(t, capture.OpenerFunc(func(ctx context.Context, req capture.OpenRequest) (capture.Source, error) {
		return capture.NewSynthetic(32, 18, 4, 30), nil
	}), nil)

	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceRTSP, URL: "rtsp://cam/1"})
	require.NoError(t, err)

	final := f.waitStream(t, rec.ID, types.StreamStopped)
	assert.Empty(t, final.Error)
	assert.Equal(t, 4, f.events.Count(broadcast.EventStreamFrame))
	assert.Zero(t, f.events.Count(broadcast.EventStreamError))
}

func TestEmptyFileStreamFails(t *testing.T) {
	f := newFixture(t, capture.OpenerFunc(func(ctx context.Context, req capture.OpenRequest) (capture.Source, error) {
		return emptySource{}, nil
	}), nil)

	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceFile, Path: "/videos/empty.mp4"})
	require.NoError(t, err)

	final := f.waitStream(t, rec.ID, types.StreamError)
	assert.Contains(t, final.Error, "no frames after rewind")
	assert.Equal(t, 1, f.events.Count(broadcast.EventStreamError))
	assert.Equal(t, 1, f.events.Count(broadcast.StreamErrorFor(rec.ID)))
	assert.Zero(t, f.events.Count(broadcast.EventStreamStopped))
}

func TestStreamOpenFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceFile, Path: filepath.Join(f.dir, "missing.mp4")})
	require.NoError(t, err)

	final := f.waitStream(t, rec.ID, types.StreamError)
	assert.NotEmpty(t, final.Error)
	payload := f.events.Named(broadcast.EventStreamError)[0].Payload.(map[string]any)
	assert.Equal(t, rec.ID, payload["stream_id"])
	assert.Equal(t, final.Error, payload["message"])
}

func TestStartStreamValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	for _, req := range []StreamRequest{
		{Kind: types.SourceFile},
		{Kind: types.SourceRTSP},
		{Kind: "usb"},
	} {
		_, err := f.m.StartStream(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, fmt.Sprintf("%+v", req))
	}
	assert.Empty(t, f.m.ListStreams())
	assert.Empty(t, f.events.Events())
}

func TestUnknownStreamOperations(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.m.StopStream(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.m.GetStream("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.m.RemoveStream("nope"), ErrNotFound)
	assert.Empty(t, f.events.Events())
}

func TestRemoveStream(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam, Name: "yard"})
	require.NoError(t, err)
	f.waitStream(t, rec.ID, types.StreamStreaming)

	assert.ErrorIs(t, f.m.RemoveStream(rec.ID), ErrStillRunning)

	_, err = f.m.StopStream(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NoError(t, f.m.RemoveStream(rec.ID))
	_, err = f.m.GetStream(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStreamsOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	a, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam})
	require.NoError(t, err)

	list := f.m.ListStreams()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Equal(t, "Stream 1", list[0].Name)
	assert.Equal(t, "Stream 2", list[1].Name)
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam})
	require.NoError(t, err)
	f.waitStream(t, rec.ID, types.StreamStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.m.Shutdown(ctx))

	cur, err := f.m.GetStream(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStopped, cur.Status)

	_, err = f.m.StartStream(context.Background(), StreamRequest{Kind: types.SourceWebcam})
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = f.m.StartTask(context.Background(), TaskRequest{Filename: "a.mp4", Path: "/tmp/a.mp4"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "processed_my_clip.mp4", OutputName("/uploads/my clip.mp4"))
	assert.Equal(t, "thumb_my_clip.jpg", ThumbnailName("my clip.mp4"))
}
