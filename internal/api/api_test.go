package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/lifecycle"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/pkg/types"
)

// fakeRuns is an in-memory registry with no workers.
type fakeRuns struct {
	mu      sync.Mutex
	streams map[string]types.StreamRecord
	tasks   map[string]types.TaskRecord
	started []lifecycle.StreamRequest
	uploads []lifecycle.TaskRequest
	seq     int
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{streams: map[string]types.StreamRecord{}, tasks: map[string]types.TaskRecord{}}
}

func (f *fakeRuns) StartStream(ctx context.Context, req lifecycle.StreamRequest) (types.StreamRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Kind == types.SourceFile && req.Path == "" {
		return types.StreamRecord{}, lifecycle.ErrInvalidRequest
	}
	f.seq++
	name := req.Name
	if name == "" {
		name = req.CameraID
	}
	rec := types.StreamRecord{ID: "s" + string(rune('0'+f.seq)), Name: name, Kind: req.Kind, Status: types.StreamStarting}
	f.streams[rec.ID] = rec
	f.started = append(f.started, req)
	return rec, nil
}

func (f *fakeRuns) StopStream(ctx context.Context, id string) (types.StreamRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.streams[id]
	if !ok {
		return types.StreamRecord{}, lifecycle.ErrNotFound
	}
	rec.Status = types.StreamStopped
	f.streams[id] = rec
	return rec, nil
}

func (f *fakeRuns) GetStream(id string) (types.StreamRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.streams[id]
	if !ok {
		return types.StreamRecord{}, lifecycle.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRuns) ListStreams() []types.StreamRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []types.StreamRecord{}
	for _, r := range f.streams {
		out = append(out, r)
	}
	return out
}

func (f *fakeRuns) RemoveStream(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.streams[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	if !rec.Status.Terminal() {
		return lifecycle.ErrStillRunning
	}
	delete(f.streams, id)
	return nil
}

func (f *fakeRuns) StartTask(ctx context.Context, req lifecycle.TaskRequest) (types.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := types.TaskRecord{ID: "t1", Filename: req.Filename, SourcePath: req.Path, Status: types.TaskUploaded}
	f.tasks[rec.ID] = rec
	f.uploads = append(f.uploads, req)
	return rec, nil
}

func (f *fakeRuns) GetTask(ctx context.Context, id string) (types.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tasks[id]
	if !ok {
		return types.TaskRecord{}, lifecycle.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRuns) ListTasks() []types.TaskRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []types.TaskRecord{}
	for _, r := range f.tasks {
		out = append(out, r)
	}
	return out
}

type dirUploads struct{ dir string }

func (d dirUploads) SaveUpload(name string, r io.Reader) (string, error) {
	p := filepath.Join(d.dir, name)
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return p, os.WriteFile(p, data, 0o644)
}

type fakeAlerts struct{}

func (fakeAlerts) ListByRun(ctx context.Context, runID string, limit int) ([]types.AlertEvent, error) {
	return []types.AlertEvent{{Kind: "Knife", RunID: runID, Path: "/static/captures/k.jpg"}}, nil
}

type testEnv struct {
	srv  *httptest.Server
	runs *fakeRuns
	hub  *broadcast.Hub
	dir  string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.StaticDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.StaticDir, "hello.txt"), []byte("hi"), 0o644))

	m := metrics.New()
	env := &testEnv{runs: newFakeRuns(), hub: broadcast.NewHub(cfg.Broadcast, m), dir: t.TempDir()}
	api := NewServer(cfg, Deps{
		Runs:    env.runs,
		Uploads: dirUploads{dir: env.dir},
		Events:  env.hub,
		Alerts:  fakeAlerts{},
		MJPEG:   broadcast.NewMJPEGSink(),
		Metrics: m,
	})
	env.srv = httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		env.hub.Close()
		env.srv.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func TestTestServer(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, http.MethodGet, "/test_server", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = env.do(t, http.MethodOptions, "/api/start-stream", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamRoutes(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/start-stream", `{"camera_id":"gate"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	id := body["stream_id"].(string)
	assert.Equal(t, "starting", body["status"])
	assert.Equal(t, "gate", body["camera_id"])
	assert.Equal(t, "Stream webcam started", body["message"])
	assert.Equal(t, types.SourceWebcam, env.runs.started[0].Kind)

	resp, body = env.do(t, http.MethodGet, "/api/streams", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["streams"], 1)

	resp, body = env.do(t, http.MethodGet, "/api/stream/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gate", body["name"])

	resp, _ = env.do(t, http.MethodGet, "/api/stream/"+id+"/mjpeg", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/stream/"+id, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/stop-stream", `{"stream_id":"`+id+`"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "stopped", body["stream_status"])

	resp, _ = env.do(t, http.MethodDelete, "/api/stream/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/api/stream/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Stream not found", body["error"])
}

func TestStreamRouteErrors(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/start-stream", `{"source_type":"usb"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Failed to start stream", body["message"])

	resp, _ = env.do(t, http.MethodPost, "/api/start-stream", `{"source_type":"file"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/start-stream", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/stop-stream/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Stream not found", body["error"])

	resp, body = env.do(t, http.MethodPost, "/api/stop-stream", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No stream_id provided", body["error"])

	resp, _ = env.do(t, http.MethodGet, "/api/stream/missing/mjpeg", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/stream/missing/webrtc/offer", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadStartsTask(t *testing.T) {
	env := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("video", "clip.mp4")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake video"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.srv.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "t1", body["task_id"])

	require.Len(t, env.runs.uploads, 1)
	up := env.runs.uploads[0]
	assert.Equal(t, "clip.mp4", up.Filename)
	assert.True(t, strings.HasSuffix(up.Path, "_clip.mp4"))
	data, err := os.ReadFile(up.Path)
	require.NoError(t, err)
	assert.Equal(t, "fake video", string(data))

	_, task := env.do(t, http.MethodGet, "/task/t1", "")
	assert.Equal(t, "uploaded", task["status"])
	_, task = env.do(t, http.MethodGet, "/api/task/t1", "")
	assert.Equal(t, "clip.mp4", task["filename"])
	_, list := env.do(t, http.MethodGet, "/api/tasks", "")
	assert.Len(t, list["tasks"], 1)

	r, body := env.do(t, http.MethodGet, "/task/nope", "")
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	assert.Equal(t, "Task not found", body["error"])
}

func TestUploadWithoutFile(t *testing.T) {
	env := newEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.srv.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.runs.uploads)
}

func TestTaskReport(t *testing.T) {
	env := newEnv(t)
	env.runs.tasks["done"] = types.TaskRecord{
		ID:       "done",
		Filename: "clip.mp4",
		Status:   types.TaskCompleted,
		Stats: &types.SummaryStats{
			Frames:  30,
			Weapons: types.UniqueTotal{Unique: 1, Total: 2},
		},
		Captures: []types.AlertEvent{{Kind: "Knife", Confidence: 0.9, Timestamp: time.Now(), Path: "/static/captures/k.jpg"}},
	}
	env.runs.tasks["busy"] = types.TaskRecord{ID: "busy", Status: types.TaskProcessing}

	resp, err := http.Get(env.srv.URL + "/api/task/done/report.xlsx")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxMIME, resp.Header.Get("Content-Type"))

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Task", "done"}, rows[0])
	assert.Equal(t, []string{"Frames", "30"}, rows[5])

	caps, err := f.GetRows(capturesSheet)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "Knife", caps[1][0])
	assert.Equal(t, "/static/captures/k.jpg", caps[1][7])

	r, _ := env.do(t, http.MethodGet, "/api/task/busy/report.xlsx", "")
	assert.Equal(t, http.StatusConflict, r.StatusCode)
}

func TestAlertsAndStatic(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/alerts?run_id=s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Knife", alerts[0].(map[string]any)["type"])

	resp, _ = env.do(t, http.MethodGet, "/api/alerts", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Get(env.srv.URL + "/static/hello.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(r.Body)
	r.Body.Close()
	assert.Equal(t, "hi", string(data))

	r, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	data, _ = io.ReadAll(r.Body)
	r.Body.Close()
	assert.Contains(t, string(data), "surveillance_events_published_total")
}

func TestSSEFeedFiltersEvents(t *testing.T) {
	env := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/events?events=alert", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	env.hub.Publish(broadcast.Event{Name: broadcast.EventTaskProgress, Key: "t1", Payload: map[string]any{"progress": 10}})
	env.hub.Publish(broadcast.Event{Name: broadcast.EventAlert, Key: "s1", Payload: map[string]any{"type": "KNIFE"}})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, "alert", ev["event"])
	assert.Equal(t, "KNIFE", ev["data"].(map[string]any)["type"])
}

func TestWebSocketControlAndEvents(t *testing.T) {
	env := newEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "start_stream",
		"id":   "1",
		"data": map[string]any{"source_type": "rtsp", "rtsp_url": "rtsp://cam", "name": "dock"},
	}))
	var reply struct {
		Type string         `json:"type"`
		ID   string         `json:"id"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "start_stream_result", reply.Type)
	assert.Equal(t, "1", reply.ID)
	assert.Equal(t, "starting", reply.Data["status"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop_stream", "data": map[string]any{"stream_id": "nope"}}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "stop_stream_result", reply.Type)
	assert.Equal(t, "error", reply.Data["status"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_streams"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Len(t, reply.Data["streams"], 1)

	env.hub.Publish(broadcast.Event{Name: broadcast.EventStreamStarted, Key: "s1", Payload: map[string]any{"stream_id": "s1"}})
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "stream_started", ev["event"])
}

func TestFilterFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/events?stream=s9&events=alert,%20stream_frame,", nil)
	f := filterFrom(r)
	assert.Equal(t, "s9", f.Key)
	assert.True(t, f.Names["alert"])
	assert.True(t, f.Names["stream_frame"])
	assert.Len(t, f.Names, 2)

	r.Header.Set("Accept", "application/x-protobuf")
	assert.True(t, wantsProtobuf(r))
}
