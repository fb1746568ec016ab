// Package api exposes uploads, tasks, live streams and the event feeds over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/lifecycle"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/pkg/types"
)

// Runs is the stream and task registry.
type Runs interface {
	StartStream(ctx context.Context, req lifecycle.StreamRequest) (types.StreamRecord, error)
	StopStream(ctx context.Context, id string) (types.StreamRecord, error)
	GetStream(id string) (types.StreamRecord, error)
	ListStreams() []types.StreamRecord
	RemoveStream(id string) error
	StartTask(ctx context.Context, req lifecycle.TaskRequest) (types.TaskRecord, error)
	GetTask(ctx context.Context, id string) (types.TaskRecord, error)
	ListTasks() []types.TaskRecord
}

// Uploads stores uploaded videos.
type Uploads interface {
	SaveUpload(name string, r io.Reader) (string, error)
}

// Events is the subscriber side of the broadcast hub.
type Events interface {
	Subscribe(f broadcast.Filter) (int, <-chan *broadcast.SerializedEvent)
	Unsubscribe(id int)
}

// AlertQuery reads the persisted alert log.
type AlertQuery interface {
	ListByRun(ctx context.Context, runID string, limit int) ([]types.AlertEvent, error)
}

// Offerer answers WebRTC offers for a stream.
type Offerer interface {
	HandleOffer(streamID string, offerJSON []byte) ([]byte, error)
}

// MJPEGStreams resolves the multipart endpoint of a stream.
type MJPEGStreams interface {
	Handler(id string) (http.Handler, bool)
}

// Deps are the collaborators behind the routes. Alerts, WebRTC, MJPEG and Metrics are optional.
type Deps struct {
	Runs    Runs
	Uploads Uploads
	Events  Events
	Alerts  AlertQuery
	WebRTC  Offerer
	MJPEG   MJPEGStreams
	Metrics *metrics.Metrics
}

// Server serves the surveillance HTTP API.
type Server struct {
	http     config.HTTPConfig
	storage  config.StorageConfig
	deps     Deps
	upgrader websocket.Upgrader
}

// NewServer returns a configured API server.
func NewServer(cfg config.Config, deps Deps) *Server {
	s := &Server{
		http:    cfg.HTTP,
		storage: cfg.Storage,
		deps:    deps,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /test_server", s.handleTestServer)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/task/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/task/{id}/report.xlsx", s.handleTaskReport)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)

	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/start-stream", s.handleStartStream)
	mux.HandleFunc("POST /api/stop-stream/{id}", s.handleStopStream)
	mux.HandleFunc("POST /api/stop-stream", s.handleStopStreamByBody)
	mux.HandleFunc("GET /api/stream/{id}", s.handleGetStream)
	mux.HandleFunc("DELETE /api/stream/{id}", s.handleRemoveStream)
	mux.HandleFunc("GET /api/stream/{id}/mjpeg", s.handleMJPEG)
	mux.HandleFunc("POST /api/stream/{id}/webrtc/offer", s.handleWebRTCOffer)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	prefix := strings.TrimRight(s.storage.URLPrefix, "/") + "/"
	mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(s.storage.StaticDir))))

	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.http.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.http.AllowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.http.AllowOrigin == "*" {
		return true
	}
	return origin == s.http.AllowOrigin
}

func (s *Server) handleTestServer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":           "ok",
		"message":          "Server is running",
		"time":             nowString(),
		"static_folder":    s.storage.StaticDir,
		"upload_folder":    s.storage.UploadsDir,
		"processed_folder": s.storage.ProcessedDir,
		"captures_folder":  s.storage.CapturesDir,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusNotFound, "Alert log is not configured")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "No run_id provided")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	alerts, err := s.deps.Alerts.ListByRun(r.Context(), runID, limit)
	if err != nil {
		logger.Error("API", "List alerts for %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []types.AlertEvent{}
	}
	writeJSON(w, map[string]any{"run_id": runID, "alerts": alerts})
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrStillRunning):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("API", "Encode response: %v", err)
	}
}
