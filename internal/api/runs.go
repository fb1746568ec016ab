package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rasd/surveillance-server/internal/lifecycle"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/webrtc"
	"github.com/rasd/surveillance-server/pkg/types"
)

const maxControlBody = 64 << 10

// startStreamRequest accepts both the documented source_type form and the camera_id form.
type startStreamRequest struct {
	SourceType string `json:"source_type"`
	SourcePath string `json:"source_path"`
	RTSPURL    string `json:"rtsp_url"`
	Name       string `json:"name"`
	CameraID   string `json:"camera_id"`
}

type stopStreamRequest struct {
	StreamID string `json:"stream_id"`
}

func nowString() string {
	return time.Now().Format(types.TimeLayout)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// startStream is shared by the REST route and the websocket control message.
func (s *Server) startStream(ctx context.Context, req startStreamRequest) (map[string]any, int) {
	if req.SourceType == "" {
		req.SourceType = string(types.SourceWebcam)
	}
	kind, err := types.ParseSourceKind(req.SourceType)
	if err != nil {
		return map[string]any{"error": err.Error(), "message": "Failed to start stream"}, http.StatusBadRequest
	}

	rec, err := s.deps.Runs.StartStream(ctx, lifecycle.StreamRequest{
		Kind:     kind,
		Path:     req.SourcePath,
		URL:      req.RTSPURL,
		Name:     req.Name,
		CameraID: req.CameraID,
	})
	if err != nil {
		logger.Warn("API", "Start stream (%s): %v", req.SourceType, err)
		return map[string]any{"error": err.Error(), "message": "Failed to start stream"}, statusFor(err)
	}

	return map[string]any{
		"stream_id": rec.ID,
		"status":    string(rec.Status),
		"name":      rec.Name,
		"message":   fmt.Sprintf("Stream %s started", kind),
		"camera_id": req.CameraID,
	}, http.StatusOK
}

func (s *Server) stopStream(ctx context.Context, id string) (map[string]any, int) {
	if id == "" {
		return map[string]any{"error": "No stream_id provided"}, http.StatusBadRequest
	}
	rec, err := s.deps.Runs.StopStream(ctx, id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			return map[string]any{"error": "Stream not found"}, http.StatusNotFound
		}
		return map[string]any{"error": "Failed to stop stream"}, statusFor(err)
	}
	return map[string]any{
		"status":        "success",
		"message":       fmt.Sprintf("Stream %s stopped", id),
		"stream_status": string(rec.Status),
	}, http.StatusOK
}

func (s *Server) streamList() map[string]any {
	return map[string]any{"streams": s.deps.Runs.ListStreams()}
}

func (s *Server) taskList() map[string]any {
	return map[string]any{"tasks": s.deps.Runs.ListTasks()}
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.streamList())
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid request body", "message": "Failed to start stream"}, http.StatusBadRequest)
		return
	}
	payload, status := s.startStream(r.Context(), req)
	writeJSONWithStatus(w, payload, status)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	payload, status := s.stopStream(r.Context(), r.PathValue("id"))
	writeJSONWithStatus(w, payload, status)
}

func (s *Server) handleStopStreamByBody(w http.ResponseWriter, r *http.Request) {
	var req stopStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	payload, status := s.stopStream(r.Context(), req.StreamID)
	writeJSONWithStatus(w, payload, status)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Runs.GetStream(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "Stream not found")
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleRemoveStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Runs.RemoveStream(id); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			writeError(w, http.StatusNotFound, "Stream not found")
		case errors.Is(err, lifecycle.ErrStillRunning):
			writeError(w, http.StatusConflict, "Stream is still running")
		default:
			writeError(w, statusFor(err), err.Error())
		}
		return
	}
	writeJSON(w, map[string]any{"status": "success", "message": fmt.Sprintf("Stream %s removed", id)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.http.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.http.MaxUploadBytes)
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		logger.Warn("API", "Upload without a video file: %v", err)
		writeError(w, http.StatusBadRequest, "No video file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "Empty filename")
		return
	}
	logger.Info("API", "Received upload %s (%s, %d bytes)", header.Filename, header.Header.Get("Content-Type"), header.Size)

	path, err := s.deps.Uploads.SaveUpload(uuid.NewString()+"_"+header.Filename, file)
	if err != nil {
		logger.Error("API", "Save upload %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, err := s.deps.Runs.StartTask(r.Context(), lifecycle.TaskRequest{Filename: header.Filename, Path: path})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"task_id": rec.ID,
		"message": "Video uploaded and processing started",
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Runs.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.taskList())
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.MJPEG == nil {
		writeError(w, http.StatusNotFound, "MJPEG output is not enabled")
		return
	}
	if _, err := s.deps.Runs.GetStream(id); err != nil {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}
	h, ok := s.deps.MJPEG.Handler(id)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "Stream has not produced a frame yet")
		return
	}
	h.ServeHTTP(w, r)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.WebRTC == nil {
		writeError(w, http.StatusNotFound, "WebRTC output is not enabled")
		return
	}
	rec, err := s.deps.Runs.GetStream(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}
	if rec.Status.Terminal() {
		writeError(w, http.StatusConflict, "Stream is not running")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}
	answer, err := s.deps.WebRTC.HandleOffer(id, body)
	if err != nil {
		logger.Warn("API", "WebRTC offer for %s: %v", id, err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrBadOffer):
			status = http.StatusBadRequest
		case errors.Is(err, webrtc.ErrMaxClients):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, fmt.Sprintf("Failed to handle offer: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}
