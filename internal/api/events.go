package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/logger"
)

const (
	keepaliveInterval = 30 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 2 * keepaliveInterval
	wsOutbound        = 16
)

// filterFrom reads ?stream=<id> and ?events=a,b.
func filterFrom(r *http.Request) broadcast.Filter {
	q := r.URL.Query()
	var names []string
	if v := q.Get("events"); v != "" {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	return broadcast.NewFilter(q.Get("stream"), names...)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.deps.Events.Subscribe(filterFrom(r))
	defer s.deps.Events.Unsubscribe(id)

	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r))
}

// streamEventsFromChannel writes pre-serialized events to an SSE client until it leaves or the
// channel closes.
func streamEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *broadcast.SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// controlMessage is a request sent by a websocket client.
type controlMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// controlReply answers a controlMessage.
type controlReply struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WS", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	subID, eventCh := s.deps.Events.Subscribe(filterFrom(r))
	defer s.deps.Events.Unsubscribe(subID)
	logger.Info("WS", "Client %s connected (subscriber %d)", r.RemoteAddr, subID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan []byte, wsOutbound)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, conn, eventCh, replies)
		cancel()
		// Unblocks the reader when the writer gave up first.
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxControlBody)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WS", "Client %s read: %v", r.RemoteAddr, err)
			}
			break
		}
		reply := s.control(ctx, msg)
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Warn("WS", "Encode reply %s: %v", msg.Type, err)
			continue
		}
		select {
		case replies <- data:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-done
	logger.Info("WS", "Client %s disconnected", r.RemoteAddr)
}

// writeLoop owns every write on conn.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, eventCh <-chan *broadcast.SerializedEvent, replies <-chan []byte) {
	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	write := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("WS", "Write failed: %v", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return

		case data := <-replies:
			if !write(data) {
				return
			}

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if !write(event.JSONData) {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// control runs one websocket control message.
func (s *Server) control(ctx context.Context, msg controlMessage) controlReply {
	reply := controlReply{Type: msg.Type + "_result", ID: msg.ID}

	switch msg.Type {
	case "start_stream":
		var req startStreamRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				reply.Data = map[string]any{"status": "error", "message": "Invalid start_stream data"}
				return reply
			}
		}
		payload, _ := s.startStream(ctx, req)
		reply.Data = payload

	case "stop_stream":
		var req stopStreamRequest
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &req)
		}
		payload, status := s.stopStream(ctx, req.StreamID)
		if status != http.StatusOK {
			payload = map[string]any{"status": "error", "message": "Invalid stream ID"}
		}
		reply.Data = payload

	case "get_streams":
		reply.Data = s.streamList()

	case "get_tasks":
		reply.Data = s.taskList()

	default:
		reply.Type = "error"
		reply.Data = map[string]any{"status": "error", "message": fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	return reply
}
