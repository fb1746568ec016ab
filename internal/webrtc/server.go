// Package webrtc serves annotated stream frames to browsers over WebRTC data channels.
package webrtc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
)

const (
	// SCTP message ceiling for browsers that do not negotiate a larger one.
	maxMessageSize = 65535
	clientBuffer   = 30

	fitQuality  = 70
	fitAttempts = 4
)

var (
	ErrMaxClients = errors.New("webrtc: maximum clients reached")
	ErrBadOffer   = errors.New("webrtc: invalid offer")
)

// Client is one browser peer watching one stream.
type Client struct {
	id       string
	streamID string
	peerConn *webrtc.PeerConnection
	channel  atomic.Pointer[webrtc.DataChannel]

	frameChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Server manages WebRTC connections.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server.
func NewServer(cfg config.WebRTCConfig, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 1
	}

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		metrics:    m,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingsEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
	}
}

// HandleOffer answers a browser offer for streamID. The browser creates the data channel;
// frames flow once it opens. The answer is returned after ICE gathering completes.
func (s *Server) HandleOffer(streamID string, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected an sdp offer", ErrBadOffer)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := newClient(streamID, peerConn)

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s data channel %q open", client.id, dc.Label())
			client.channel.Store(dc)
		})
		dc.OnClose(func() {
			client.channel.CompareAndSwap(dc, nil)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, errors.New("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.addClient(client)
	logger.Info("WebRTC", "Client %s connected to stream %s", client.id, streamID)
	return answerJSON, nil
}

func newClient(streamID string, pc *webrtc.PeerConnection) *Client {
	return &Client{
		id:        "client-" + uuid.NewString()[:8],
		streamID:  streamID,
		peerConn:  pc,
		frameChan: make(chan []byte, clientBuffer),
		closeChan: make(chan struct{}),
	}
}

func (s *Server) addClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.WebRTCClients.Add(1)
	}
	go s.sendFrames(c)
}

// Publish forwards stream_frame JPEGs to the peers watching that stream and disconnects them
// when the stream ends.
func (s *Server) Publish(ev broadcast.Event) {
	switch ev.Name {
	case broadcast.EventStreamFrame:
		if len(ev.JPEG) > 0 {
			s.SendFrame(ev.Key, ev.JPEG)
		}
	case broadcast.EventStreamStopped, broadcast.EventStreamError:
		for _, id := range s.clientsOf(ev.Key) {
			s.RemoveClient(id)
		}
	}
}

// SendFrame queues a JPEG for every client of streamID, dropping it for clients that are behind.
// Frames too large for one data channel message are downscaled first.
func (s *Server) SendFrame(streamID string, jpeg []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	var msg []byte
	for _, client := range s.clients {
		if client.streamID != streamID {
			continue
		}
		if msg == nil {
			fitted, err := fitMessage(jpeg)
			if err != nil {
				logger.Warn("WebRTC", "Frame for stream %s not sent: %v", streamID, err)
				return
			}
			msg = fitted
		}
		select {
		case client.frameChan <- msg:
		default:
			client.framesDropped.Add(1)
		}
	}
}

// fitMessage shrinks a JPEG until it fits in one data channel message.
func fitMessage(frame []byte) ([]byte, error) {
	if len(frame) <= maxMessageSize {
		return frame, nil
	}
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode oversized frame: %w", err)
	}

	width, size := img.Bounds().Dx(), len(frame)
	var buf bytes.Buffer
	for i := 0; i < fitAttempts; i++ {
		// encoded size tracks pixel count, so scale the width by the square root
		width = int(float64(width) * math.Sqrt(float64(maxMessageSize)/float64(size)) * 0.9)
		if width < 16 {
			break
		}
		buf.Reset()
		small := imaging.Resize(img, width, 0, imaging.Box)
		if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(fitQuality)); err != nil {
			return nil, fmt.Errorf("encode downscaled frame: %w", err)
		}
		if size = buf.Len(); size <= maxMessageSize {
			return bytes.Clone(buf.Bytes()), nil
		}
	}
	return nil, fmt.Errorf("frame of %d bytes does not fit in %d", len(frame), maxMessageSize)
}

func (s *Server) sendFrames(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return

		case frame := <-client.frameChan:
			dc := client.channel.Load()
			if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
				client.framesDropped.Add(1)
				continue
			}
			if err := dc.Send(frame); err != nil {
				logger.Warn("WebRTC", "Error sending frame to client %s: %v", client.id, err)
				client.framesDropped.Add(1)
				continue
			}
			if n := client.framesSent.Add(1); n%100 == 0 {
				logger.Debug("WebRTC", "Sent %d frames to client %s", n, client.id)
			}
		}
	}
}

func (s *Server) clientsOf(streamID string) []string {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	var ids []string
	for id, c := range s.clients {
		if c.streamID == streamID {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveClient removes a client by ID.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}
	if s.metrics != nil {
		s.metrics.WebRTCClients.Add(-1)
	}

	client.closeOnce.Do(func() {
		close(client.closeChan)
		if err := client.peerConn.Close(); err != nil {
			logger.Debug("WebRTC", "Client %s close: %v", clientID, err)
		}
	})
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client counters.
func (s *Server) ClientStats() map[string]map[string]any {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]any, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]any{
			"stream_id":      client.streamID,
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
