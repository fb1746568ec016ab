package broadcast

import (
	"net/http"
	"sync"

	"github.com/hybridgroup/mjpeg"

	"github.com/rasd/surveillance-server/internal/logger"
)

// MJPEGSink keeps one multipart JPEG stream per live stream id.
type MJPEGSink struct {
	mu      sync.Mutex
	streams map[string]*mjpeg.Stream
}

func NewMJPEGSink() *MJPEGSink {
	return &MJPEGSink{streams: make(map[string]*mjpeg.Stream)}
}

// Publish feeds stream_frame JPEGs into the stream's endpoint and drops it when the stream ends.
func (s *MJPEGSink) Publish(ev Event) {
	switch ev.Name {
	case EventStreamFrame:
		if len(ev.JPEG) == 0 || ev.Key == "" {
			return
		}
		s.stream(ev.Key).UpdateJPEG(ev.JPEG)

	case EventStreamStopped, EventStreamError:
		s.mu.Lock()
		if _, ok := s.streams[ev.Key]; ok {
			delete(s.streams, ev.Key)
			logger.Debug("MJPEG", "Released stream %s", ev.Key)
		}
		s.mu.Unlock()
	}
}

func (s *MJPEGSink) stream(id string) *mjpeg.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = mjpeg.NewStream()
		s.streams[id] = st
	}
	return st
}

// Handler returns the endpoint of a stream that has produced at least one frame.
func (s *MJPEGSink) Handler(id string) (http.Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, false
	}
	return st, true
}
