package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
)

// ErrWriterClosed is returned when frames are written after Close.
var ErrWriterClosed = errors.New("capture: writer closed")

// FFmpegOutputs creates FFmpegWriters.
type FFmpegOutputs struct {
	Codec   string
	Buffer  int
	Metrics *metrics.Metrics
}

// Create starts an encoder for path.
func (o FFmpegOutputs) Create(ctx context.Context, path string, info Info) (FrameWriter, error) {
	w := newFFmpegWriter(path, info, o.Codec, o.Buffer, o.Metrics)
	if err := w.start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// FFmpegWriter encodes frames into a video file
type FFmpegWriter struct {
	// sendMu orders WriteFrame against closing frameChan; mu guards the rest.
	sendMu       sync.RWMutex
	mu           sync.RWMutex
	path         string
	info         Info
	codec        string
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	cancel       context.CancelFunc
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	first        *image.RGBA
	err          error
	frameChan    chan *image.RGBA
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
}

func newFFmpegWriter(path string, info Info, codec string, buffer int, m *metrics.Metrics) *FFmpegWriter {
	if buffer <= 0 {
		buffer = 60
	}
	if codec == "" {
		codec = "libx264"
	}
	return &FFmpegWriter{
		path:      path,
		info:      info,
		codec:     codec,
		frameChan: make(chan *image.RGBA, buffer),
		metrics:   m,
	}
}

// encodeArgs builds the ffmpeg arguments for reading rgb24 from stdin.
func encodeArgs(path string, info Info, codec string) []string {
	fps := info.FPS
	if fps <= 0 {
		fps = 25
	}
	return ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgb24",
		"s":         fmt.Sprintf("%dx%d", info.Width, info.Height),
		"framerate": strconv.FormatFloat(fps, 'f', -1, 64),
	}).
		Output(path, ffmpeg.KwArgs{"c:v": codec, "pix_fmt": "yuv420p"}).
		GlobalArgs("-hide_banner", "-loglevel", "error").
		OverWriteOutput().
		GetArgs()
}

func (w *FFmpegWriter) start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.info.Width <= 0 || w.info.Height <= 0 {
		return fmt.Errorf("output %s: invalid frame size %dx%d", w.path, w.info.Width, w.info.Height)
	}

	// The encoder outlives the request context; Close ends it.
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(ectx, "ffmpeg", encodeArgs(w.path, w.info, w.codec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("output %s: stdin pipe: %w", w.path, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("output %s: start ffmpeg: %w", w.path, err)
	}

	w.cmd, w.stdin, w.cancel = cmd, stdin, cancel
	w.recording = true
	w.startTime = time.Now()

	w.wg.Add(1)
	go w.writeFrames()
	return nil
}

// WriteFrame queues frame for encoding. The frame must not be modified afterwards.
func (w *FFmpegWriter) WriteFrame(ctx context.Context, frame *image.RGBA) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()

	w.mu.RLock()
	recording, err := w.recording, w.err
	w.mu.RUnlock()
	if !recording {
		return ErrWriterClosed
	}
	if err != nil {
		return err
	}
	select {
	case w.frameChan <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeFrames drains the queue into the encoder's stdin
func (w *FFmpegWriter) writeFrames() {
	defer w.wg.Done()

	var buf []byte
	for frame := range w.frameChan {
		if w.stdinErr() != nil {
			continue
		}
		buf = PackRGB(buf, frame)
		n, err := w.stdin.Write(buf)
		w.mu.Lock()
		if err != nil {
			w.err = fmt.Errorf("output %s: write frame: %w", w.path, err)
			w.mu.Unlock()
			logger.Error("Capture", "Encoder for %s failed: %v", w.path, err)
			continue
		}
		if w.first == nil {
			w.first = frame
		}
		w.bytesWritten += uint64(n)
		w.frameCount++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.FramesWritten.Add(1)
		}
	}
}

func (w *FFmpegWriter) stdinErr() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// FirstFrame returns the first frame handed to the encoder.
func (w *FFmpegWriter) FirstFrame() *image.RGBA {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.first
}

func (w *FFmpegWriter) Frames() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.frameCount
}

// Close flushes queued frames and waits for the encoder to finish the file.
func (w *FFmpegWriter) Close() error {
	w.sendMu.Lock()
	w.mu.Lock()
	if !w.recording {
		w.mu.Unlock()
		w.sendMu.Unlock()
		return nil
	}
	w.recording = false
	close(w.frameChan)
	w.mu.Unlock()
	w.sendMu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.cancel()

	var errs []error
	if w.err != nil {
		errs = append(errs, w.err)
	}
	if err := w.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close encoder input: %w", err))
	}
	if err := w.cmd.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("output %s: ffmpeg: %w", w.path, err))
	}
	logger.Debug("Capture", "Wrote %s: %d frames, %d bytes in %v",
		w.path, w.frameCount, w.bytesWritten, time.Since(w.startTime).Round(time.Millisecond))
	return errors.Join(errs...)
}

// DiscardOutputs creates writers that count frames without encoding them.
type DiscardOutputs struct{}

func (DiscardOutputs) Create(ctx context.Context, path string, info Info) (FrameWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &discardWriter{}, nil
}

type discardWriter struct {
	mu     sync.Mutex
	first  *image.RGBA
	frames uint64
	closed bool
}

func (d *discardWriter) WriteFrame(ctx context.Context, frame *image.RGBA) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrWriterClosed
	}
	if d.first == nil {
		d.first = frame
	}
	d.frames++
	return nil
}

func (d *discardWriter) FirstFrame() *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.first
}

func (d *discardWriter) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *discardWriter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
