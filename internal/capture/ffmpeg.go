package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/pkg/types"
)

// FFmpegOpener opens files, v4l2 webcams and RTSP URLs through ffmpeg.
type FFmpegOpener struct {
	cfg     config.CaptureConfig
	metrics *metrics.Metrics
}

// NewFFmpegOpener creates an opener.
func NewFFmpegOpener(cfg config.CaptureConfig, m *metrics.Metrics) *FFmpegOpener {
	return &FFmpegOpener{cfg: cfg, metrics: m}
}

// Open validates and probes the source, then starts the decoder.
func (o *FFmpegOpener) Open(ctx context.Context, req OpenRequest) (Source, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrSourceUnavailable, err)
	}

	var (
		input   string
		inArgs  = ffmpeg.KwArgs{}
		outArgs = ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24"}
		info    Info
	)

	switch req.Kind {
	case types.SourceFile:
		if req.Path == "" {
			return nil, fmt.Errorf("%w: file source without path", ErrSourceUnavailable)
		}
		if _, err := os.Stat(req.Path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, req.Path, err)
		}
		input = req.Path
		probed, err := probe(req.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, req.Path, err)
		}
		info = probed

	case types.SourceWebcam:
		input = o.cfg.WebcamDevice
		size := fmt.Sprintf("%dx%d", o.cfg.WebcamWidth, o.cfg.WebcamHeight)
		inArgs["f"] = o.cfg.WebcamFormat
		inArgs["video_size"] = size
		outArgs["s"] = size
		info = Info{Width: o.cfg.WebcamWidth, Height: o.cfg.WebcamHeight}

	case types.SourceRTSP:
		if req.URL == "" {
			return nil, fmt.Errorf("%w: rtsp source without url", ErrSourceUnavailable)
		}
		input = req.URL
		inArgs["rtsp_transport"] = o.cfg.RTSPTransport
		probed, err := probe(req.URL, ffmpeg.KwArgs{"rtsp_transport": o.cfg.RTSPTransport})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, req.URL, err)
		}
		probed.Frames = 0
		info = probed

	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrSourceUnavailable, req.Kind)
	}

	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: %s: no video stream", ErrSourceUnavailable, req.Target())
	}

	src := &ffmpegSource{
		input:   input,
		inArgs:  inArgs,
		outArgs: outArgs,
		info:    info,
		metrics: o.metrics,
	}
	if err := src.start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, req.Target(), err)
	}
	// Files were validated by the probe.
	if req.Kind != types.SourceFile {
		if err := src.prime(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, req.Target(), err)
		}
	}
	logger.Info("Capture", "Opened %s source %s (%dx%d @ %.1f fps, %d frames)",
		req.Kind, req.Target(), info.Width, info.Height, info.FPS, info.Frames)
	return src, nil
}

type probeResult struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		NbFrames   string `json:"nb_frames"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func probe(target string, args ffmpeg.KwArgs) (Info, error) {
	var out string
	var err error
	if args != nil {
		out, err = ffmpeg.Probe(target, args)
	} else {
		out, err = ffmpeg.Probe(target)
	}
	if err != nil {
		return Info{}, fmt.Errorf("probe: %w", err)
	}
	return parseProbe([]byte(out))
}

// parseProbe extracts the first video stream from ffprobe JSON output.
func parseProbe(data []byte) (Info, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return Info{}, fmt.Errorf("parse probe output: %w", err)
	}
	for _, s := range res.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := Info{Width: s.Width, Height: s.Height, FPS: parseRate(s.RFrameRate)}
		if n, err := strconv.Atoi(s.NbFrames); err == nil {
			info.Frames = n
		} else {
			dur := s.Duration
			if dur == "" {
				dur = res.Format.Duration
			}
			if d, err := strconv.ParseFloat(dur, 64); err == nil && info.FPS > 0 {
				info.Frames = int(d * info.FPS)
			}
		}
		return info, nil
	}
	return Info{}, errors.New("no video stream")
}

func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// stderrLimit caps how much decoder stderr is kept for error messages.
const stderrLimit = 4 << 10

type ffmpegSource struct {
	input   string
	inArgs  ffmpeg.KwArgs
	outArgs ffmpeg.KwArgs
	info    Info
	metrics *metrics.Metrics

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *tailBuffer
	cancel  context.CancelFunc
	buf     []byte
	pending *image.RGBA
}

func (s *ffmpegSource) start(ctx context.Context) error {
	args := ffmpeg.Input(s.input, s.inArgs).
		Output("pipe:", s.outArgs).
		GlobalArgs("-hide_banner", "-loglevel", "error").
		GetArgs()

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, "ffmpeg", args...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	s.cmd, s.stdout, s.stderr, s.cancel = cmd, stdout, stderr, cancel
	if s.buf == nil {
		s.buf = make([]byte, s.info.Width*s.info.Height*3)
	}
	return nil
}

// prime reads the first frame so a device or stream that never delivers fails at open time.
func (s *ffmpegSource) prime(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame, err := s.next(ctx)
	if err != nil {
		s.stop()
		return err
	}
	s.pending = frame
	return nil
}

// stop kills the decoder. Its exit status is irrelevant at that point.
func (s *ffmpegSource) stop() {
	if s.cmd == nil {
		return
	}
	s.cancel()
	_ = s.cmd.Wait()
	s.cmd, s.stdout, s.cancel = nil, nil, nil
}

// finish waits for a decoder that closed its output and reports a non-zero exit.
func (s *ffmpegSource) finish() error {
	if s.cmd == nil {
		return nil
	}
	err := s.cmd.Wait()
	s.cancel()
	s.cmd, s.stdout, s.cancel = nil, nil, nil
	if err == nil {
		return nil
	}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrSourceFailed, err, msg)
	}
	return fmt.Errorf("%w: ffmpeg: %v", ErrSourceFailed, err)
}

func (s *ffmpegSource) Read(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		frame := s.pending
		s.pending = nil
		return frame, nil
	}
	return s.next(ctx)
}

func (s *ffmpegSource) next(ctx context.Context) (*image.RGBA, error) {
	if s.stdout == nil {
		return nil, ErrEndOfSource
	}

	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if ferr := s.finish(); ferr != nil {
				if s.metrics != nil {
					s.metrics.ReadErrors.Add(1)
				}
				return nil, ferr
			}
			return nil, ErrEndOfSource
		}
		if s.metrics != nil {
			s.metrics.ReadErrors.Add(1)
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if s.metrics != nil {
		s.metrics.FramesRead.Add(1)
	}
	return RGBFromPacked(s.buf, s.info.Width, s.info.Height), nil
}

func (s *ffmpegSource) Rewind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.stop()
	return s.start(ctx)
}

func (s *ffmpegSource) Info() Info { return s.info }

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.stop()
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// RGBFromPacked converts packed rgb24 pixels to a new RGBA image.
func RGBFromPacked(buf []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(buf) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// PackRGB converts an image to packed rgb24 into dst, growing it as needed.
func PackRGB(dst []byte, img *image.RGBA) []byte {
	b := img.Bounds()
	need := b.Dx() * b.Dy() * 3
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			dst[i], dst[i+1], dst[i+2] = row[x*4], row[x*4+1], row[x*4+2]
			i += 3
		}
	}
	return dst
}
