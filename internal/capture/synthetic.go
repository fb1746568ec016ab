package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/rasd/surveillance-server/pkg/types"
)

// Unlimited makes a synthetic source run until its context ends.
const Unlimited = -1

// Synthetic renders a gradient with a moving block. It stands in for real sources in
// demo mode and tests.
type Synthetic struct {
	mu     sync.Mutex
	info   Info
	next   int
	closed bool
}

// NewSynthetic creates a source of frames frames (or Unlimited) at w x h.
func NewSynthetic(w, h, frames int, fps float64) *Synthetic {
	n := frames
	if n < 0 {
		n = 0
	}
	return &Synthetic{info: Info{Width: w, Height: h, FPS: fps, Frames: n}}
}

func (s *Synthetic) limited() bool {
	return s.info.Frames > 0
}

func (s *Synthetic) Read(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrEndOfSource
	}
	if s.limited() && s.next >= s.info.Frames {
		return nil, ErrEndOfSource
	}
	img := s.render(s.next)
	s.next++
	return img, nil
}

func (s *Synthetic) render(idx int) *image.RGBA {
	w, h := s.info.Width, s.info.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(x, y)
			img.Pix[o] = uint8(x * 255 / max(w, 1))
			img.Pix[o+1] = uint8(y * 255 / max(h, 1))
			img.Pix[o+2] = 96
			img.Pix[o+3] = 0xff
		}
	}

	size := max(min(w, h)/6, 1)
	bx := (idx * 8) % max(w-size, 1)
	by := h/2 - size/2
	for y := max(by, 0); y < min(by+size, h); y++ {
		for x := bx; x < min(bx+size, w); x++ {
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = 0xff, 0xff, 0xff
		}
	}
	return img
}

// Position returns the index of the next frame.
func (s *Synthetic) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Synthetic) Rewind(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	return nil
}

func (s *Synthetic) Info() Info { return s.info }

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SyntheticOpener serves synthetic frames in place of every source. File sources must
// still exist; their length is fixed at Frames.
type SyntheticOpener struct {
	Width  int
	Height int
	FPS    float64
	// Frames is the length of file sources. Live sources are Unlimited.
	Frames int
}

// Open returns a synthetic source shaped like the request.
func (o SyntheticOpener) Open(ctx context.Context, req OpenRequest) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := Unlimited
	switch req.Kind {
	case types.SourceFile:
		if _, err := os.Stat(req.Path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, req.Path, err)
		}
		frames = o.Frames
	case types.SourceWebcam:
	case types.SourceRTSP:
		if req.URL == "" {
			return nil, fmt.Errorf("%w: rtsp source without url", ErrSourceUnavailable)
		}
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrSourceUnavailable, req.Kind)
	}
	return NewSynthetic(o.Width, o.Height, frames, o.FPS), nil
}
