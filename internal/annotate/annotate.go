// Package annotate draws detection overlays onto frames: labelled boxes, the statistics
// dashboard, the alert banner and the capture highlight.
//
// Drawing is best-effort. Every operation recovers from panics and reports ErrDraw so that a
// bad box never takes down the frame pipeline.
package annotate

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"

	"github.com/rasd/surveillance-server/pkg/types"
)

// ErrDraw wraps every drawing failure.
var ErrDraw = errors.New("annotate: draw failed")

// Overlay colors.
var (
	Green  = color.RGBA{0, 255, 0, 255}
	Red    = color.RGBA{255, 0, 0, 255}
	Orange = color.RGBA{255, 165, 0, 255}
	Yellow = color.RGBA{255, 255, 0, 255}
	Blue   = color.RGBA{0, 150, 255, 255}
	Cyan   = color.RGBA{0, 255, 255, 255}
	White  = color.RGBA{255, 255, 255, 255}

	alertTint = color.RGBA{100, 0, 0, 255}
	idleTint  = color.RGBA{0, 0, 0, 255}
)

const (
	dashboardHeight = 80
	dashboardAlpha  = 0.7
	bannerHeight    = 60
	borderWidth     = 15
	captureBoxWidth = 4
	dashboardThick  = 2
	bannerThick     = 3
	captureThick    = 2

	// pixels per unit of font scale
	fontPixels = 30.0
)

// Tier is the set of stroke and font sizes used for one frame width.
type Tier struct {
	Box       float64
	Font      float64
	FontThick int
}

// TierFor picks the drawing sizes for a frame width.
func TierFor(width int) Tier {
	switch {
	case width >= 1280:
		return Tier{Box: 3, Font: 0.9, FontThick: 2}
	case width >= 960:
		return Tier{Box: 2, Font: 0.7, FontThick: 2}
	default:
		return Tier{Box: 2, Font: 0.6, FontThick: 2}
	}
}

// Emphasized returns the heavier variant used for weapons.
func (t Tier) Emphasized() Tier {
	return Tier{Box: t.Box + 2, Font: t.Font + 0.2, FontThick: t.FontThick}
}

var (
	fontOnce sync.Once
	baseFont *truetype.Font
	fontErr  error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		baseFont, fontErr = truetype.Parse(gobold.TTF)
	})
	return baseFont, fontErr
}

// Annotator draws overlays. Font faces carry glyph caches and are not safe for concurrent use,
// so each worker owns its own Annotator.
type Annotator struct {
	faces map[float64]font.Face
	img   *image.RGBA
	dc    *gg.Context
}

// New creates an annotator.
func New() *Annotator {
	return &Annotator{faces: make(map[float64]font.Face)}
}

func (a *Annotator) context(img *image.RGBA) (*gg.Context, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrDraw)
	}
	if a.img != img {
		a.img = img
		a.dc = gg.NewContextForRGBA(img)
	}
	return a.dc, nil
}

func (a *Annotator) face(scale float64) (font.Face, error) {
	if f, ok := a.faces[scale]; ok {
		return f, nil
	}
	base, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDraw, err)
	}
	f := truetype.NewFace(base, &truetype.Options{Size: scale * fontPixels, Hinting: font.HintingFull})
	a.faces[scale] = f
	return f, nil
}

func guard(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s: %v", ErrDraw, op, r)
	}
}

// text draws s with its baseline at y. thick > 1 widens the strokes by restriking the glyphs
// one pixel further right per unit.
func (a *Annotator) text(dc *gg.Context, s string, x, y float64, scale float64, thick int, c color.Color) error {
	f, err := a.face(scale)
	if err != nil {
		return err
	}
	dc.SetFontFace(f)
	dc.SetColor(c)
	for i := 0; i < max(thick, 1); i++ {
		dc.DrawString(s, x+float64(i), y)
	}
	return nil
}

func (a *Annotator) measure(dc *gg.Context, s string, scale float64) (float64, float64, error) {
	f, err := a.face(scale)
	if err != nil {
		return 0, 0, err
	}
	dc.SetFontFace(f)
	w, _ := dc.MeasureString(s)
	m := f.Metrics()
	return w, float64(m.Ascent.Ceil()), nil
}

func strokeRect(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

func fillRect(dc *gg.Context, x, y, w, h float64, c color.Color) {
	dc.SetColor(c)
	dc.DrawRectangle(x, y, w, h)
	dc.Fill()
}

// Box draws a rectangle with a filled label background above its top-left corner and the label
// in white.
func (a *Annotator) Box(img *image.RGBA, box types.Box, label string, c color.RGBA, t Tier) (err error) {
	defer guard("box", &err)
	dc, err := a.context(img)
	if err != nil {
		return err
	}
	strokeRect(dc, box.Rect(), c, t.Box)
	if label == "" {
		return nil
	}
	tw, th, err := a.measure(dc, label, t.Font)
	if err != nil {
		return err
	}
	tw += float64(max(t.FontThick, 1) - 1)
	x1, y1 := float64(box.X1), float64(box.Y1)
	fillRect(dc, x1, y1-th-12, tw+12, th+12, c)
	return a.text(dc, label, x1+6, y1-6, t.Font, t.FontThick, White)
}

// PersonBox draws a person rectangle with its label below the box.
func (a *Annotator) PersonBox(img *image.RGBA, box types.Box, confidence float64, t Tier) (err error) {
	defer guard("person", &err)
	dc, err := a.context(img)
	if err != nil {
		return err
	}
	strokeRect(dc, box.Rect(), Blue, t.Box)
	label := fmt.Sprintf("Person: %.2f", confidence)
	return a.text(dc, label, float64(box.X1), float64(box.Y2+20), t.Font, t.FontThick, Blue)
}

// Dashboard draws the translucent statistics strip across the top of the frame. The background
// switches to a dark red tint while an alert is active.
func (a *Annotator) Dashboard(img *image.RGBA, fps float64, s types.FrameStats, alert bool) (err error) {
	defer guard("dashboard", &err)
	dc, err := a.context(img)
	if err != nil {
		return err
	}
	w := float64(img.Bounds().Dx())

	bg := idleTint
	if alert {
		bg = alertTint
	}
	dc.SetRGBA(float64(bg.R)/255, float64(bg.G)/255, float64(bg.B)/255, dashboardAlpha)
	dc.DrawRectangle(0, 0, w, dashboardHeight)
	dc.Fill()

	dc.SetColor(White)
	dc.SetLineWidth(2)
	dc.DrawLine(0, dashboardHeight, w, dashboardHeight)
	dc.Stroke()

	rows := []struct {
		text  string
		x, y  float64
		scale float64
		c     color.Color
	}{
		{fmt.Sprintf("FPS: %.1f", fps), 15, 30, 0.7, Cyan},
		{fmt.Sprintf("Persons: %d", s.Persons), 140, 30, 0.7, Blue},
		{fmt.Sprintf("Bags: %d", s.Bags), 330, 30, 0.7, Yellow},
		{fmt.Sprintf("Mask: %d", s.Mask), 15, 65, 0.65, Green},
		{fmt.Sprintf("NoMask: %d", s.NoMask), 140, 65, 0.65, Red},
		{fmt.Sprintf("Weapons: %d", s.Weapons), 290, 65, 0.65, Red},
		{fmt.Sprintf("Drones: %d", s.Drones), 460, 65, 0.65, Orange},
	}
	for _, r := range rows {
		if err := a.text(dc, r.text, r.x, r.y, r.scale, dashboardThick, r.c); err != nil {
			return err
		}
	}
	return nil
}

// AlertColor is orange for drone alerts and red for everything else.
func AlertColor(alertType string) color.RGBA {
	if strings.Contains(strings.ToUpper(alertType), "DRONE") {
		return Orange
	}
	return Red
}

// Alert draws the full-frame border while blinkOn and always the bottom banner.
func (a *Annotator) Alert(img *image.RGBA, alertType string, blinkOn bool) (err error) {
	defer guard("alert", &err)
	dc, err := a.context(img)
	if err != nil {
		return err
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	c := AlertColor(alertType)

	if blinkOn {
		// stroke is centered on the path, so inset by half the width
		dc.SetColor(c)
		dc.SetLineWidth(borderWidth)
		dc.DrawRectangle(borderWidth/2, borderWidth/2, w-borderWidth, h-borderWidth)
		dc.Stroke()
	}
	fillRect(dc, 0, h-bannerHeight, w, bannerHeight, c)
	return a.text(dc, fmt.Sprintf("!! ALERT: %s !!", alertType), w/2-180, h-20, 1.0, bannerThick, White)
}

// CaptureOverlay highlights the detection that triggered a capture and burns in the wall
// clock time.
func (a *Annotator) CaptureOverlay(img *image.RGBA, kind string, box types.Box, at time.Time) (err error) {
	defer guard("capture", &err)
	dc, err := a.context(img)
	if err != nil {
		return err
	}
	strokeRect(dc, box.Rect(), Red, captureBoxWidth)
	if err := a.text(dc, "DETECTED: "+kind, float64(box.X1), float64(box.Y1-15), 0.8, captureThick, Red); err != nil {
		return err
	}
	h := float64(img.Bounds().Dy())
	return a.text(dc, at.Format(types.TimeLayout), 10, h-20, 0.6, captureThick, White)
}
