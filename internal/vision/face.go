package vision

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
)

// PrepareFace equalizes the luminance of a face crop and resizes it to size x size
// for the classifier.
func PrepareFace(face image.Image, size int) *image.NRGBA {
	return imaging.Resize(EqualizeLuma(face), size, size, imaging.Linear)
}

// EqualizeLuma spreads the luminance histogram of img while keeping chroma, which
// lifts dim or washed-out faces before classification.
func EqualizeLuma(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	b := src.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return src
	}

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			yy, _, _ := color.RGBToYCbCr(c.R, c.G, c.B)
			hist[yy]++
		}
	}

	var lut [256]uint8
	cdf, cdfMin := 0, 0
	for i, n := range hist {
		cdf += n
		if cdfMin == 0 && cdf > 0 {
			cdfMin = cdf
		}
		if total == cdfMin {
			// single luminance value, nothing to spread
			lut[i] = uint8(i)
			continue
		}
		v := math.Round(float64(cdf-cdfMin) / float64(total-cdfMin) * 255)
		lut[i] = uint8(math.Max(0, math.Min(255, v)))
	}

	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
			r, g, bl := color.YCbCrToRGB(lut[yy], cb, cr)
			dst.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: c.A})
		}
	}
	return dst
}

// ToGray converts an image to 8-bit grayscale.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}
