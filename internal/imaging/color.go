package imaging

import (
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

// swatchSampleSize is the side of the downsampled copy used for colour
// analysis. Larger values barely change the result.
const swatchSampleSize = 32

// ColorFrequency is one quantized colour bucket in an image.
type ColorFrequency struct {
	// Hex is the averaged colour of the bucket as "#RRGGBB".
	Hex string `json:"hex"`

	// Percentage is the share of sampled pixels in this bucket (0-100).
	Percentage float64 `json:"percentage"`
}

type colorBucket struct {
	count   int
	l, a, b float64
}

// DominantColors returns up to count colour buckets of img, most frequent first.
//
// Parameters:
//   - img: The source image. It is downsampled before analysis.
//   - count: Maximum number of buckets to return. Values below one mean one.
//
// # Color Quantization
//
// Pixels are grouped by dividing each 8-bit RGB component by 32, so colours
// within 32 units per component share a bucket. Each bucket's reported colour
// is the mean of its members in CIE L*a*b*, which keeps the average
// perceptually close to what the eye sees.
func DominantColors(img image.Image, count int) []ColorFrequency {
	if count < 1 {
		count = 1
	}
	sample := imaging.Resize(img, swatchSampleSize, swatchSampleSize, imaging.Box)

	buckets := make(map[uint32]*colorBucket)
	total := 0
	b := sample.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := sample.NRGBAAt(x, y)
			if px.A == 0 {
				continue
			}
			key := uint32(px.R/32)<<16 | uint32(px.G/32)<<8 | uint32(px.B/32)
			c := colorful.Color{R: float64(px.R) / 255, G: float64(px.G) / 255, B: float64(px.B) / 255}
			l, a, bb := c.Lab()

			bk, ok := buckets[key]
			if !ok {
				bk = &colorBucket{}
				buckets[key] = bk
			}
			bk.count++
			bk.l += l
			bk.a += a
			bk.b += bb
			total++
		}
	}
	if total == 0 {
		return nil
	}

	colors := make([]ColorFrequency, 0, len(buckets))
	for _, bk := range buckets {
		n := float64(bk.count)
		mean := colorful.Lab(bk.l/n, bk.a/n, bk.b/n).Clamped()
		colors = append(colors, ColorFrequency{
			Hex:        hexOf(mean),
			Percentage: n / float64(total) * 100,
		})
	}

	sort.Slice(colors, func(i, j int) bool {
		if colors[i].Percentage != colors[j].Percentage {
			return colors[i].Percentage > colors[j].Percentage
		}
		return colors[i].Hex < colors[j].Hex
	})

	if len(colors) > count {
		colors = colors[:count]
	}
	return colors
}

// AverageColor returns the mean colour of img in L*a*b* space as "#RRGGBB".
func AverageColor(img image.Image) string {
	sample := imaging.Resize(img, swatchSampleSize, swatchSampleSize, imaging.Box)

	var l, a, bb float64
	n := 0
	b := sample.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := sample.NRGBAAt(x, y)
			if px.A == 0 {
				continue
			}
			c := colorful.Color{R: float64(px.R) / 255, G: float64(px.G) / 255, B: float64(px.B) / 255}
			cl, ca, cb := c.Lab()
			l += cl
			a += ca
			bb += cb
			n++
		}
	}
	if n == 0 {
		return "#000000"
	}
	return hexOf(colorful.Lab(l/float64(n), a/float64(n), bb/float64(n)).Clamped())
}

// SwatchOf returns the placeholder colour shown while b's full image is
// pending, computing and storing it on first use.
func SwatchOf(b *Bitmap) string {
	if b.Swatch == "" {
		b.Swatch = AverageColor(b.Image)
	}
	return b.Swatch
}

func hexOf(c colorful.Color) string {
	r, g, b := c.RGB255()
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}
