package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/anthonynsimon/bild/adjust"
	"golang.org/x/image/tiff"
)

// Strategy selects how a RAW file is decoded.
type Strategy string

const (
	// StrategyFull decodes the sensor data at full fidelity.
	StrategyFull Strategy = "full"

	// StrategyPreview extracts the largest embedded JPEG preview.
	StrategyPreview Strategy = "preview"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyFull || s == StrategyPreview
}

// Downgrade returns the next cheaper strategy. The second result is false
// when s is already the cheapest.
func (s Strategy) Downgrade() (Strategy, bool) {
	if s == StrategyFull {
		return StrategyPreview, true
	}
	return StrategyPreview, false
}

// Source is the bitmap source a decode with s produces.
func (s Strategy) Source() Source {
	if s == StrategyPreview {
		return SourceRawPreview
	}
	return SourceRawFull
}

// ErrNoPreview is returned when a RAW file carries no decodable JPEG preview.
var ErrNoPreview = errors.New("no embedded preview found")

// RawOptions configures DecodeRaw.
type RawOptions struct {
	Strategy Strategy

	// MaxDimension bounds the longer side of the result. Zero keeps full size.
	MaxDimension int

	// Gamma is applied after a full decode. Zero and one leave tones unchanged.
	Gamma float64
}

// DecodeRaw decodes a camera RAW file.
//
// Parameters:
//   - path: Path to the RAW file.
//   - opts: Strategy and output sizing. An empty strategy means StrategyFull.
//
// Returns:
//   - *Bitmap: The decoded image, tagged with the strategy's Source.
//   - error: A *LoadError; decode failures also match ErrDecode.
//
// # Strategies
//
// StrategyFull reads the file as a TIFF container, which covers DNG and most
// TIFF-based vendor formats. StrategyPreview scans for embedded JPEG streams
// and decodes the one with the largest pixel area.
func DecodeRaw(path string, opts RawOptions) (*Bitmap, error) {
	canonical := CanonicalPath(path)

	data, err := os.ReadFile(canonical)
	if err != nil {
		return nil, &LoadError{Path: canonical, Err: fmt.Errorf("failed to read raw file: %w", err)}
	}

	var (
		img image.Image
		src Source
	)
	switch opts.Strategy {
	case StrategyPreview:
		img, err = decodeEmbeddedPreview(data)
		src = SourceRawPreview
	case StrategyFull, "":
		img, err = decodeFullRaw(data, opts.Gamma)
		src = SourceRawFull
	default:
		return nil, &LoadError{Path: canonical, Err: fmt.Errorf("unknown raw strategy %q", opts.Strategy)}
	}
	if err != nil {
		return nil, &LoadError{Path: canonical, Err: fmt.Errorf("%w: %s decode: %v", ErrDecode, opts.Strategy, err)}
	}

	return NewBitmap(canonical, fitWithin(img, opts.MaxDimension), src), nil
}

func decodeFullRaw(data []byte, gamma float64) (image.Image, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if gamma > 0 && gamma != 1 {
		return adjust.Gamma(img, gamma), nil
	}
	return img, nil
}

// decodeEmbeddedPreview finds every JPEG start-of-image marker, reads each
// candidate's header and decodes the largest one.
func decodeEmbeddedPreview(data []byte) (image.Image, error) {
	soi := []byte{0xFF, 0xD8, 0xFF}

	best, bestArea := -1, 0
	for off := 0; off < len(data); {
		i := bytes.Index(data[off:], soi)
		if i < 0 {
			break
		}
		start := off + i
		if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data[start:])); err == nil {
			if area := cfg.Width * cfg.Height; area > bestArea {
				best, bestArea = start, area
			}
		}
		off = start + len(soi)
	}
	if best < 0 {
		return nil, ErrNoPreview
	}
	return jpeg.Decode(bytes.NewReader(data[best:]))
}
