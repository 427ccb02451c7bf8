package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder
)

// Source records which decoder produced a bitmap.
type Source string

const (
	SourceFile       Source = "file"
	SourceRawFull    Source = "raw-full"
	SourceRawPreview Source = "raw-preview"
)

// ErrDecode marks a file that was readable but could not be decoded.
var ErrDecode = errors.New("decode failed")

// LoadError carries the path of a file that failed to load.
//
// It wraps the underlying cause, and additionally ErrDecode when the file was
// opened but its contents were not a usable image.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Bitmap is a decoded image ready for display.
type Bitmap struct {
	// Image holds the pixels. Its bounds always start at (0,0).
	Image *image.NRGBA

	// Path is the canonical path of the file the bitmap was decoded from.
	Path string

	// Source names the decoder that produced the pixels.
	Source Source

	// Swatch is a "#RRGGBB" placeholder colour, filled lazily by SwatchOf.
	Swatch string
}

// NewBitmap wraps img, converting it to NRGBA when needed.
func NewBitmap(path string, img image.Image, src Source) *Bitmap {
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = imaging.Clone(img)
	}
	return &Bitmap{Image: nrgba, Path: path, Source: src}
}

// BitmapFromPixels rebuilds a bitmap from a flat NRGBA buffer, as produced by a
// decode worker process.
//
// Returns an error if the buffer is too small for the given geometry.
func BitmapFromPixels(path string, width, height, stride int, pix []byte, src Source) (*Bitmap, error) {
	if width <= 0 || height <= 0 || stride < width*4 {
		return nil, fmt.Errorf("invalid bitmap geometry %dx%d stride %d", width, height, stride)
	}
	if need := stride*(height-1) + width*4; len(pix) < need {
		return nil, fmt.Errorf("pixel buffer too small: have %d bytes, need %d", len(pix), need)
	}
	img := &image.NRGBA{
		Pix:    pix,
		Stride: stride,
		Rect:   image.Rect(0, 0, width, height),
	}
	return &Bitmap{Image: img, Path: path, Source: src}, nil
}

// Width returns the bitmap width in pixels.
func (b *Bitmap) Width() int { return b.Image.Rect.Dx() }

// Height returns the bitmap height in pixels.
func (b *Bitmap) Height() int { return b.Image.Rect.Dy() }

// Bytes returns the size of the pixel buffer.
func (b *Bitmap) Bytes() int { return len(b.Image.Pix) }

// CanonicalPath returns the absolute, cleaned form of path. It is the key used
// by ImageCache and by every component that compares paths.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

var rawExtensions = map[string]bool{
	".arw": true, ".cr2": true, ".cr3": true, ".crw": true, ".dng": true,
	".erf": true, ".kdc": true, ".mrw": true, ".nef": true, ".nrw": true,
	".orf": true, ".pef": true, ".raf": true, ".raw": true, ".rw2": true,
	".sr2": true, ".srw": true, ".x3f": true,
}

var standardExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsRaw reports whether path names a camera RAW file, judged by extension.
func IsRaw(path string) bool {
	return rawExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsImage reports whether path names any format this package can decode.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return standardExtensions[ext] || rawExtensions[ext]
}

// Load decodes a standard-format image file for display.
//
// Parameters:
//   - path: Path to the image file. Supported formats are PNG, JPEG, GIF, BMP,
//     TIFF and WebP. RAW files must go through DecodeRaw instead.
//   - maxDimension: When positive, images larger than this on either side are
//     downsampled to fit, preserving aspect ratio.
//
// Returns:
//   - *Bitmap: The decoded image keyed by its canonical path.
//   - error: A *LoadError if the file cannot be opened or decoded. Decode
//     errors also match ErrDecode.
//
// EXIF orientation is applied, so the returned pixels are upright.
func Load(path string, maxDimension int) (*Bitmap, error) {
	canonical := CanonicalPath(path)

	f, err := os.Open(canonical)
	if err != nil {
		return nil, &LoadError{Path: canonical, Err: fmt.Errorf("failed to open image: %w", err)}
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &LoadError{Path: canonical, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}

	return NewBitmap(canonical, fitWithin(img, maxDimension), SourceFile), nil
}

// LoadForDisplay picks the cheapest decoder that yields a displayable bitmap:
// Load for standard formats and the embedded preview for RAW files.
func LoadForDisplay(path string, maxDimension int) (*Bitmap, error) {
	if IsRaw(path) {
		return DecodeRaw(path, RawOptions{Strategy: StrategyPreview, MaxDimension: maxDimension})
	}
	return Load(path, maxDimension)
}

// fitWithin downsamples img so neither side exceeds maxDimension.
func fitWithin(img image.Image, maxDimension int) image.Image {
	if maxDimension <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxDimension && b.Dy() <= maxDimension {
		return img
	}
	return imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
}

// ImageInfo contains metadata about an image file, read from its header only.
type ImageInfo struct {
	// Width is the image width in pixels.
	Width int `json:"width" yaml:"width"`

	// Height is the image height in pixels.
	Height int `json:"height" yaml:"height"`

	// Format is the decoder name reported by the image registry, or "raw".
	Format string `json:"format" yaml:"format"`

	// FileSizeBytes is the size of the file on disk in bytes.
	FileSizeBytes int64 `json:"file_size_bytes" yaml:"file_size_bytes"`
}

// LoadImageInfo returns the dimensions and format of path without decoding
// its pixels. RAW files report format "raw" and zero dimensions.
func LoadImageInfo(path string) (*ImageInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if IsRaw(path) {
		return &ImageInfo{Format: "raw", FileSizeBytes: stat.Size()}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return &ImageInfo{
		Width:         cfg.Width,
		Height:        cfg.Height,
		Format:        format,
		FileSizeBytes: stat.Size(),
	}, nil
}
