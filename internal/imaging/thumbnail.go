package imaging

import (
	"fmt"

	"github.com/disintegration/imaging"
)

// MakeThumbnail loads path and returns a size x size centre-cropped thumbnail.
//
// RAW files use their embedded preview. The thumbnail's Swatch is filled so a
// strip of thumbnails can be painted before any full image arrives.
func MakeThumbnail(path string, size int) (*Bitmap, error) {
	if size <= 0 {
		return nil, fmt.Errorf("thumbnail size must be positive, got %d", size)
	}

	src, err := LoadForDisplay(path, 0)
	if err != nil {
		return nil, err
	}
	return Thumbnail(src, size), nil
}

// Thumbnail scales and crops b to size x size.
func Thumbnail(b *Bitmap, size int) *Bitmap {
	thumb := NewBitmap(b.Path, imaging.Thumbnail(b.Image, size, size, imaging.Lanczos), b.Source)
	SwatchOf(thumb)
	return thumb
}
