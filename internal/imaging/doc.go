// Package imaging provides the bitmap layer of imagecore: loading standard
// formats, decoding camera RAW files, producing thumbnails and placeholder
// swatches, and the bounded decoded-image cache.
//
// All pixel data is carried as *image.NRGBA inside a Bitmap so that it can be
// moved between processes as a flat byte slice and handed to the UI without
// further conversion.
//
// # Supported Formats
//
// Standard formats are decoded through the image package registry: PNG, JPEG
// and GIF from the standard library, BMP, TIFF and WebP from golang.org/x/image.
// Files are opened with EXIF auto-orientation applied.
//
// RAW files (see IsRaw) are decoded with one of two strategies:
//   - StrategyFull decodes the TIFF-structured sensor container at full
//     fidelity, applies gamma and downsamples to the maximum dimension.
//   - StrategyPreview extracts the largest embedded JPEG preview. It is much
//     faster and is the fallback when a camera model fails full decoding.
//
// # Thread Safety
//
// Decoders and transforms are stateless and may run on any goroutine. The
// ImageCache is NOT safe for concurrent use: it belongs to the coordinator's
// owner goroutine and every method must be called from there.
//
// # Cache Keys
//
// Cache keys are canonical absolute paths (see CanonicalPath), so a relative
// and an absolute spelling of the same file share one entry.
package imaging
