package rawpool

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ironsheep/imagecore/internal/imaging"
)

// ProtocolVersion is bumped whenever request or result framing changes.
const ProtocolVersion = 1

const (
	maxHeaderBytes = 1 << 20 // 1MB
	maxPixelBytes  = 1 << 30 // 1GB, far above any downsampled bitmap
)

// DecodeRequest asks a worker process to decode one RAW file.
type DecodeRequest struct {
	ProtocolVersion int              `json:"protocol_version"`
	TaskID          uint64           `json:"task_id"`
	FilePath        string           `json:"file_path,omitempty"`
	Strategy        imaging.Strategy `json:"strategy,omitempty"`
	MaxDimension    int              `json:"max_dimension,omitempty"`
	Gamma           float64          `json:"gamma,omitempty"`

	// Shutdown tells the worker to exit after acknowledging nothing.
	Shutdown bool `json:"shutdown,omitempty"`
}

// DecodeResult is a worker's answer. On success the header frame is followed
// on the wire by PixelLen bytes of NRGBA pixels.
type DecodeResult struct {
	TaskID   uint64         `json:"task_id"`
	Success  bool           `json:"success"`
	FilePath string         `json:"file_path"`
	Error    string         `json:"error,omitempty"`
	Source   imaging.Source `json:"source,omitempty"`
	Width    int            `json:"width,omitempty"`
	Height   int            `json:"height,omitempty"`
	Stride   int            `json:"stride,omitempty"`
	PixelLen int            `json:"pixel_len,omitempty"`

	// Pixels travel outside the JSON header.
	Pixels []byte `json:"-"`

	// Crashed is set host-side when the worker died before answering.
	Crashed bool `json:"-"`
}

// Bitmap rebuilds the decoded image of a successful result.
func (r *DecodeResult) Bitmap() (*imaging.Bitmap, error) {
	if !r.Success {
		return nil, fmt.Errorf("decode of %s failed: %s", r.FilePath, r.Error)
	}
	return imaging.BitmapFromPixels(r.FilePath, r.Width, r.Height, r.Stride, r.Pixels, r.Source)
}

// WriteFrame writes a length-prefixed JSON frame.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame. A clean end of stream before
// the length prefix is returned as an error wrapping io.EOF.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > maxHeaderBytes {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

// WriteResult writes a result header followed by its pixel payload.
func WriteResult(w io.Writer, res *DecodeResult) error {
	res.PixelLen = len(res.Pixels)
	if err := WriteFrame(w, res); err != nil {
		return err
	}
	if res.PixelLen == 0 {
		return nil
	}
	if _, err := w.Write(res.Pixels); err != nil {
		return fmt.Errorf("write pixels: %w", err)
	}
	return nil
}

// ReadResult reads one result header and its pixel payload.
func ReadResult(r io.Reader) (*DecodeResult, error) {
	var res DecodeResult
	if err := ReadFrame(r, &res); err != nil {
		return nil, err
	}
	if res.PixelLen < 0 || res.PixelLen > maxPixelBytes {
		return nil, fmt.Errorf("pixel payload out of range: %d bytes", res.PixelLen)
	}
	if res.PixelLen > 0 {
		res.Pixels = make([]byte, res.PixelLen)
		if _, err := io.ReadFull(r, res.Pixels); err != nil {
			return nil, fmt.Errorf("read pixels: %w", err)
		}
	}
	return &res, nil
}
