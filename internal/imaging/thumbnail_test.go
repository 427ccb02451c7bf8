package imaging

import (
	"image/color"
	"testing"
)

func TestMakeThumbnail(t *testing.T) {
	path := createTestImageWithPattern(t, 300, 200)

	thumb, err := MakeThumbnail(path, 64)
	if err != nil {
		t.Fatalf("MakeThumbnail failed: %v", err)
	}
	if thumb.Width() != 64 || thumb.Height() != 64 {
		t.Errorf("expected 64x64, got %dx%d", thumb.Width(), thumb.Height())
	}
	if thumb.Swatch == "" {
		t.Error("thumbnail should carry a swatch")
	}
}

func TestMakeThumbnail_Raw(t *testing.T) {
	path := createTestRawWithPreviews(t, "shot.nef", solidImage(90, 60, color.NRGBA{0, 0, 255, 255}))

	thumb, err := MakeThumbnail(path, 32)
	if err != nil {
		t.Fatalf("MakeThumbnail failed: %v", err)
	}
	if thumb.Width() != 32 {
		t.Errorf("expected width 32, got %d", thumb.Width())
	}
}

func TestMakeThumbnail_InvalidSize(t *testing.T) {
	path := createTestImage(t, 10, 10, color.White)
	if _, err := MakeThumbnail(path, 0); err == nil {
		t.Error("expected error for zero size")
	}
}

func TestMakeThumbnail_NonExistent(t *testing.T) {
	if _, err := MakeThumbnail("/nonexistent/a.png", 32); err == nil {
		t.Error("expected error for missing file")
	}
}
