package dicom

import (
	"bytes"
	"image/png"
	"testing"
)

// gradientVolume builds a volume whose frames ramp linearly so percentile
// clipping always has a spread to work with.
func gradientVolume(rows, cols, depth int) *Volume {
	frames := make([][]float64, depth)
	for z := range frames {
		f := make([]float64, rows*cols)
		for i := range f {
			f[i] = float64(i + z)
		}
		frames[z] = f
	}
	return &Volume{Frames: frames, Rows: rows, Cols: cols}
}

func TestExtractPreview(t *testing.T) {
	t.Parallel()

	vol := gradientVolume(64, 64, 3)
	data, err := ExtractPreview(vol, 1)
	if err != nil {
		t.Fatalf("ExtractPreview failed: %v", err)
	}
	if data == nil {
		t.Fatal("expected PNG bytes")
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not valid PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("expected 64x64 thumbnail, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestExtractPreview_FitsLargeFrames(t *testing.T) {
	t.Parallel()

	// 1024x512 input must be fitted into the 512 box preserving aspect.
	vol := gradientVolume(512, 1024, 1)
	data, err := ExtractPreview(vol, 0)
	if err != nil {
		t.Fatalf("ExtractPreview failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not valid PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 512 || b.Dy() > 512 {
		t.Errorf("thumbnail exceeds bound: %dx%d", b.Dx(), b.Dy())
	}
	if b.Dx() != 512 || b.Dy() != 256 {
		t.Errorf("aspect not preserved: %dx%d", b.Dx(), b.Dy())
	}
}

func TestExtractPreview_DeclaredWindow(t *testing.T) {
	t.Parallel()

	vol := gradientVolume(32, 32, 1)
	vol.WindowCenter, vol.WindowWidth, vol.HasWindow = 400, 200, true

	data, err := ExtractPreview(vol, 0)
	if err != nil {
		t.Fatalf("ExtractPreview failed: %v", err)
	}
	if data == nil {
		t.Fatal("expected PNG bytes with declared window")
	}
}

func TestExtractPreview_Degenerate(t *testing.T) {
	t.Parallel()

	uniform := &Volume{
		Frames: [][]float64{make([]float64, 16)},
		Rows:   4,
		Cols:   4,
	}
	if data, err := ExtractPreview(uniform, 0); data != nil || err != nil {
		t.Errorf("uniform frame: expected (nil, nil), got (%v, %v)", data, err)
	}

	vol := gradientVolume(4, 4, 2)
	if data, err := ExtractPreview(vol, 5); data != nil || err != nil {
		t.Errorf("out-of-range index: expected (nil, nil), got (%v, %v)", data, err)
	}
	if data, err := ExtractPreview(vol, -1); data != nil || err != nil {
		t.Errorf("negative index: expected (nil, nil), got (%v, %v)", data, err)
	}
	if data, err := ExtractPreview(nil, 0); data != nil || err != nil {
		t.Errorf("nil volume: expected (nil, nil), got (%v, %v)", data, err)
	}
}

func TestMiddleFrame(t *testing.T) {
	t.Parallel()

	if got := MiddleFrame(gradientVolume(2, 2, 1)); got != 0 {
		t.Errorf("single frame: expected 0, got %d", got)
	}
	if got := MiddleFrame(gradientVolume(2, 2, 10)); got != 5 {
		t.Errorf("10 frames: expected 5, got %d", got)
	}
	if got := MiddleFrame(gradientVolume(2, 2, 7)); got != 3 {
		t.Errorf("7 frames: expected 3, got %d", got)
	}
}
