package strategy

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"dicom2mesh/dicom"
	"dicom2mesh/models"
)

func volume(modality string, depth int) *dicom.Volume {
	frames := make([][]float64, depth)
	for z := range frames {
		frames[z] = []float64{0, 100, 200, 1000}
	}
	return &dicom.Volume{
		Frames:          frames,
		Rows:            2,
		Cols:            2,
		Modality:        modality,
		PixelSpacingRow: 0.5,
		PixelSpacingCol: 0.7,
		SliceSpacing:    2.0,
	}
}

func TestSelect_CTUsesAbsoluteThreshold(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultParams())
	cfg, err := f.Select(volume("CT", 5))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// CT thresholds are absolute Hounsfield values, never rescaled to the
	// volume's intensity range.
	if cfg.IsoLevel != 300 {
		t.Errorf("expected iso 300, got %g", cfg.IsoLevel)
	}
	if cfg.ScaleX != 0.7 || cfg.ScaleY != 0.5 || cfg.ScaleZ != 2.0 {
		t.Errorf("spacing not propagated: %+v", cfg)
	}
	if cfg.SlabThickness != 0 {
		t.Errorf("3D input must not set a slab thickness, got %g", cfg.SlabThickness)
	}
	if cfg.PreviewFrame != 2 {
		t.Errorf("expected middle preview frame 2, got %d", cfg.PreviewFrame)
	}
}

func TestSelect_MRUsesFractionalThreshold(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultParams())
	cfg, err := f.Select(volume("MR", 3))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// MR iso is a fraction of the volume's range: 0 + 0.5*(1000-0).
	if math.Abs(cfg.IsoLevel-500) > 1e-9 {
		t.Errorf("expected iso 500, got %g", cfg.IsoLevel)
	}
}

func TestSelect_ModalityCaseInsensitive(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultParams())
	if _, err := f.Select(volume("  ct ", 3)); err != nil {
		t.Fatalf("lower-case modality rejected: %v", err)
	}
}

func TestSelect_UnknownModalityFallsBackToDefault(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultParams())
	cfg, err := f.Select(volume("US", 3))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if math.Abs(cfg.IsoLevel-500) > 1e-9 {
		t.Errorf("expected default fractional iso 500, got %g", cfg.IsoLevel)
	}
}

func TestSelect_UnknownModalityWithoutDefault(t *testing.T) {
	t.Parallel()

	f := NewFactory(Params{
		IsoLevels:       map[string]float64{"CT": 300},
		SlabThicknessMM: 1,
	})
	_, err := f.Select(volume("XA", 2))
	var modErr *models.UnsupportedModalityError
	if !errors.As(err, &modErr) {
		t.Fatalf("expected UnsupportedModalityError, got %v", err)
	}
	if modErr.Dimensions != 3 {
		t.Errorf("expected 3D in error, got %dD", modErr.Dimensions)
	}
}

func TestSelect_SingleFrameSlab(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultParams())
	cfg, err := f.Select(volume("CT", 1))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if cfg.SlabThickness != 1.0 {
		t.Errorf("expected slab thickness 1.0, got %g", cfg.SlabThickness)
	}
	// Four layers span three gaps, so per-gap Z spacing is thickness/3.
	if math.Abs(cfg.ScaleZ-1.0/3) > 1e-9 {
		t.Errorf("expected Z scale 1/3, got %g", cfg.ScaleZ)
	}
	if cfg.PreviewFrame != 0 {
		t.Errorf("2D preview must be frame 0, got %d", cfg.PreviewFrame)
	}
}

func TestSelect_MissingSliceSpacing(t *testing.T) {
	t.Parallel()

	vol := volume("CT", 3)
	vol.SliceSpacing = 0

	f := NewFactory(DefaultParams())
	cfg, err := f.Select(vol)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if cfg.ScaleZ != vol.PixelSpacingRow {
		t.Errorf("expected isotropic fallback %g, got %g", vol.PixelSpacingRow, cfg.ScaleZ)
	}
}

func TestLoadParams(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "strategy.yaml")
	content := []byte("isoLevels:\n  CT: 700\n  MR: 0.3\nslabThicknessMM: 2.5\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write params file: %v", err)
	}

	p, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams failed: %v", err)
	}
	if p.IsoLevels["CT"] != 700 {
		t.Errorf("expected CT 700, got %g", p.IsoLevels["CT"])
	}
	if p.SlabThicknessMM != 2.5 {
		t.Errorf("expected slab 2.5, got %g", p.SlabThicknessMM)
	}
}

func TestLoadParams_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	p, err := LoadParams(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadParams failed: %v", err)
	}
	if p.IsoLevels["CT"] != 300 {
		t.Errorf("expected default CT 300, got %g", p.IsoLevels["CT"])
	}

	p, err = LoadParams("")
	if err != nil {
		t.Fatalf("LoadParams failed for empty path: %v", err)
	}
	if p.SlabThicknessMM != 1.0 {
		t.Errorf("expected default slab 1.0, got %g", p.SlabThicknessMM)
	}
}

func TestLoadParams_InvalidYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- not yaml"), 0644); err != nil {
		t.Fatalf("failed to write params file: %v", err)
	}
	if _, err := LoadParams(path); err == nil {
		t.Fatal("expected parse error")
	}
}
