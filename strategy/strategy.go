// Package strategy selects the conversion configuration for a decoded DICOM
// volume. The modality set is small and fixed, so selection is a pure lookup
// over a closed table rather than open-ended dispatch.
package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dicom2mesh/dicom"
	"dicom2mesh/models"
)

// Config is the resolved pipeline configuration for one job.
type Config struct {
	// IsoLevel is the intensity threshold for iso-surface extraction, in
	// modality units (post-rescale).
	IsoLevel float64

	// ScaleX/Y/Z map voxel indices to world mm. Zero means "take from the
	// volume's declared spacing".
	ScaleX, ScaleY, ScaleZ float64

	// SlabThickness is the extrusion depth in mm used when the input is a
	// single 2D frame.
	SlabThickness float64

	// PreviewFrame is the frame index the preview is extracted from.
	PreviewFrame int
}

// Params is the tunable per-modality threshold table. Values are in
// modality units.
type Params struct {
	// IsoLevels maps an upper-cased modality tag (CT, MR, ...) to its
	// extraction threshold. The "default" entry applies to any grayscale
	// modality not listed; removing it makes unlisted modalities an error.
	IsoLevels map[string]float64 `yaml:"isoLevels"`

	// SlabThicknessMM is the extrusion depth for single-frame input.
	SlabThicknessMM float64 `yaml:"slabThicknessMM"`
}

const defaultModality = "default"

// DefaultParams returns the built-in threshold table: bone-ish threshold for
// CT (Hounsfield), mid-range for MR and unknown grayscale series.
func DefaultParams() Params {
	return Params{
		IsoLevels: map[string]float64{
			"CT":            300,
			"MR":            0.5,
			defaultModality: 0.5,
		},
		SlabThicknessMM: 1.0,
	}
}

// LoadParams reads a YAML tuning file, falling back to defaults when the
// path is empty or the file does not exist.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading strategy params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing strategy params: %w", err)
	}
	if p.SlabThicknessMM <= 0 {
		p.SlabThicknessMM = DefaultParams().SlabThicknessMM
	}
	return p, nil
}

// Factory resolves volumes to conversion configurations.
type Factory struct {
	params Params
}

func NewFactory(params Params) *Factory {
	if params.IsoLevels == nil {
		params = DefaultParams()
	}
	return &Factory{params: params}
}

// Select returns the configuration for a decoded volume. It fails with
// UnsupportedModalityError only when neither the volume's modality nor a
// default entry exists in the table; callers must treat that as a
// non-retryable input error.
func (f *Factory) Select(vol *dicom.Volume) (Config, error) {
	dims := 3
	if !vol.Is3D() {
		dims = 2
	}

	modality := strings.ToUpper(strings.TrimSpace(vol.Modality))
	iso, ok := f.params.IsoLevels[modality]
	if !ok {
		iso, ok = f.params.IsoLevels[defaultModality]
	}
	if !ok {
		return Config{}, &models.UnsupportedModalityError{Modality: vol.Modality, Dimensions: dims}
	}

	// For MR and unknown grayscale series the threshold is a fraction of the
	// volume's intensity range rather than an absolute unit.
	if modality != "CT" {
		lo, hi := vol.MinMax()
		iso = lo + iso*(hi-lo)
	}

	cfg := Config{
		IsoLevel:     iso,
		ScaleX:       vol.PixelSpacingCol,
		ScaleY:       vol.PixelSpacingRow,
		ScaleZ:       vol.SliceSpacing,
		PreviewFrame: dicom.MiddleFrame(vol),
	}
	if cfg.ScaleZ <= 0 {
		// Slice spacing absent from the series; assume isotropic with rows.
		cfg.ScaleZ = vol.PixelSpacingRow
	}
	if dims == 2 {
		cfg.SlabThickness = f.params.SlabThicknessMM
		// The extruded slab has 4 layers spanning three inter-layer gaps.
		cfg.ScaleZ = f.params.SlabThicknessMM / 3
	}
	return cfg, nil
}
