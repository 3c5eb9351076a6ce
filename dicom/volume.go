// Package dicom decodes DICOM slice series into in-memory intensity volumes
// and derives preview rasters from them. Decoding is pure: it performs no
// network or file I/O and works over raw byte buffers handed in by the
// caller.
package dicom

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom2mesh/models"
)

// Volume is an ordered stack of 2D intensity frames plus the series metadata
// the pipeline needs. Immutable once decoded. Intensities are stored after
// applying each frame's declared rescale slope/intercept, so values are in
// modality units (e.g. Hounsfield for CT).
type Volume struct {
	// Frames holds intensity data frame-major: Frames[z][y*Cols+x].
	Frames [][]float64
	Rows   int
	Cols   int

	// PixelSpacing is the in-plane spacing (row, col) in mm. SliceSpacing is
	// the distance between consecutive frames in mm; zero when unknown.
	PixelSpacingRow float64
	PixelSpacingCol float64
	SliceSpacing    float64

	Modality       string
	PatientID      string
	StudyUID       string
	WindowCenter   float64
	WindowWidth    float64
	HasWindow      bool
	OrderedByPos   bool // false when the instance-order fallback was used
}

// Depth returns the number of frames in the volume.
func (v *Volume) Depth() int { return len(v.Frames) }

// Is3D reports whether the volume has more than one frame.
func (v *Volume) Is3D() bool { return len(v.Frames) > 1 }

// MinMax returns the global intensity range of the volume.
func (v *Volume) MinMax() (min, max float64) {
	first := true
	for _, f := range v.Frames {
		for _, p := range f {
			if first {
				min, max = p, p
				first = false
				continue
			}
			if p < min {
				min = p
			}
			if p > max {
				max = p
			}
		}
	}
	return min, max
}

// sliceFrame is a single parsed instance before series assembly.
type sliceFrame struct {
	pixels   []float64
	rows     int
	cols     int
	posZ     float64
	hasPos   bool
	instance int
	hasInst  bool
	order    int // position in the input set
}

// DecodeSeries parses an ordered set of raw DICOM buffers into a Volume.
// A single buffer yields a 2D volume, several buffers a 3D one. Frames are
// ordered by ImagePositionPatient Z when every instance declares it;
// otherwise the decoder falls back to InstanceNumber, and finally to the
// input order. The fallback is a best-effort policy, not a guaranteed
// spatial ordering, which is why Volume records OrderedByPos.
func DecodeSeries(buffers [][]byte) (*Volume, error) {
	if len(buffers) == 0 {
		return nil, &models.DecodeError{Detail: "empty series"}
	}

	frames := make([]sliceFrame, 0, len(buffers))
	vol := &Volume{PixelSpacingRow: 1, PixelSpacingCol: 1}

	for i, buf := range buffers {
		ds, err := dicom.Parse(bytes.NewReader(buf), int64(len(buf)), nil)
		if err != nil {
			return nil, &models.DecodeError{Detail: fmt.Sprintf("instance %d", i), Err: err}
		}

		fr, err := extractFrame(&ds, i)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)

		// Series-level metadata from the first instance.
		if i == 0 {
			vol.Modality = stringTag(&ds, tag.Modality)
			vol.PatientID = stringTag(&ds, tag.PatientID)
			vol.StudyUID = stringTag(&ds, tag.StudyInstanceUID)
			if row, col, ok := pixelSpacing(&ds); ok {
				vol.PixelSpacingRow, vol.PixelSpacingCol = row, col
			}
			if s, ok := floatTag(&ds, tag.SpacingBetweenSlices); ok {
				vol.SliceSpacing = s
			} else if s, ok := floatTag(&ds, tag.SliceThickness); ok {
				vol.SliceSpacing = s
			}
			if c, ok := floatTag(&ds, tag.WindowCenter); ok {
				if w, ok := floatTag(&ds, tag.WindowWidth); ok && w > 0 {
					vol.WindowCenter, vol.WindowWidth, vol.HasWindow = c, w, true
				}
			}
		}
	}

	assembled, orderedByPos, err := assembleSeries(frames)
	if err != nil {
		return nil, err
	}

	vol.Rows = frames[0].rows
	vol.Cols = frames[0].cols
	vol.Frames = assembled
	vol.OrderedByPos = orderedByPos
	return vol, nil
}

// extractFrame pulls pixel data and per-instance ordering metadata out of a
// parsed dataset, applying the declared rescale slope/intercept.
func extractFrame(ds *dicom.Dataset, order int) (sliceFrame, error) {
	fr := sliceFrame{order: order}

	pdEl, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return fr, &models.DecodeError{Detail: fmt.Sprintf("instance %d has no pixel data", order)}
	}
	info := dicom.MustGetPixelDataInfo(pdEl.Value)
	if len(info.Frames) == 0 {
		return fr, &models.DecodeError{Detail: fmt.Sprintf("instance %d has no frames", order)}
	}
	if len(info.Frames) > 1 {
		return fr, &models.DecodeError{Detail: fmt.Sprintf("instance %d is multi-frame, expected one frame per file", order)}
	}

	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return fr, &models.DecodeError{Detail: fmt.Sprintf("instance %d pixel data", order), Err: err}
	}

	slope, intercept := 1.0, 0.0
	if s, ok := floatTag(ds, tag.RescaleSlope); ok && s != 0 {
		slope = s
	}
	if b, ok := floatTag(ds, tag.RescaleIntercept); ok {
		intercept = b
	}

	fr.rows = native.Rows
	fr.cols = native.Cols
	fr.pixels = make([]float64, len(native.Data))
	for i, samples := range native.Data {
		// Grayscale only: first sample per pixel.
		fr.pixels[i] = float64(samples[0])*slope + intercept
	}

	if z, ok := imagePositionZ(ds); ok {
		fr.posZ = z
		fr.hasPos = true
	}
	if n, ok := intTag(ds, tag.InstanceNumber); ok {
		fr.instance = n
		fr.hasInst = true
	}
	return fr, nil
}

// assembleSeries orders parsed frames into a stack, enforcing uniform
// dimensions across the series.
func assembleSeries(frames []sliceFrame) ([][]float64, bool, error) {
	rows, cols := frames[0].rows, frames[0].cols
	for _, f := range frames {
		if f.rows != rows || f.cols != cols {
			return nil, false, &models.DecodeError{Detail: fmt.Sprintf(
				"inconsistent frame dimensions: instance %d is %dx%d, series is %dx%d",
				f.order, f.rows, f.cols, rows, cols)}
		}
	}

	ordered := make([]sliceFrame, len(frames))
	copy(ordered, frames)

	byPosition := true
	for _, f := range frames {
		if !f.hasPos {
			byPosition = false
			break
		}
	}

	if byPosition {
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].posZ < ordered[j].posZ })
	} else {
		byInstance := true
		for _, f := range frames {
			if !f.hasInst {
				byInstance = false
				break
			}
		}
		if byInstance {
			sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].instance < ordered[j].instance })
		}
		// Otherwise keep input order.
	}

	stack := make([][]float64, len(ordered))
	for i, f := range ordered {
		stack[i] = f.pixels
	}
	return stack, byPosition, nil
}

func stringTag(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func floatTag(ds *dicom.Dataset, t tag.Tag) (float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch vals := el.Value.GetValue().(type) {
	case []string:
		if len(vals) > 0 {
			if f, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64); err == nil {
				return f, true
			}
		}
	case []float64:
		if len(vals) > 0 {
			return vals[0], true
		}
	case []int:
		if len(vals) > 0 {
			return float64(vals[0]), true
		}
	}
	return 0, false
}

func intTag(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	if f, ok := floatTag(ds, t); ok {
		return int(f), true
	}
	return 0, false
}

// pixelSpacing reads the (row, col) spacing pair. DICOM encodes it as a
// two-valued decimal string.
func pixelSpacing(ds *dicom.Dataset) (row, col float64, ok bool) {
	el, err := ds.FindElementByTag(tag.PixelSpacing)
	if err != nil {
		return 0, 0, false
	}
	vals, isStr := el.Value.GetValue().([]string)
	if !isStr || len(vals) < 2 {
		return 0, 0, false
	}
	row, err1 := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	col, err2 := strconv.ParseFloat(strings.TrimSpace(vals[1]), 64)
	if err1 != nil || err2 != nil || row <= 0 || col <= 0 {
		return 0, 0, false
	}
	return row, col, true
}

// imagePositionZ reads the Z component of ImagePositionPatient.
func imagePositionZ(ds *dicom.Dataset) (float64, bool) {
	el, err := ds.FindElementByTag(tag.ImagePositionPatient)
	if err != nil {
		return 0, false
	}
	vals, isStr := el.Value.GetValue().([]string)
	if !isStr || len(vals) < 3 {
		return 0, false
	}
	z, perr := strconv.ParseFloat(strings.TrimSpace(vals[2]), 64)
	if perr != nil {
		return 0, false
	}
	return z, true
}
