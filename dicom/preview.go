package dicom

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"
)

// previewBound is the bounding box previews are fitted into, preserving
// aspect ratio.
const previewBound = 512

// Percentile clip for frames without a declared window, matching the
// 2nd/98th percentile normalization applied upstream.
const (
	clipLowQ  = 0.02
	clipHighQ = 0.98
)

// ExtractPreview renders the given frame of a volume as a PNG thumbnail.
// The frame is clipped to the series' declared display window when present,
// otherwise to its 2-98 intensity percentiles, then normalized to 8-bit
// grayscale and fitted into a 512x512 box.
//
// A degenerate frame (uniform intensity, out-of-range index) yields
// (nil, nil): previews are cosmetic and their absence never fails a job.
func ExtractPreview(vol *Volume, frameIdx int) ([]byte, error) {
	if vol == nil || frameIdx < 0 || frameIdx >= vol.Depth() {
		return nil, nil
	}
	frame := vol.Frames[frameIdx]
	if len(frame) != vol.Rows*vol.Cols {
		return nil, nil
	}

	var lo, hi float64
	if vol.HasWindow {
		lo = vol.WindowCenter - vol.WindowWidth/2
		hi = vol.WindowCenter + vol.WindowWidth/2
	} else {
		sorted := make([]float64, len(frame))
		copy(sorted, frame)
		sort.Float64s(sorted)
		lo = stat.Quantile(clipLowQ, stat.Empirical, sorted, nil)
		hi = stat.Quantile(clipHighQ, stat.Empirical, sorted, nil)
	}
	if hi <= lo {
		// Uniform intensity, nothing to show.
		return nil, nil
	}

	gray := image.NewGray(image.Rect(0, 0, vol.Cols, vol.Rows))
	scale := 255 / (hi - lo)
	for y := 0; y < vol.Rows; y++ {
		for x := 0; x < vol.Cols; x++ {
			v := frame[y*vol.Cols+x]
			if v < lo {
				v = lo
			}
			if v > hi {
				v = hi
			}
			gray.SetGray(x, y, color.Gray{Y: uint8((v - lo) * scale)})
		}
	}

	thumb := imaging.Fit(gray, previewBound, previewBound, imaging.Lanczos)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		// Cosmetic failure only.
		return nil, nil
	}
	return buf.Bytes(), nil
}

// MiddleFrame returns the preview frame index for a volume: the single frame
// for 2D input, the geometric middle for 3D.
func MiddleFrame(vol *Volume) int {
	if vol.Depth() <= 1 {
		return 0
	}
	return vol.Depth() / 2
}
