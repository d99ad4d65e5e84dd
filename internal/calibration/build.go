package calibration

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"xray-correction-core/pkg/xray"
)

// Builders for the acquisition tooling. They turn stacks of raw frames into
// datasets ready for the encoders.

var ErrNoFrames = errors.New("no frames to average")

// AverageFrames returns the per-pixel mean of frames, row-major without
// padding. All frames must share one geometry.
func AverageFrames(frames []*xray.ImageBuffer) ([]float64, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	width, height := frames[0].Width, frames[0].Height
	sum := make([]float64, width*height)
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if !f.SameDimensions(width, height) {
			return nil, fmt.Errorf("frame %d is %dx%d, want %dx%d", i, f.Width, f.Height, width, height)
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				sum[y*width+x] += float64(f.At(x, y))
			}
		}
	}
	n := float64(len(frames))
	for i := range sum {
		sum[i] /= n
	}
	return sum, nil
}

// BuildDarkFrame averages unexposed frames into an offset map.
func BuildDarkFrame(frames []*xray.ImageBuffer, ts time.Time) (*xray.CalibrationData, error) {
	mean, err := AverageFrames(frames)
	if err != nil {
		return nil, err
	}
	coeffs := make([]float32, len(mean))
	for i, v := range mean {
		coeffs[i] = float32(v)
	}
	return &xray.CalibrationData{
		Type:         xray.DarkFrame,
		Width:        frames[0].Width,
		Height:       frames[0].Height,
		Coefficients: coeffs,
		Timestamp:    ts,
		Valid:        true,
	}, nil
}

// signal returns the dark-corrected average of flats.
func signal(flats []*xray.ImageBuffer, dark *xray.CalibrationData) ([]float64, error) {
	mean, err := AverageFrames(flats)
	if err != nil {
		return nil, err
	}
	if dark == nil {
		return mean, nil
	}
	if !dark.Matches(flats[0].Width, flats[0].Height) {
		return nil, fmt.Errorf("%w: dark frame does not match the flat frames", ErrDimensionMismatch)
	}
	for i := range mean {
		mean[i] -= float64(dark.Coefficients[i])
	}
	return mean, nil
}

// BuildGainMap derives per-pixel gain from uniformly exposed flat frames so
// that every pixel is scaled to the mean response. Pixels without signal get
// a zero coefficient, which the engine treats as unity; DetectDefects
// reports them.
func BuildGainMap(flats []*xray.ImageBuffer, dark *xray.CalibrationData, ts time.Time) (*xray.CalibrationData, error) {
	sig, err := signal(flats, dark)
	if err != nil {
		return nil, err
	}

	var total float64
	var n int
	for _, v := range sig {
		if v > 0 {
			total += v
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: flat frames carry no signal above the dark level", ErrInvalidPayload)
	}
	target := total / float64(n)

	coeffs := make([]float32, len(sig))
	for i, v := range sig {
		if v > 0 {
			coeffs[i] = float32(target / v)
		}
	}
	return &xray.CalibrationData{
		Type:         xray.GainMap,
		Width:        flats[0].Width,
		Height:       flats[0].Height,
		Coefficients: coeffs,
		Timestamp:    ts,
		Valid:        true,
	}, nil
}

// DefectCriteria controls defect detection.
type DefectCriteria struct {
	// Sigma is the distance from the mean response, in standard
	// deviations, beyond which a pixel is defective.
	Sigma float64
	// Method repairs isolated defects. Pixels with a defective neighbour
	// are marked as clusters and repaired with nearest-neighbour.
	Method xray.InterpolationMethod
}

// DetectDefects flags pixels whose dark-corrected flat response is outside
// the mean by more than c.Sigma standard deviations, or has no signal.
func DetectDefects(flats []*xray.ImageBuffer, dark *xray.CalibrationData, c DefectCriteria, ts time.Time) (*xray.DefectMap, error) {
	if c.Sigma <= 0 {
		return nil, fmt.Errorf("defect sigma must be positive, got %g", c.Sigma)
	}
	sig, err := signal(flats, dark)
	if err != nil {
		return nil, err
	}
	width, height := flats[0].Width, flats[0].Height

	mean, std := stat.MeanStdDev(sig, nil)
	kinds := make([]int8, len(sig)) // -1 none, else DefectKind
	for i, v := range sig {
		switch {
		case v <= 0 || v < mean-c.Sigma*std:
			kinds[i] = int8(xray.DefectDead)
		case v > mean+c.Sigma*std:
			kinds[i] = int8(xray.DefectHot)
		default:
			kinds[i] = -1
		}
	}

	m := &xray.DefectMap{Width: width, Height: height, Timestamp: ts, Valid: true}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			k := kinds[y*width+x]
			if k < 0 {
				continue
			}
			entry := xray.DefectEntry{X: x, Y: y, Kind: xray.DefectKind(k), Method: c.Method}
			if hasDefectiveNeighbour(kinds, width, height, x, y) {
				entry.Kind = xray.DefectCluster
				entry.Method = xray.InterpolateNearest
			}
			m.Entries = append(m.Entries, entry)
		}
	}
	m.Count = len(m.Entries)
	return m, nil
}

func hasDefectiveNeighbour(kinds []int8, width, height, x, y int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= width || ny >= height {
				continue
			}
			if kinds[ny*width+nx] >= 0 {
				return true
			}
		}
	}
	return false
}
