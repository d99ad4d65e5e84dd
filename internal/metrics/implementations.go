// Concrete implementations of quality metrics
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"xray-correction-core/pkg/xray"
)

// Stats summarizes the pixel distribution of one frame.
type Stats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Map flattens the statistics for StageTiming.Metrics.
func (s Stats) Map() map[string]float64 {
	return map[string]float64{
		"mean":   s.Mean,
		"stddev": s.StdDev,
		"min":    s.Min,
		"max":    s.Max,
	}
}

// FrameStats computes the population statistics of b.
func FrameStats(b *xray.ImageBuffer) Stats {
	values := pixels(b)
	if len(values) == 0 {
		return Stats{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Stats{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
}

func pixels(b *xray.ImageBuffer) []float64 {
	if b == nil {
		return nil
	}
	out := make([]float64, 0, b.Width*b.Height)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			out = append(out, float64(b.At(x, y)))
		}
	}
	return out
}

func checkPair(original, processed *xray.ImageBuffer) error {
	if original == nil || processed == nil || original.Pixels() == 0 || processed.Pixels() == 0 {
		return fmt.Errorf("empty images")
	}
	if original.Width != processed.Width || original.Height != processed.Height {
		return fmt.Errorf("image dimensions mismatch")
	}
	return nil
}

func meanSquaredError(original, processed *xray.ImageBuffer) float64 {
	var sum float64
	for y := 0; y < original.Height; y++ {
		for x := 0; x < original.Width; x++ {
			diff := float64(original.At(x, y)) - float64(processed.At(x, y))
			sum += diff * diff
		}
	}
	return sum / float64(original.Pixels())
}

// PSNR implements Peak Signal-to-Noise Ratio over the 16-bit range
type PSNR struct{}

// NewPSNR creates a new PSNR metric
func NewPSNR() *PSNR {
	return &PSNR{}
}

func (p *PSNR) Calculate(original, processed *xray.ImageBuffer) (float64, error) {
	if err := checkPair(original, processed); err != nil {
		return 0, err
	}
	mse := meanSquaredError(original, processed)
	if mse == 0 {
		return math.Inf(1), nil // Perfect match
	}
	return 20 * math.Log10(xray.MaxPixelValue/math.Sqrt(mse)), nil
}

func (p *PSNR) GetName() string {
	return "PSNR"
}

func (p *PSNR) GetDescription() string {
	return "Peak Signal-to-Noise Ratio in dB against the 16-bit peak"
}

func (p *PSNR) IsHigherBetter() bool {
	return true
}

// MSE implements Mean Squared Error
type MSE struct{}

// NewMSE creates a new MSE metric
func NewMSE() *MSE {
	return &MSE{}
}

func (m *MSE) Calculate(original, processed *xray.ImageBuffer) (float64, error) {
	if err := checkPair(original, processed); err != nil {
		return 0, err
	}
	return meanSquaredError(original, processed), nil
}

func (m *MSE) GetName() string {
	return "MSE"
}

func (m *MSE) GetDescription() string {
	return "Mean Squared Error between frames"
}

func (m *MSE) IsHigherBetter() bool {
	return false
}

// MeanShift reports how far a step moved the frame mean.
type MeanShift struct{}

func NewMeanShift() *MeanShift {
	return &MeanShift{}
}

func (m *MeanShift) Calculate(original, processed *xray.ImageBuffer) (float64, error) {
	if err := checkPair(original, processed); err != nil {
		return 0, err
	}
	return stat.Mean(pixels(processed), nil) - stat.Mean(pixels(original), nil), nil
}

func (m *MeanShift) GetName() string {
	return "Mean Shift"
}

func (m *MeanShift) GetDescription() string {
	return "Change of the mean pixel value"
}

func (m *MeanShift) IsHigherBetter() bool {
	return false
}
