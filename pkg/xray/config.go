package xray

import "fmt"

// ProcessingMode selects the stage sequence run for a frame.
type ProcessingMode int

const (
	ModeFull ProcessingMode = iota
	ModePreview
)

func (m ProcessingMode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModePreview:
		return "preview"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseProcessingMode accepts "full" or "preview".
func ParseProcessingMode(s string) (ProcessingMode, error) {
	switch s {
	case "full", "":
		return ModeFull, nil
	case "preview":
		return ModePreview, nil
	default:
		return ModeFull, fmt.Errorf("unknown processing mode %q", s)
	}
}

// NoiseMethod selects the noise-reduction filter.
type NoiseMethod int

const (
	NoiseGaussian NoiseMethod = iota
	NoiseMedian
	NoiseBilateral
)

func (m NoiseMethod) String() string {
	switch m {
	case NoiseGaussian:
		return "gaussian"
	case NoiseMedian:
		return "median"
	case NoiseBilateral:
		return "bilateral"
	default:
		return fmt.Sprintf("noise_method(%d)", int(m))
	}
}

// NoiseReductionParams configures the noise-reduction stage.
type NoiseReductionParams struct {
	Enabled    bool
	Method     NoiseMethod
	Sigma      float64 // spatial sigma, Gaussian and bilateral
	KernelSize int     // odd, median and bilateral diameter
	SigmaRange float64 // intensity sigma, bilateral only
}

// DefaultNoiseReductionParams returns the disabled default.
func DefaultNoiseReductionParams() NoiseReductionParams {
	return NoiseReductionParams{
		Method:     NoiseGaussian,
		Sigma:      1.0,
		KernelSize: 3,
		SigmaRange: 500,
	}
}

// Validate checks the filter parameters.
func (p *NoiseReductionParams) Validate() error {
	switch p.Method {
	case NoiseGaussian:
		if p.Sigma <= 0 || p.Sigma > 20 {
			return fmt.Errorf("gaussian sigma must be in (0, 20], got %g", p.Sigma)
		}
	case NoiseMedian:
		if p.KernelSize < 3 || p.KernelSize%2 == 0 || p.KernelSize > 15 {
			return fmt.Errorf("median kernel size must be odd in [3, 15], got %d", p.KernelSize)
		}
	case NoiseBilateral:
		if p.KernelSize < 3 || p.KernelSize%2 == 0 || p.KernelSize > 15 {
			return fmt.Errorf("bilateral diameter must be odd in [3, 15], got %d", p.KernelSize)
		}
		if p.Sigma <= 0 || p.SigmaRange <= 0 {
			return fmt.Errorf("bilateral sigmas must be positive")
		}
	default:
		return fmt.Errorf("unknown noise method %d", p.Method)
	}
	return nil
}

// FlatteningMethod selects the background estimator.
type FlatteningMethod int

const (
	FlattenPolynomial FlatteningMethod = iota
	FlattenGaussian
)

func (m FlatteningMethod) String() string {
	switch m {
	case FlattenPolynomial:
		return "polynomial"
	case FlattenGaussian:
		return "gaussian"
	default:
		return fmt.Sprintf("flattening_method(%d)", int(m))
	}
}

// FlatteningParams configures large-area background normalization.
type FlatteningParams struct {
	Enabled bool
	Method  FlatteningMethod
	Order   int
	Sigma   float64
}

// DefaultFlatteningParams returns the disabled default.
func DefaultFlatteningParams() FlatteningParams {
	return FlatteningParams{
		Method: FlattenPolynomial,
		Order:  2,
		Sigma:  64,
	}
}

// Validate checks the flattening parameters.
func (p *FlatteningParams) Validate() error {
	switch p.Method {
	case FlattenPolynomial:
		if p.Order < 0 || p.Order > MaxPolynomialOrder {
			return fmt.Errorf("flattening order must be in [0, %d], got %d", MaxPolynomialOrder, p.Order)
		}
	case FlattenGaussian:
		if p.Sigma <= 0 {
			return fmt.Errorf("flattening sigma must be positive, got %g", p.Sigma)
		}
	default:
		return fmt.Errorf("unknown flattening method %d", p.Method)
	}
	return nil
}

// WindowLevel is the display mapping: Width is the range of input values
// shown, Center its midpoint.
type WindowLevel struct {
	Width  float64
	Center float64
}

// DefaultWindowLevel shows the full 16-bit domain.
func DefaultWindowLevel() WindowLevel {
	return WindowLevel{Width: 65536, Center: 32768}
}

// Validate rejects degenerate windows.
func (w WindowLevel) Validate() error {
	if w.Width < 1 {
		return fmt.Errorf("window width must be at least 1, got %g", w.Width)
	}
	return nil
}

// ProcessingConfig aggregates everything one frame run needs. Calibration
// references are borrowed from their owner and must stay alive for the
// duration of the call.
type ProcessingConfig struct {
	DarkFrame *CalibrationData
	GainMap   *CalibrationData
	DefectMap *DefectMap
	Scatter   *ScatterParams

	Noise      NoiseReductionParams
	Flattening FlatteningParams
	Window     WindowLevel
	Mode       ProcessingMode

	// PreserveRaw documents the contract; the raw copy is always taken.
	PreserveRaw bool
	// RetainCorrected keeps a copy of the frame before window/level so the
	// display mapping can be re-applied interactively.
	RetainCorrected bool
	// CollectMetrics records per-stage image statistics.
	CollectMetrics bool
	// AutoWindow replaces Window with one estimated from the corrected
	// frame's histogram just before window/level runs.
	AutoWindow bool
}

// DefaultProcessingConfig returns a full-pipeline config with no
// calibration references attached.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		Noise:           DefaultNoiseReductionParams(),
		Flattening:      DefaultFlatteningParams(),
		Window:          DefaultWindowLevel(),
		Mode:            ModeFull,
		PreserveRaw:     true,
		RetainCorrected: true,
	}
}

// Sequence returns the stages run for the configured mode.
func (c *ProcessingConfig) Sequence() []Stage {
	if c.Mode == ModePreview {
		return PreviewSequence
	}
	return FullSequence
}
