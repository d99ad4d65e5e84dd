package xray

import (
	"fmt"
	"time"
)

// CalibrationType identifies a calibration dataset.
type CalibrationType uint16

const (
	DarkFrame         CalibrationType = 1
	GainMap           CalibrationType = 2
	DefectMapType     CalibrationType = 3
	ScatterParamsType CalibrationType = 4
)

func (t CalibrationType) String() string {
	switch t {
	case DarkFrame:
		return "dark_frame"
	case GainMap:
		return "gain_map"
	case DefectMapType:
		return "defect_map"
	case ScatterParamsType:
		return "scatter_params"
	default:
		return fmt.Sprintf("calibration_type(%d)", uint16(t))
	}
}

// CalibrationData is a per-pixel coefficient frame: a dark frame or a gain map.
// A dataset with Valid == false must never be applied to a frame.
type CalibrationData struct {
	Type         CalibrationType
	Width        int
	Height       int
	Coefficients []float32
	Checksum     [32]byte
	Timestamp    time.Time
	Valid        bool
	Source       string
	Err          error
}

// Matches reports whether the dataset is usable against a width x height frame.
func (c *CalibrationData) Matches(width, height int) bool {
	return c != nil && c.Valid && c.Width == width && c.Height == height &&
		len(c.Coefficients) == width*height
}

// DefectKind classifies a defective pixel.
type DefectKind uint8

const (
	DefectDead DefectKind = iota
	DefectHot
	DefectCluster
)

func (k DefectKind) String() string {
	switch k {
	case DefectDead:
		return "dead"
	case DefectHot:
		return "hot"
	case DefectCluster:
		return "cluster"
	default:
		return fmt.Sprintf("defect_kind(%d)", uint8(k))
	}
}

// InterpolationMethod selects how a defective pixel is replaced.
type InterpolationMethod uint8

const (
	InterpolateNearest InterpolationMethod = iota
	InterpolateBilinear
	InterpolateMedian3x3
)

func (m InterpolationMethod) String() string {
	switch m {
	case InterpolateNearest:
		return "nearest"
	case InterpolateBilinear:
		return "bilinear"
	case InterpolateMedian3x3:
		return "median3x3"
	default:
		return fmt.Sprintf("interpolation(%d)", uint8(m))
	}
}

// DefectEntry is one defective pixel and the method used to repair it.
type DefectEntry struct {
	X      int
	Y      int
	Kind   DefectKind
	Method InterpolationMethod
}

// DefectMap is the ordered list of defective pixels for a detector.
type DefectMap struct {
	Width     int
	Height    int
	Entries   []DefectEntry
	Count     int
	Checksum  [32]byte
	Timestamp time.Time
	Valid     bool
	Source    string
	Err       error
}

// ScatterAlgorithm selects the scatter-suppression technique.
type ScatterAlgorithm uint8

const (
	ScatterFFT ScatterAlgorithm = iota
	ScatterPolynomial
)

func (a ScatterAlgorithm) String() string {
	switch a {
	case ScatterFFT:
		return "fft"
	case ScatterPolynomial:
		return "polynomial"
	default:
		return fmt.Sprintf("scatter_algorithm(%d)", uint8(a))
	}
}

// Scatter flags.
const (
	// ScatterFlagPreserveMean adds the mean of the removed background back
	// after polynomial suppression. The FFT path always keeps the DC term.
	ScatterFlagPreserveMean uint16 = 1 << 0
)

// ScatterParams configures the virtual anti-scatter grid.
type ScatterParams struct {
	Enabled          bool
	Algorithm        ScatterAlgorithm
	CutoffFrequency  float64
	SuppressionRatio float64
	PolynomialOrder  int
	Flags            uint16
	Checksum         [32]byte
	Timestamp        time.Time
	Valid            bool
	Source           string
	Err              error
}

// DefaultScatterParams returns a disabled, valid parameter set.
func DefaultScatterParams() ScatterParams {
	return ScatterParams{
		Algorithm:        ScatterFFT,
		CutoffFrequency:  0.05,
		SuppressionRatio: 0.5,
		PolynomialOrder:  2,
		Valid:            true,
	}
}

// Validate checks ranges of the scatter parameters.
func (p *ScatterParams) Validate() error {
	if p.CutoffFrequency <= 0 || p.CutoffFrequency > 1 {
		return fmt.Errorf("scatter cutoff frequency must be in (0, 1], got %g", p.CutoffFrequency)
	}
	if p.SuppressionRatio < 0 || p.SuppressionRatio > 1 {
		return fmt.Errorf("scatter suppression ratio must be in [0, 1], got %g", p.SuppressionRatio)
	}
	if p.Algorithm != ScatterFFT && p.Algorithm != ScatterPolynomial {
		return fmt.Errorf("unknown scatter algorithm %d", p.Algorithm)
	}
	if p.Algorithm == ScatterPolynomial && (p.PolynomialOrder < 0 || p.PolynomialOrder > MaxPolynomialOrder) {
		return fmt.Errorf("scatter polynomial order must be in [0, %d], got %d", MaxPolynomialOrder, p.PolynomialOrder)
	}
	return nil
}

// MaxPolynomialOrder bounds background surface fits.
const MaxPolynomialOrder = 6
