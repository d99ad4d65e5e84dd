package reference

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-correction-core/pkg/xray"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	require.True(t, e.Initialize())
	t.Cleanup(e.Shutdown)
	return e
}

func frame(w, h int, v uint16) *xray.ImageBuffer {
	b := xray.NewImageBuffer(w, h)
	b.Fill(v)
	return b
}

func calibration(typ xray.CalibrationType, w, h int, v float32) *xray.CalibrationData {
	coeffs := make([]float32, w*h)
	for i := range coeffs {
		coeffs[i] = v
	}
	return &xray.CalibrationData{Type: typ, Width: w, Height: h, Coefficients: coeffs, Valid: true, Source: "test"}
}

func assertUniform(t *testing.T, b *xray.ImageBuffer, want uint16) {
	t.Helper()
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			require.Equal(t, want, b.At(x, y), "pixel (%d, %d)", x, y)
		}
	}
}

func TestOffsetCorrection(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(8, 4, 1000)
	data := &f.Data[0]

	require.True(t, e.ApplyOffsetCorrection(f, calibration(xray.DarkFrame, 8, 4, 200)))
	assertUniform(t, f, 800)
	assert.Same(t, data, &f.Data[0])
	assert.True(t, e.GetLastError().IsZero())

	timing := e.GetLastTiming()
	assert.Equal(t, xray.StageOffset, timing.Stage)
	assert.True(t, timing.OK)
}

func TestOffsetCorrectionClampsAtZero(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(4, 4, 100)
	require.True(t, e.ApplyOffsetCorrection(f, calibration(xray.DarkFrame, 4, 4, 200.7)))
	assertUniform(t, f, 0)
}

func TestGainZeroSafety(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(4, 1, 1000)
	gain := calibration(xray.GainMap, 4, 1, 1)
	gain.Coefficients = []float32{0, float32(math.NaN()), float32(math.Inf(1)), 2.5}

	require.True(t, e.ApplyGainCorrection(f, gain))
	assert.Equal(t, uint16(1000), f.At(0, 0))
	assert.Equal(t, uint16(1000), f.At(1, 0))
	assert.Equal(t, uint16(1000), f.At(2, 0))
	assert.Equal(t, uint16(2500), f.At(3, 0))
}

func TestGainClampsAtMaximum(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(2, 2, 40000)
	require.True(t, e.ApplyGainCorrection(f, calibration(xray.GainMap, 2, 2, 2)))
	assertUniform(t, f, xray.MaxPixelValue)
}

func TestCalibrationChecks(t *testing.T) {
	t.Parallel()

	invalid := calibration(xray.DarkFrame, 8, 4, 1)
	invalid.Valid = false

	tests := []struct {
		name string
		cal  *xray.CalibrationData
		code xray.ErrorCode
	}{
		{"missing", nil, xray.ErrCalibrationInvalid},
		{"invalid", invalid, xray.ErrCalibrationInvalid},
		{"wrong size", calibration(xray.DarkFrame, 4, 8, 1), xray.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			f := frame(8, 4, 1000)
			before := f.Clone()

			assert.False(t, e.ApplyOffsetCorrection(f, tt.cal))
			lastErr := e.GetLastError()
			assert.Equal(t, tt.code, lastErr.Code)
			assert.Equal(t, "offset", lastErr.Stage)
			assert.False(t, e.GetLastTiming().OK)
			assert.Equal(t, before.Data, f.Data)
		})
	}
}

func TestRejectsInvalidFrame(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(4, 4, 1)
	f.BitDepth = 8
	assert.False(t, e.ApplyWindowLevel(f, xray.DefaultWindowLevel()))
	assert.Equal(t, xray.ErrInvalidParameter, e.GetLastError().Code)
}

func TestUninitializedEngineFails(t *testing.T) {
	t.Parallel()

	e := New()
	assert.False(t, e.ApplyOffsetCorrection(frame(2, 2, 1), calibration(xray.DarkFrame, 2, 2, 0)))
	assert.Equal(t, xray.ErrInitialization, e.GetLastError().Code)

	require.True(t, e.Initialize())
	assert.True(t, e.ApplyOffsetCorrection(frame(2, 2, 1), calibration(xray.DarkFrame, 2, 2, 0)))
	e.Shutdown()
	assert.False(t, e.ApplyOffsetCorrection(frame(2, 2, 1), calibration(xray.DarkFrame, 2, 2, 0)))
}

func TestDefectNearestLeftNeighbour(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(3, 3, 0)
	f.Set(0, 1, 500)
	f.Set(1, 1, 65535)
	defects := &xray.DefectMap{
		Width: 3, Height: 3, Valid: true, Count: 1,
		Entries: []xray.DefectEntry{{X: 1, Y: 1, Kind: xray.DefectHot, Method: xray.InterpolateNearest}},
	}

	require.True(t, e.ApplyDefectPixelMap(f, defects))
	assert.Equal(t, uint16(500), f.At(1, 1))
}

func TestDefectMapChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		defects *xray.DefectMap
		code    xray.ErrorCode
	}{
		{"missing", nil, xray.ErrCalibrationInvalid},
		{"invalid", &xray.DefectMap{Width: 3, Height: 3}, xray.ErrCalibrationInvalid},
		{"wrong size", &xray.DefectMap{Width: 4, Height: 3, Valid: true}, xray.ErrDimensionMismatch},
		{"out of bounds", &xray.DefectMap{Width: 3, Height: 3, Valid: true, Entries: []xray.DefectEntry{{X: 3, Y: 0}}}, xray.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			assert.False(t, e.ApplyDefectPixelMap(frame(3, 3, 1), tt.defects))
			assert.Equal(t, tt.code, e.GetLastError().Code)
		})
	}
}

func TestDefectWithoutSourcesWarns(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(1, 1, 77)
	defects := &xray.DefectMap{Width: 1, Height: 1, Valid: true, Entries: []xray.DefectEntry{{X: 0, Y: 0}}}
	require.True(t, e.ApplyDefectPixelMap(f, defects))
	lastErr := e.GetLastError()
	assert.Equal(t, xray.ErrDegraded, lastErr.Code)
	assert.True(t, lastErr.Recoverable)
	assert.Equal(t, uint16(77), f.At(0, 0))
}

func TestScatterPassThrough(t *testing.T) {
	t.Parallel()

	disabled := xray.DefaultScatterParams()
	for name, params := range map[string]*xray.ScatterParams{"disabled": &disabled, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			e := newEngine(t)
			f := frame(8, 8, 0)
			for i := 0; i < 64; i++ {
				f.Set(i%8, i/8, uint16(i*997))
			}
			before := f.Clone()
			require.True(t, e.ApplyScatterCorrection(f, params))
			assert.Equal(t, before.Data, f.Data)
			assert.True(t, e.GetLastError().IsZero())
		})
	}
}

func TestScatterDegradesWithoutSpectralBackend(t *testing.T) {
	t.Parallel()

	params := xray.DefaultScatterParams()
	params.Enabled = true

	for name, opt := range map[string]Option{"disabled": WithoutSpectral(), "too large": WithSpectralLimit(16)} {
		t.Run(name, func(t *testing.T) {
			e := newEngine(t, opt)
			f := frame(8, 8, 1234)
			f.Set(3, 3, 4000)
			before := f.Clone()

			require.True(t, e.ApplyScatterCorrection(f, &params))
			lastErr := e.GetLastError()
			assert.Equal(t, xray.ErrDegraded, lastErr.Code)
			assert.True(t, lastErr.Recoverable)
			assert.Equal(t, "scatter", lastErr.Stage)
			assert.Equal(t, before.Data, f.Data)
		})
	}
}

func TestScatterFFTKeepsMean(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	params := xray.DefaultScatterParams()
	params.Enabled = true
	params.CutoffFrequency = 0.3
	params.SuppressionRatio = 0.6

	f := frame(16, 16, 0)
	var sum float64
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			v := uint16(2000 + 100*x)
			f.Set(x, y, v)
			sum += float64(v)
		}
	}
	require.True(t, e.ApplyScatterCorrection(f, &params))
	assert.True(t, e.GetLastError().IsZero())

	var after float64
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			after += float64(f.At(x, y))
		}
	}
	assert.InDelta(t, sum/256, after/256, 1)
	assert.NotEqual(t, uint16(2000), f.At(0, 0), "low-frequency ramp must be attenuated")
}

func TestScatterPolynomial(t *testing.T) {
	t.Parallel()

	params := xray.DefaultScatterParams()
	params.Enabled = true
	params.Algorithm = xray.ScatterPolynomial
	params.SuppressionRatio = 0.5

	e := newEngine(t)
	f := frame(10, 10, 1000)
	require.True(t, e.ApplyScatterCorrection(f, &params))
	assertUniform(t, f, 500)

	params.Flags = xray.ScatterFlagPreserveMean
	f = frame(10, 10, 1000)
	require.True(t, e.ApplyScatterCorrection(f, &params))
	assertUniform(t, f, 1000)
}

func TestScatterRejectsBadParameters(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	params := xray.DefaultScatterParams()
	params.Enabled = true
	params.CutoffFrequency = 2
	assert.False(t, e.ApplyScatterCorrection(frame(4, 4, 1), &params))
	assert.Equal(t, xray.ErrInvalidParameter, e.GetLastError().Code)

	params = xray.DefaultScatterParams()
	params.Enabled = true
	params.Valid = false
	assert.False(t, e.ApplyScatterCorrection(frame(4, 4, 1), &params))
	assert.Equal(t, xray.ErrCalibrationInvalid, e.GetLastError().Code)
}

func TestNoiseReduction(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(9, 9, 1000)
	f.Set(4, 4, 60000)

	params := xray.DefaultNoiseReductionParams()
	require.True(t, e.ApplyNoiseReduction(f, &params))
	assert.Equal(t, uint16(60000), f.At(4, 4), "disabled noise reduction must not touch the frame")

	params.Enabled = true
	params.Method = xray.NoiseMedian
	params.KernelSize = 3
	require.True(t, e.ApplyNoiseReduction(f, &params))
	assertUniform(t, f, 1000)

	params.KernelSize = 2
	assert.False(t, e.ApplyNoiseReduction(f, &params))
	assert.Equal(t, xray.ErrInvalidParameter, e.GetLastError().Code)
}

func TestFlattening(t *testing.T) {
	t.Parallel()

	for _, method := range []xray.FlatteningMethod{xray.FlattenPolynomial, xray.FlattenGaussian} {
		t.Run(method.String(), func(t *testing.T) {
			e := newEngine(t)
			f := frame(32, 16, 0)
			for y := 0; y < 16; y++ {
				for x := 0; x < 32; x++ {
					f.Set(x, y, uint16(1000+50*x))
				}
			}
			params := xray.DefaultFlatteningParams()
			params.Enabled = true
			params.Method = method
			params.Order = 1
			params.Sigma = 4

			require.True(t, e.ApplyFlattening(f, &params))
			left, right := int(f.At(0, 8)), int(f.At(31, 8))
			assert.Less(t, math.Abs(float64(right-left)), 50.0*31, "illumination gradient must shrink")
			if method == xray.FlattenPolynomial {
				assert.InDelta(t, 1775, left, 1)
				assert.InDelta(t, 1775, right, 1)
			}
		})
	}
}

func TestWindowLevelIdempotent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	corrected := frame(16, 1, 0)
	for x := 0; x < 16; x++ {
		corrected.Set(x, 0, uint16(x*4096))
	}
	wl := xray.WindowLevel{Width: 20000, Center: 30000}

	first := corrected.Clone()
	require.True(t, e.ApplyWindowLevel(first, wl))
	second := corrected.Clone()
	require.True(t, e.ApplyWindowLevel(second, wl))
	assert.Equal(t, first.Data, second.Data)

	for x := 1; x < 16; x++ {
		assert.GreaterOrEqual(t, first.At(x, 0), first.At(x-1, 0))
	}
	assert.Equal(t, uint16(0), first.At(0, 0))
	assert.Equal(t, uint16(xray.MaxPixelValue), first.At(15, 0))

	assert.False(t, e.ApplyWindowLevel(first, xray.WindowLevel{Width: 0, Center: 1}))
	assert.Equal(t, xray.ErrInvalidParameter, e.GetLastError().Code)
}

func fullConfig(w, h int) *xray.ProcessingConfig {
	cfg := xray.DefaultProcessingConfig()
	cfg.DarkFrame = calibration(xray.DarkFrame, w, h, 100)
	cfg.GainMap = calibration(xray.GainMap, w, h, 1.5)
	cfg.DefectMap = &xray.DefectMap{Width: w, Height: h, Valid: true,
		Entries: []xray.DefectEntry{{X: 1, Y: 1, Method: xray.InterpolateMedian3x3}}}
	scatter := xray.DefaultScatterParams()
	cfg.Scatter = &scatter
	return &cfg
}

func TestProcessFrameKeepsSixteenBitDepth(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(8, 8, 1100)
	data := &f.Data[0]
	cfg := fullConfig(8, 8)
	cfg.Noise.Enabled = true
	cfg.Flattening.Enabled = true

	require.True(t, e.ProcessFrame(f, cfg))
	assert.Equal(t, xray.PixelDepth, f.BitDepth)
	assert.Same(t, data, &f.Data[0])
	assert.Len(t, f.Data, 8*8*2)
	assert.Equal(t, xray.StageWindowLevel, e.GetLastTiming().Stage)
}

func TestProcessFrameStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(4, 4, 1100)
	cfg := fullConfig(4, 4)
	cfg.DefectMap.Valid = false

	assert.False(t, e.ProcessFrame(f, cfg))
	assert.Equal(t, "defect", e.GetLastError().Stage)
	// Offset and gain were committed: (1100 - 100) * 1.5.
	assertUniform(t, f, 1500)

	assert.False(t, e.ProcessFrame(f, nil))
}

func TestProcessFrameAutoWindow(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	f := frame(4, 4, 1100)
	f.Set(0, 0, 1101)
	cfg := fullConfig(4, 4)
	cfg.Mode = xray.ModePreview
	cfg.AutoWindow = true
	cfg.Window = xray.WindowLevel{Width: 0}

	require.True(t, e.ProcessFrame(f, cfg))
	// The estimated window spans only (1100 - 100) * 1.5, which maps to black.
	assert.Equal(t, uint16(0), f.At(1, 1))
	assert.Equal(t, xray.StageWindowLevel, e.GetLastTiming().Stage)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	info := New().GetEngineInfo()
	assert.Equal(t, Name, info.Name)
	assert.Equal(t, xray.ABIVersion, info.ABIVersion)
	assert.Contains(t, info.Capabilities, "scatter.fft")
}
