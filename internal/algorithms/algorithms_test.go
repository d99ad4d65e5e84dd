package algorithms

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-correction-core/pkg/xray"
)

func uniformFrame(t *testing.T, w, h int, v uint16) *xray.ImageBuffer {
	t.Helper()
	b := xray.NewImageBuffer(w, h)
	b.Fill(v)
	return b
}

func TestQuantize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want uint16
	}{
		{-5, 0},
		{math.NaN(), 0},
		{0.49, 0},
		{0.5, 1},
		{800, 800},
		{65534.6, 65535},
		{1e9, 65535},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quantize(tt.in), "Quantize(%v)", tt.in)
	}
}

func TestRegistryHasAllNoiseMethods(t *testing.T) {
	t.Parallel()

	for _, m := range []xray.NoiseMethod{xray.NoiseGaussian, xray.NoiseMedian, xray.NoiseBilateral} {
		assert.True(t, IsValidMethod(m), m.String())
		f, ok := Get(m)
		require.True(t, ok)
		assert.NotEmpty(t, f.GetName())
	}
	assert.Len(t, GetAllFilters(), 3)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	name, desc, ok := Describe(xray.NoiseMedian)
	require.True(t, ok)
	f, _ := Get(xray.NoiseMedian)
	assert.Equal(t, f.GetName(), name)
	assert.NotEmpty(t, desc)

	_, _, ok = Describe(xray.NoiseMethod(99))
	assert.False(t, ok)
}

func TestApplyRejectsInvalidParameters(t *testing.T) {
	t.Parallel()

	b := uniformFrame(t, 4, 4, 100)
	err := Apply(b, xray.NoiseReductionParams{Method: xray.NoiseMedian, KernelSize: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd")

	err = Apply(b, xray.NoiseReductionParams{Method: xray.NoiseMethod(42)})
	require.Error(t, err)
}

func TestMedianPlaneRemovesImpulse(t *testing.T) {
	t.Parallel()

	b := uniformFrame(t, 9, 9, 1000)
	b.Set(4, 4, 65535)
	b.Set(1, 1, 0)
	MedianPlane(b, 7)
	for y := 0; y < 9; y++ {
		for x := 0; x < 9; x++ {
			assert.Equal(t, uint16(1000), b.At(x, y))
		}
	}
}

func TestFiltersPreserveUniformFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params xray.NoiseReductionParams
	}{
		{"gaussian", xray.NoiseReductionParams{Method: xray.NoiseGaussian, Sigma: 1.5}},
		{"median3", xray.NoiseReductionParams{Method: xray.NoiseMedian, KernelSize: 3}},
		{"median9", xray.NoiseReductionParams{Method: xray.NoiseMedian, KernelSize: 9}},
		{"bilateral", xray.NoiseReductionParams{Method: xray.NoiseBilateral, KernelSize: 5, Sigma: 2, SigmaRange: 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := uniformFrame(t, 16, 12, 4321)
			data := b.Data
			require.NoError(t, Apply(b, tt.params))
			assert.Equal(t, 16, b.BitDepth)
			assert.Same(t, &data[0], &b.Data[0], "buffer must be filtered in place")
			for y := 0; y < b.Height; y++ {
				for x := 0; x < b.Width; x++ {
					assert.InDelta(t, 4321, int(b.At(x, y)), 1)
				}
			}
		})
	}
}

func TestRepairDefectsNearestLeft(t *testing.T) {
	t.Parallel()

	b := uniformFrame(t, 3, 3, 0)
	b.Set(0, 1, 500)
	b.Set(1, 1, 9999)
	unresolved := RepairDefects(b, []xray.DefectEntry{{X: 1, Y: 1, Kind: xray.DefectDead, Method: xray.InterpolateNearest}})
	assert.Zero(t, unresolved)
	assert.Equal(t, uint16(500), b.At(1, 1))
}

func TestRepairDefectsMixedMethods(t *testing.T) {
	t.Parallel()

	b := uniformFrame(t, 7, 7, 100)
	// Horizontal gradient around (2,3) and a distinct patch around (5,3).
	b.Set(1, 3, 100)
	b.Set(3, 3, 300)
	b.Set(2, 2, 200)
	b.Set(2, 4, 200)
	b.Set(2, 3, 0)
	b.Set(5, 3, 65535)

	unresolved := RepairDefects(b, []xray.DefectEntry{
		{X: 2, Y: 3, Kind: xray.DefectDead, Method: xray.InterpolateBilinear},
		{X: 5, Y: 3, Kind: xray.DefectHot, Method: xray.InterpolateMedian3x3},
	})
	assert.Zero(t, unresolved)
	assert.Equal(t, uint16(200), b.At(2, 3))
	assert.Equal(t, uint16(100), b.At(5, 3))
}

func TestRepairDefectsClusterUsesOnlyValidSources(t *testing.T) {
	t.Parallel()

	b := uniformFrame(t, 5, 1, 700)
	b.Set(1, 0, 1)
	b.Set(2, 0, 2)
	b.Set(3, 0, 3)
	entries := []xray.DefectEntry{
		{X: 1, Y: 0, Kind: xray.DefectCluster, Method: xray.InterpolateNearest},
		{X: 2, Y: 0, Kind: xray.DefectCluster, Method: xray.InterpolateBilinear},
		{X: 3, Y: 0, Kind: xray.DefectCluster, Method: xray.InterpolateMedian3x3},
	}
	assert.Zero(t, RepairDefects(b, entries))
	for x := 0; x < 5; x++ {
		assert.Equal(t, uint16(700), b.At(x, 0))
	}
}

func TestRepairDefectsAllDefective(t *testing.T) {
	t.Parallel()

	b := uniformFrame(t, 1, 1, 42)
	unresolved := RepairDefects(b, []xray.DefectEntry{{X: 0, Y: 0}})
	assert.Equal(t, 1, unresolved)
	assert.Equal(t, uint16(42), b.At(0, 0))
}

func TestSpectralPreservesUniformFrame(t *testing.T) {
	t.Parallel()

	s := NewSpectral(DefaultSpectralLimit)
	p := NewPlane(16, 8)
	for i := range p.Pix {
		p.Pix[i] = 1234
	}
	require.NoError(t, s.SuppressLowFrequency(p, 0.1, 0.8))
	for _, v := range p.Pix {
		assert.InDelta(t, 1234, v, 1e-6)
	}
	assert.Equal(t, 2, s.PlanCount())
	s.Reset()
	assert.Zero(t, s.PlanCount())
}

func TestSpectralAttenuatesLowFrequency(t *testing.T) {
	t.Parallel()

	const w, h = 32, 32
	p := NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p.Pix[y*w+x] = 1000 + 500*math.Cos(2*math.Pi*float64(x)/w)
		}
	}
	s := NewSpectral(DefaultSpectralLimit)
	require.NoError(t, s.SuppressLowFrequency(p, 0.2, 0.5))

	// One cycle per frame sits at r = 2/32; gain is 1 - 0.5*exp(-r^2/(2*0.04)).
	r := 2.0 / w
	gain := 1 - 0.5*math.Exp(-r*r/(2*0.2*0.2))
	assert.InDelta(t, 1000+500*gain, p.At(0, 0), 1e-6)
	assert.InDelta(t, 1000-500*gain, p.At(w/2, 0), 1e-6)
	assert.InDelta(t, 1000, p.Mean(), 1e-6)
}

func TestSpectralUnavailable(t *testing.T) {
	t.Parallel()

	p := NewPlane(8, 8)
	assert.ErrorIs(t, NewSpectral(0).SuppressLowFrequency(p, 0.1, 0.5), ErrSpectralUnavailable)
	assert.ErrorIs(t, NewSpectral(32).SuppressLowFrequency(p, 0.1, 0.5), ErrSpectralUnavailable)
	var nilBackend *Spectral
	assert.ErrorIs(t, nilBackend.Available(8, 8), ErrSpectralUnavailable)
}

func TestFitSurfaceRecoversQuadratic(t *testing.T) {
	t.Parallel()

	const w, h = 20, 10
	p := NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			nx, ny := normalizeCoord(x, w), normalizeCoord(y, h)
			p.Pix[y*w+x] = 500 + 30*nx - 20*ny + 10*nx*nx + 5*nx*ny
		}
	}
	s, err := FitSurface(p, 2)
	require.NoError(t, err)
	for i := range p.Pix {
		assert.InDelta(t, p.Pix[i], s.Pix[i], 1e-6)
	}
}

func TestFitSurfaceDegenerateGeometry(t *testing.T) {
	t.Parallel()

	p := NewPlane(6, 1)
	for x := range p.Pix {
		p.Pix[x] = float64(10 * x)
	}
	s, err := FitSurface(p, 4)
	require.NoError(t, err)
	for i := range p.Pix {
		assert.InDelta(t, p.Pix[i], s.Pix[i], 1e-6)
	}

	_, err = FitSurface(NewPlane(0, 0), 1)
	require.Error(t, err)
	_, err = FitSurface(p, -1)
	require.Error(t, err)
}

func TestFlattenKeepsMean(t *testing.T) {
	t.Parallel()

	p := NewPlane(4, 1)
	copy(p.Pix, []float64{100, 200, 300, 400})
	bg := NewPlane(4, 1)
	copy(bg.Pix, []float64{0, 100, 200, 300})
	Flatten(p, bg)
	assert.Equal(t, []float64{250, 250, 250, 250}, p.Pix)
}

func TestSubtractScaled(t *testing.T) {
	t.Parallel()

	p := NewPlane(2, 1)
	copy(p.Pix, []float64{1000, 1000})
	bg := NewPlane(2, 1)
	copy(bg.Pix, []float64{400, 600})
	SubtractScaled(p, bg, 0.5, false)
	assert.Equal(t, []float64{800, 700}, p.Pix)

	copy(p.Pix, []float64{1000, 1000})
	SubtractScaled(p, bg, 0.5, true)
	assert.Equal(t, []float64{1050, 950}, p.Pix)
}

func TestGaussianBackgroundOfUniformPlane(t *testing.T) {
	t.Parallel()

	p := NewPlane(24, 16)
	for i := range p.Pix {
		p.Pix[i] = 3000
	}
	bg, err := GaussianBackground(p, 8)
	require.NoError(t, err)
	for _, v := range bg.Pix {
		assert.InDelta(t, 3000, v, 0.5)
	}
	_, err = GaussianBackground(p, 0)
	require.Error(t, err)
}

func TestWindowLUT(t *testing.T) {
	t.Parallel()

	full := BuildWindowLUT(xray.DefaultWindowLevel())
	assert.True(t, full.Monotonic())
	assert.Equal(t, uint16(0), full[0])
	assert.Equal(t, uint16(65535), full[65535])

	narrow := BuildWindowLUT(xray.WindowLevel{Width: 1001, Center: 1000.5})
	assert.True(t, narrow.Monotonic())
	assert.Equal(t, uint16(0), narrow[499])
	assert.Equal(t, uint16(65535), narrow[1501])
	assert.InDelta(t, 32768, int(narrow[1000]), 40)

	step := BuildWindowLUT(xray.WindowLevel{Width: 1, Center: 100})
	assert.True(t, step.Monotonic())
	assert.Equal(t, uint16(0), step[99])
	assert.Equal(t, uint16(65535), step[100])
}

func TestLUTApplyIsIdempotentOnSameInput(t *testing.T) {
	t.Parallel()

	src := uniformFrame(t, 4, 4, 0)
	for i := 0; i < 16; i++ {
		src.Set(i%4, i/4, uint16(i*4000))
	}
	lut := BuildWindowLUT(xray.WindowLevel{Width: 30000, Center: 20000})

	first := src.Clone()
	lut.Apply(first)
	second := src.Clone()
	lut.Apply(second)
	assert.Equal(t, first.Data, second.Data)
}

func TestLUTCacheEvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewLUTCache(2)
	a := c.Get(xray.WindowLevel{Width: 100, Center: 50})
	c.Get(xray.WindowLevel{Width: 200, Center: 50})
	assert.Same(t, a, c.Get(xray.WindowLevel{Width: 100, Center: 50}))
	c.Get(xray.WindowLevel{Width: 300, Center: 50})
	assert.Equal(t, 2, c.Len())
	assert.Same(t, a, c.Get(xray.WindowLevel{Width: 100, Center: 50}), "recently used table must survive eviction")
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestOtsuThreshold(t *testing.T) {
	t.Parallel()

	hist := make([]float64, 256)
	hist[40] = 70
	hist[200] = 30
	assert.Equal(t, 40, OtsuThreshold(hist))

	single := make([]float64, 256)
	single[128] = 10
	assert.Equal(t, -1, OtsuThreshold(single))
}

func TestEstimateWindowSpansDominantClass(t *testing.T) {
	t.Parallel()

	b := xray.NewImageBuffer(40, 30)
	b.Fill(60000)
	for i := 0; i < 1000; i++ {
		b.Set(i%40, i/40, uint16(1000+i))
	}

	wl := EstimateWindow(b, DefaultWindowClip)
	require.NoError(t, wl.Validate())
	assert.Equal(t, 981.0, wl.Width)
	assert.Equal(t, 1499.5, wl.Center)

	lut := BuildWindowLUT(wl)
	assert.Equal(t, uint16(0), lut[1009])
	assert.Equal(t, uint16(xray.MaxPixelValue), lut[1989])
}

func TestEstimateWindowUniformFrame(t *testing.T) {
	t.Parallel()

	wl := EstimateWindow(uniformFrame(t, 8, 8, 1234), DefaultWindowClip)
	require.NoError(t, wl.Validate())
	assert.Equal(t, 1.0, wl.Width)
	assert.Equal(t, 1234.5, wl.Center)
}
