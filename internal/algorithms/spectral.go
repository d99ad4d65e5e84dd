package algorithms

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrSpectralUnavailable reports that the frequency-domain backend cannot
// serve a request. Callers are expected to degrade rather than fail.
var ErrSpectralUnavailable = errors.New("frequency-domain backend unavailable")

// DefaultSpectralLimit is the largest frame, in pixels, transformed by default.
const DefaultSpectralLimit = 4096 * 4096

// Spectral runs 2D transforms with per-length FFT plans cached between calls.
type Spectral struct {
	mu        sync.Mutex
	plans     map[int]*fourier.CmplxFFT
	maxPixels int
	disabled  bool
}

// NewSpectral creates a backend accepting frames up to maxPixels. A
// non-positive limit disables the backend.
func NewSpectral(maxPixels int) *Spectral {
	return &Spectral{
		plans:     make(map[int]*fourier.CmplxFFT),
		maxPixels: maxPixels,
		disabled:  maxPixels <= 0,
	}
}

// Available reports whether a width x height frame can be transformed.
func (s *Spectral) Available(width, height int) error {
	if s == nil || s.disabled {
		return fmt.Errorf("%w: backend disabled", ErrSpectralUnavailable)
	}
	if width*height > s.maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrSpectralUnavailable, width, height, s.maxPixels)
	}
	return nil
}

// Reset drops cached plans.
func (s *Spectral) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = make(map[int]*fourier.CmplxFFT)
}

// PlanCount returns the number of cached plans.
func (s *Spectral) PlanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

func (s *Spectral) plan(n int) *fourier.CmplxFFT {
	if p, ok := s.plans[n]; ok {
		return p
	}
	p := fourier.NewCmplxFFT(n)
	s.plans[n] = p
	return p
}

// SuppressLowFrequency attenuates low spatial frequencies of p in place.
// The gain at radial frequency r (normalized so 1 is Nyquist) is
// 1 - suppression*exp(-r^2 / (2*cutoff^2)). The DC term is left untouched
// so the frame mean survives.
func (s *Spectral) SuppressLowFrequency(p *Plane, cutoff, suppression float64) error {
	if err := s.Available(p.Width, p.Height); err != nil {
		return err
	}
	if cutoff <= 0 || cutoff > 1 {
		return fmt.Errorf("cutoff must be in (0, 1], got %g", cutoff)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := p.Width, p.Height
	data := make([]complex128, w*h)
	for i, v := range p.Pix {
		data[i] = complex(v, 0)
	}

	s.transform(data, w, h, false)

	twoC2 := 2 * cutoff * cutoff
	for ky := 0; ky < h; ky++ {
		fy := normalizedFrequency(ky, h)
		for kx := 0; kx < w; kx++ {
			if kx == 0 && ky == 0 {
				continue
			}
			fx := normalizedFrequency(kx, w)
			r := math.Min(1, math.Hypot(fx, fy))
			gain := 1 - suppression*math.Exp(-r*r/twoC2)
			data[ky*w+kx] *= complex(gain, 0)
		}
	}

	s.transform(data, w, h, true)

	scale := 1 / float64(w*h)
	for i := range p.Pix {
		p.Pix[i] = real(data[i]) * scale
		if cmplx.IsNaN(data[i]) {
			p.Pix[i] = 0
		}
	}
	return nil
}

// transform runs a separable 2D FFT over data. The inverse is left
// unnormalized.
func (s *Spectral) transform(data []complex128, w, h int, inverse bool) {
	run := func(plan *fourier.CmplxFFT, dst, src []complex128) []complex128 {
		if inverse {
			return plan.Sequence(dst, src)
		}
		return plan.Coefficients(dst, src)
	}

	rowPlan := s.plan(w)
	scratch := make([]complex128, w)
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		copy(row, run(rowPlan, scratch, row))
	}

	colPlan := s.plan(h)
	col := make([]complex128, h)
	out := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		out = run(colPlan, out, col)
		for y := 0; y < h; y++ {
			data[y*w+x] = out[y]
		}
	}
}

// normalizedFrequency maps FFT bin k of n to [-1, 1], 1 being Nyquist.
func normalizedFrequency(k, n int) float64 {
	if k > n/2 {
		k -= n
	}
	return 2 * float64(k) / float64(n)
}
