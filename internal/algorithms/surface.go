package algorithms

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxFitSamples caps the number of pixels entering the normal equations.
const maxFitSamples = 1 << 16

// maxCondition is the largest normal-matrix condition number accepted.
const maxCondition = 1e12

// FitSurface returns the least-squares polynomial surface of the given total
// order through p. Coordinates are mapped to [-1, 1] to keep the system
// well conditioned. Large planes are sampled on a regular grid. A plane
// that is a single row or column is fitted along its one axis, and an
// order the samples cannot determine falls back to the highest one they can.
func FitSurface(p *Plane, order int) (*Plane, error) {
	if order < 0 {
		return nil, fmt.Errorf("polynomial order must be non-negative, got %d", order)
	}
	if len(p.Pix) == 0 {
		return nil, fmt.Errorf("cannot fit a surface to an empty plane")
	}
	for {
		basis := surfaceBasis(order, p.Width > 1, p.Height > 1)
		if len(basis) <= len(p.Pix) {
			surface, err := fitBasis(p, basis)
			if err == nil || order == 0 {
				return surface, err
			}
		}
		order--
	}
}

// term is the monomial x^px * y^py.
type term struct{ px, py int }

// surfaceBasis lists the monomials of total degree <= order, skipping those
// along an axis with a single sample.
func surfaceBasis(order int, useX, useY bool) []term {
	var basis []term
	for total := 0; total <= order; total++ {
		for py := 0; py <= total; py++ {
			px := total - py
			if (px > 0 && !useX) || (py > 0 && !useY) {
				continue
			}
			basis = append(basis, term{px, py})
		}
	}
	return basis
}

func evalBasis(dst []float64, basis []term, x, y float64) {
	for i, t := range basis {
		dst[i] = math.Pow(x, float64(t.px)) * math.Pow(y, float64(t.py))
	}
}

func fitBasis(p *Plane, basis []term) (*Plane, error) {
	terms := len(basis)

	step := 1
	for ((p.Width+step-1)/step)*((p.Height+step-1)/step) > maxFitSamples {
		step++
	}

	ata := mat.NewDense(terms, terms, nil)
	atb := mat.NewVecDense(terms, nil)
	row := make([]float64, terms)
	for y := 0; y < p.Height; y += step {
		ny := normalizeCoord(y, p.Height)
		for x := 0; x < p.Width; x += step {
			evalBasis(row, basis, normalizeCoord(x, p.Width), ny)
			v := p.At(x, y)
			for i := 0; i < terms; i++ {
				atb.SetVec(i, atb.AtVec(i)+row[i]*v)
				for j := i; j < terms; j++ {
					ata.Set(i, j, ata.At(i, j)+row[i]*row[j])
				}
			}
		}
	}
	for i := 0; i < terms; i++ {
		for j := 0; j < i; j++ {
			ata.Set(i, j, ata.At(j, i))
		}
	}

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(ata, atb); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || float64(cond) > maxCondition {
			return nil, fmt.Errorf("surface fit with %d terms failed: %w", terms, err)
		}
	}
	for i := 0; i < terms; i++ {
		if c := coeffs.AtVec(i); math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("surface fit with %d terms is degenerate", terms)
		}
	}

	out := NewPlane(p.Width, p.Height)
	for y := 0; y < p.Height; y++ {
		ny := normalizeCoord(y, p.Height)
		for x := 0; x < p.Width; x++ {
			evalBasis(row, basis, normalizeCoord(x, p.Width), ny)
			var v float64
			for i := 0; i < terms; i++ {
				v += coeffs.AtVec(i) * row[i]
			}
			out.Pix[y*p.Width+x] = v
		}
	}
	return out, nil
}

func normalizeCoord(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*float64(i)/float64(n-1) - 1
}
