// Numeric kernels behind the reference engine. Nothing here is part of
// the engine contract; callers pass and receive xray buffers only.
package algorithms

import (
	"math"

	"xray-correction-core/pkg/xray"
)

// Plane is a float64 working copy of a frame, tightly packed.
type Plane struct {
	Width  int
	Height int
	Pix    []float64
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int) *Plane {
	return &Plane{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// PlaneFrom copies the pixels of b into a new plane.
func PlaneFrom(b *xray.ImageBuffer) *Plane {
	p := NewPlane(b.Width, b.Height)
	for y := 0; y < b.Height; y++ {
		row := p.Pix[y*b.Width : (y+1)*b.Width]
		for x := range row {
			row[x] = float64(b.At(x, y))
		}
	}
	return p
}

// At returns the value at (x, y).
func (p *Plane) At(x, y int) float64 {
	return p.Pix[y*p.Width+x]
}

// Mean returns the average value.
func (p *Plane) Mean() float64 {
	if len(p.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p.Pix {
		sum += v
	}
	return sum / float64(len(p.Pix))
}

// Store re-quantizes the plane into b in place.
func (p *Plane) Store(b *xray.ImageBuffer) {
	for y := 0; y < p.Height; y++ {
		row := p.Pix[y*p.Width : (y+1)*p.Width]
		for x, v := range row {
			b.Set(x, y, Quantize(v))
		}
	}
}

// Quantize rounds v to the nearest 16-bit value, clamping at both ends.
// NaN maps to zero.
func Quantize(v float64) uint16 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= xray.MaxPixelValue {
		return xray.MaxPixelValue
	}
	return uint16(math.Round(v))
}
