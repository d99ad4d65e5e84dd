package algorithms

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// GaussianBackground estimates the large-scale background of p with a wide
// Gaussian blur computed in 32-bit float.
func GaussianBackground(p *Plane, sigma float64) (*Plane, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("background sigma must be positive, got %g", sigma)
	}

	src := gocv.NewMatWithSize(p.Height, p.Width, gocv.MatTypeCV32F)
	defer src.Close()
	in, err := src.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to access background input: %w", err)
	}
	for i, v := range p.Pix {
		in[i] = float32(v)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), sigma, sigma, gocv.BorderReflect101)
	if blurred.Empty() {
		return nil, fmt.Errorf("background blur produced an empty image")
	}

	out, err := blurred.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to access background output: %w", err)
	}
	bg := NewPlane(p.Width, p.Height)
	for i := range bg.Pix {
		bg.Pix[i] = float64(out[i])
	}
	return bg, nil
}

// Flatten subtracts background from p and adds back its mean, so large-area
// illumination is equalized without shifting the overall level.
func Flatten(p, background *Plane) {
	mean := background.Mean()
	for i := range p.Pix {
		p.Pix[i] = p.Pix[i] - background.Pix[i] + mean
	}
}

// SubtractScaled removes ratio of background from p. With preserveMean set
// the removed mean is added back.
func SubtractScaled(p, background *Plane, ratio float64, preserveMean bool) {
	var offset float64
	if preserveMean {
		offset = ratio * background.Mean()
	}
	for i := range p.Pix {
		p.Pix[i] = p.Pix[i] - ratio*background.Pix[i] + offset
	}
}
