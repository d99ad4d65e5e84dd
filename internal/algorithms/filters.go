package algorithms

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"xray-correction-core/pkg/xray"
)

// GaussianFilter implements Gaussian smoothing on the 16-bit frame.
type GaussianFilter struct{}

// NewGaussianFilter creates a new Gaussian filter algorithm
func NewGaussianFilter() *GaussianFilter {
	return &GaussianFilter{}
}

func (g *GaussianFilter) Apply(frame *xray.ImageBuffer, params xray.NoiseReductionParams) error {
	src, err := newFrameMat(frame)
	if err != nil {
		return err
	}
	defer src.Close()

	k := gaussianKernel(params.Sigma)
	output := gocv.NewMat()
	defer output.Close()
	gocv.GaussianBlur(src.mat, &output, image.Pt(k, k), params.Sigma, params.Sigma, gocv.BorderReflect101)

	return storeMat(frame, output)
}

func (g *GaussianFilter) GetName() string {
	return "Gaussian Filter"
}

func (g *GaussianFilter) GetDescription() string {
	return "Gaussian blur for quantum noise reduction"
}

func (g *GaussianFilter) Validate(params xray.NoiseReductionParams) error {
	if params.Sigma <= 0 || params.Sigma > 20 {
		return fmt.Errorf("sigma must be between 0 and 20, got %g", params.Sigma)
	}
	return nil
}

// MedianFilter implements median filtering. OpenCV only handles 16-bit
// input for 3x3 and 5x5 kernels; larger kernels use the sliding median.
type MedianFilter struct{}

// NewMedianFilter creates a new median filter algorithm
func NewMedianFilter() *MedianFilter {
	return &MedianFilter{}
}

func (m *MedianFilter) Apply(frame *xray.ImageBuffer, params xray.NoiseReductionParams) error {
	if params.KernelSize > 5 {
		MedianPlane(frame, params.KernelSize)
		return nil
	}

	src, err := newFrameMat(frame)
	if err != nil {
		return err
	}
	defer src.Close()

	output := gocv.NewMat()
	defer output.Close()
	gocv.MedianBlur(src.mat, &output, params.KernelSize)

	return storeMat(frame, output)
}

func (m *MedianFilter) GetName() string {
	return "Median Filter"
}

func (m *MedianFilter) GetDescription() string {
	return "Median filter for impulse noise"
}

func (m *MedianFilter) Validate(params xray.NoiseReductionParams) error {
	if params.KernelSize < 3 || params.KernelSize > 15 {
		return fmt.Errorf("kernel size must be between 3 and 15, got %d", params.KernelSize)
	}
	if params.KernelSize%2 == 0 {
		return fmt.Errorf("kernel size must be odd, got %d", params.KernelSize)
	}
	return nil
}

// BilateralFilter implements edge-preserving smoothing. OpenCV's bilateral
// filter takes 8-bit or float input, so the frame round-trips through 32F.
type BilateralFilter struct{}

// NewBilateralFilter creates a new bilateral filter algorithm
func NewBilateralFilter() *BilateralFilter {
	return &BilateralFilter{}
}

func (b *BilateralFilter) Apply(frame *xray.ImageBuffer, params xray.NoiseReductionParams) error {
	src, err := newFrameMat(frame)
	if err != nil {
		return err
	}
	defer src.Close()

	asFloat := gocv.NewMat()
	defer asFloat.Close()
	src.mat.ConvertTo(&asFloat, gocv.MatTypeCV32F)

	filtered := gocv.NewMat()
	defer filtered.Close()
	gocv.BilateralFilter(asFloat, &filtered, params.KernelSize, params.SigmaRange, params.Sigma)

	output := gocv.NewMat()
	defer output.Close()
	filtered.ConvertTo(&output, gocv.MatTypeCV16U)

	return storeMat(frame, output)
}

func (b *BilateralFilter) GetName() string {
	return "Bilateral Filter"
}

func (b *BilateralFilter) GetDescription() string {
	return "Bilateral filter for edge-preserving smoothing"
}

func (b *BilateralFilter) Validate(params xray.NoiseReductionParams) error {
	if params.KernelSize < 3 || params.KernelSize > 15 || params.KernelSize%2 == 0 {
		return fmt.Errorf("diameter must be odd and between 3 and 15, got %d", params.KernelSize)
	}
	if params.Sigma <= 0 {
		return fmt.Errorf("spatial sigma must be positive, got %g", params.Sigma)
	}
	if params.SigmaRange <= 0 {
		return fmt.Errorf("range sigma must be positive, got %g", params.SigmaRange)
	}
	return nil
}
