package algorithms

import (
	"fmt"
	"runtime"

	"gocv.io/x/gocv"

	"xray-correction-core/pkg/xray"
)

// frameMat is a CV_16UC1 view over a packed copy of a frame. OpenCV keeps
// a pointer into backing, so it has to outlive the Mat.
type frameMat struct {
	mat     gocv.Mat
	backing []byte
}

func newFrameMat(b *xray.ImageBuffer) (*frameMat, error) {
	rowBytes := b.Width * 2
	packed := make([]byte, rowBytes*b.Height)
	for y := 0; y < b.Height; y++ {
		copy(packed[y*rowBytes:], b.Row(y))
	}
	mat, err := gocv.NewMatFromBytes(b.Height, b.Width, gocv.MatTypeCV16UC1, packed)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap frame in Mat: %w", err)
	}
	return &frameMat{mat: mat, backing: packed}, nil
}

func (f *frameMat) Close() {
	f.mat.Close()
	runtime.KeepAlive(f.backing)
}

// storeMat copies a CV_16UC1 Mat of the frame's size back into the frame.
func storeMat(b *xray.ImageBuffer, m gocv.Mat) error {
	if m.Empty() {
		return fmt.Errorf("filter produced an empty image")
	}
	if m.Rows() != b.Height || m.Cols() != b.Width {
		return fmt.Errorf("filter output %dx%d does not match frame %dx%d", m.Cols(), m.Rows(), b.Width, b.Height)
	}
	if m.Type() != gocv.MatTypeCV16UC1 {
		return fmt.Errorf("filter output has type %v, want 16-bit single channel", m.Type())
	}
	data := m.ToBytes()
	rowBytes := b.Width * 2
	if len(data) < rowBytes*b.Height {
		return fmt.Errorf("filter output holds %d bytes, need %d", len(data), rowBytes*b.Height)
	}
	for y := 0; y < b.Height; y++ {
		copy(b.Row(y), data[y*rowBytes:(y+1)*rowBytes])
	}
	return nil
}

// gaussianKernel returns an odd kernel size covering +/-3 sigma.
func gaussianKernel(sigma float64) int {
	k := int(2*3*sigma) + 1
	if k%2 == 0 {
		k++
	}
	if k < 3 {
		k = 3
	}
	return k
}
