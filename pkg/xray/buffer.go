// Package xray holds the data model shared by the correction pipeline and
// the processing-engine contract that engine plugins implement.
//
// Nothing in this package depends on a numeric library; engine
// implementations keep those behind their own packages.
package xray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// PixelDepth is the only bit depth carried through the pipeline.
const PixelDepth = 16

// MaxPixelValue is the largest value a pixel can hold.
const MaxPixelValue = 65535

// MaxDimension bounds frame width and height.
const MaxDimension = 16384

var (
	ErrEmptyBuffer     = errors.New("image buffer has no pixel data")
	ErrInvalidDepth    = errors.New("image buffer pixel depth must be 16")
	ErrInvalidGeometry = errors.New("invalid image buffer geometry")
)

// ImageBuffer is a single 16-bit grayscale detector frame.
//
// Pixels are stored little-endian, two bytes per pixel, row after row with
// Stride bytes between the starts of consecutive rows. The data block is
// owned by the caller: pipeline components mutate it in place and never
// replace or reslice it.
type ImageBuffer struct {
	Width     int
	Height    int
	BitDepth  int
	Stride    int
	Data      []byte
	Timestamp time.Time
	FrameID   uint64
}

// NewImageBuffer allocates a tightly packed frame.
func NewImageBuffer(width, height int) *ImageBuffer {
	return &ImageBuffer{
		Width:     width,
		Height:    height,
		BitDepth:  PixelDepth,
		Stride:    width * 2,
		Data:      make([]byte, width*height*2),
		Timestamp: time.Now(),
	}
}

// Validate checks the buffer geometry against its data block.
func (b *ImageBuffer) Validate() error {
	if b == nil || len(b.Data) == 0 {
		return ErrEmptyBuffer
	}
	if b.BitDepth != PixelDepth {
		return fmt.Errorf("%w: got %d", ErrInvalidDepth, b.BitDepth)
	}
	if b.Width <= 0 || b.Height <= 0 || b.Width > MaxDimension || b.Height > MaxDimension {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidGeometry, b.Width, b.Height)
	}
	if b.Stride < b.Width*2 {
		return fmt.Errorf("%w: stride %d shorter than row of %d pixels", ErrInvalidGeometry, b.Stride, b.Width)
	}
	if need := b.Stride*(b.Height-1) + b.Width*2; len(b.Data) < need {
		return fmt.Errorf("%w: data block %d bytes, need %d", ErrInvalidGeometry, len(b.Data), need)
	}
	return nil
}

// Pixels returns the number of pixels in the frame.
func (b *ImageBuffer) Pixels() int {
	return b.Width * b.Height
}

func (b *ImageBuffer) offset(x, y int) int {
	return y*b.Stride + x*2
}

// At returns the pixel at (x, y).
func (b *ImageBuffer) At(x, y int) uint16 {
	return binary.LittleEndian.Uint16(b.Data[b.offset(x, y):])
}

// Set stores v at (x, y).
func (b *ImageBuffer) Set(x, y int, v uint16) {
	binary.LittleEndian.PutUint16(b.Data[b.offset(x, y):], v)
}

// Row returns the bytes of row y without padding.
func (b *ImageBuffer) Row(y int) []byte {
	start := y * b.Stride
	return b.Data[start : start+b.Width*2]
}

// Fill sets every pixel to v.
func (b *ImageBuffer) Fill(v uint16) {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			b.Set(x, y, v)
		}
	}
}

// Clone returns a deep copy backed by freshly allocated storage. Stride
// and padding are preserved so the copy is byte-for-byte identical.
func (b *ImageBuffer) Clone() *ImageBuffer {
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return &ImageBuffer{
		Width:     b.Width,
		Height:    b.Height,
		BitDepth:  b.BitDepth,
		Stride:    b.Stride,
		Data:      data,
		Timestamp: b.Timestamp,
		FrameID:   b.FrameID,
	}
}

// CopyPixelsFrom overwrites the pixels of b with those of src without
// touching b's backing storage.
func (b *ImageBuffer) CopyPixelsFrom(src *ImageBuffer) error {
	if src.Width != b.Width || src.Height != b.Height {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrInvalidGeometry, src.Width, src.Height, b.Width, b.Height)
	}
	for y := 0; y < b.Height; y++ {
		copy(b.Row(y), src.Row(y))
	}
	return nil
}

// SharesStorage reports whether b and other point into the same data block.
func (b *ImageBuffer) SharesStorage(other *ImageBuffer) bool {
	if b == nil || other == nil || len(b.Data) == 0 || len(other.Data) == 0 {
		return false
	}
	return &b.Data[0] == &other.Data[0]
}

// SameDimensions reports whether the frame is width x height.
func (b *ImageBuffer) SameDimensions(width, height int) bool {
	return b.Width == width && b.Height == height
}
