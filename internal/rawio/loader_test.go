package rawio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-correction-core/pkg/xray"
)

func gradient(w, h int) *xray.ImageBuffer {
	b := xray.NewImageBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			b.Set(x, y, uint16(x*4000+y*37))
		}
	}
	return b
}

func newLoader(w, h int) *FrameLoader {
	logger, _ := test.NewNullLogger()
	return NewFrameLoader(logger, w, h)
}

func TestRawRoundTripDropsPadding(t *testing.T) {
	t.Parallel()

	src := gradient(5, 3)
	padded := &xray.ImageBuffer{
		Width:    5,
		Height:   3,
		BitDepth: xray.PixelDepth,
		Stride:   16,
		Data:     make([]byte, 16*3),
	}
	require.NoError(t, padded.CopyPixelsFrom(src))

	var buf bytes.Buffer
	require.NoError(t, WriteRaw(&buf, padded))
	assert.Equal(t, 5*3*2, buf.Len())

	got, err := ReadRaw(&buf, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, src.Data, got.Data)
}

func TestReadRawTruncated(t *testing.T) {
	t.Parallel()

	_, err := ReadRaw(bytes.NewReader(make([]byte, 10)), 4, 4)
	assert.Error(t, err)
	_, err = ReadRaw(bytes.NewReader(nil), 0, 4)
	assert.ErrorIs(t, err, xray.ErrEmptyBuffer)
}

func TestSaveAndLoadRaw(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fl := newLoader(6, 4)
	src := gradient(6, 4)
	path := filepath.Join(dir, "frames", "f0001.raw")
	require.NoError(t, fl.SaveFrame(path, src))

	got, err := fl.LoadFrame(path)
	require.NoError(t, err)
	assert.Equal(t, src.Data, got.Data)
	assert.Equal(t, xray.PixelDepth, got.BitDepth)

	_, err = newLoader(4, 4).LoadFrame(path)
	assert.Error(t, err, "geometry mismatch must be refused")
}

func TestSaveAndLoadSixteenBitPNG(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "frame.png")
	fl := newLoader(0, 0)
	src := gradient(8, 5)
	require.NoError(t, fl.SaveFrame(path, src))

	got, err := fl.LoadFrame(path)
	require.NoError(t, err)
	require.Equal(t, 8, got.Width)
	require.Equal(t, 5, got.Height)
	assert.Equal(t, src.Data, got.Data)
}

func TestUnsupportedFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fl := newLoader(1, 1)
	_, err := fl.LoadFrame(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, fl.SaveFrame(path, gradient(1, 1)), ErrUnsupportedFormat)
	assert.True(t, IsSupported("a/B.TIFF"))
	assert.False(t, IsSupported("a/b.jpg"))
}
