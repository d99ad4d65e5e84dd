// Package rawio reads and writes detector frames: headerless little-endian
// 16-bit raw dumps and 16-bit PNG or TIFF images.
package rawio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"xray-correction-core/pkg/xray"
)

var ErrUnsupportedFormat = errors.New("unsupported frame format")

// FrameLoader handles frame file operations for one detector geometry.
// The geometry is needed for raw dumps, which carry no header.
type FrameLoader struct {
	logger logrus.FieldLogger
	width  int
	height int
}

func NewFrameLoader(logger logrus.FieldLogger, width, height int) *FrameLoader {
	return &FrameLoader{
		logger: logger,
		width:  width,
		height: height,
	}
}

// LoadFrame reads a frame. Raw dumps must match the loader geometry; 8-bit
// images are widened to the 16-bit range.
func (fl *FrameLoader) LoadFrame(path string) (*xray.ImageBuffer, error) {
	fl.logger.WithField("filepath", path).Debug("Loading frame")

	var (
		frame *xray.ImageBuffer
		err   error
	)
	switch ext := extension(path); ext {
	case ".raw", ".bin":
		frame, err = fl.loadRaw(path)
	case ".png", ".tif", ".tiff":
		frame, err = loadImage(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		frame.Timestamp = info.ModTime()
	}

	fl.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    frame.Width,
		"height":   frame.Height,
	}).Info("Frame loaded successfully")
	return frame, nil
}

func (fl *FrameLoader) loadRaw(path string) (*xray.ImageBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat frame: %w", err)
	}
	if want := int64(fl.width) * int64(fl.height) * 2; info.Size() != want {
		return nil, fmt.Errorf("raw frame %s holds %d bytes, a %dx%d frame needs %d",
			path, info.Size(), fl.width, fl.height, want)
	}
	return ReadRaw(bufio.NewReader(f), fl.width, fl.height)
}

func loadImage(path string) (*xray.ImageBuffer, error) {
	mat := gocv.IMRead(path, gocv.IMReadAnyDepth)
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("failed to load frame: %s", path)
	}

	switch mat.Type() {
	case gocv.MatTypeCV16UC1:
		return frameFromMat(mat)
	case gocv.MatTypeCV8UC1:
		wide := gocv.NewMat()
		defer wide.Close()
		// 255 * 257 == 65535
		mat.ConvertToWithParams(&wide, gocv.MatTypeCV16UC1, 257, 0)
		return frameFromMat(wide)
	default:
		return nil, fmt.Errorf("%w: %s has %d channels of type %v", ErrUnsupportedFormat, path, mat.Channels(), mat.Type())
	}
}

func frameFromMat(m gocv.Mat) (*xray.ImageBuffer, error) {
	frame := xray.NewImageBuffer(m.Cols(), m.Rows())
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	data := m.ToBytes()
	rowBytes := frame.Width * 2
	if len(data) < rowBytes*frame.Height {
		return nil, fmt.Errorf("image holds %d bytes, need %d", len(data), rowBytes*frame.Height)
	}
	for y := 0; y < frame.Height; y++ {
		copy(frame.Row(y), data[y*rowBytes:(y+1)*rowBytes])
	}
	return frame, nil
}

// SaveFrame writes a frame as a raw dump or a 16-bit PNG or TIFF, chosen by
// extension.
func (fl *FrameLoader) SaveFrame(path string, frame *xray.ImageBuffer) error {
	fl.logger.WithField("filepath", path).Debug("Saving frame")

	if err := frame.Validate(); err != nil {
		return fmt.Errorf("cannot save frame: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	switch ext := extension(path); ext {
	case ".raw", ".bin":
		if err := saveRaw(path, frame); err != nil {
			return err
		}
	case ".png", ".tif", ".tiff":
		if err := saveImage(path, frame); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	fl.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    frame.Width,
		"height":   frame.Height,
	}).Info("Frame saved successfully")
	return nil
}

func saveRaw(path string, frame *xray.ImageBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create frame file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := WriteRaw(w, frame); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return f.Close()
}

func saveImage(path string, frame *xray.ImageBuffer) error {
	data := packed(frame)
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV16UC1, data)
	if err != nil {
		return fmt.Errorf("failed to wrap frame in Mat: %w", err)
	}
	defer mat.Close()
	ok := gocv.IMWrite(path, mat)
	runtime.KeepAlive(data)
	if !ok {
		return fmt.Errorf("failed to save frame: %s", path)
	}
	return nil
}

// ReadRaw reads width*height little-endian 16-bit pixels.
func ReadRaw(r io.Reader, width, height int) (*xray.ImageBuffer, error) {
	frame := xray.NewImageBuffer(width, height)
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, frame.Data); err != nil {
		return nil, fmt.Errorf("failed to read %dx%d raw frame: %w", width, height, err)
	}
	frame.Timestamp = time.Now()
	return frame, nil
}

// WriteRaw writes the frame's pixels without row padding.
func WriteRaw(w io.Writer, frame *xray.ImageBuffer) error {
	for y := 0; y < frame.Height; y++ {
		if _, err := w.Write(frame.Row(y)); err != nil {
			return fmt.Errorf("failed to write frame row %d: %w", y, err)
		}
	}
	return nil
}

func packed(frame *xray.ImageBuffer) []byte {
	rowBytes := frame.Width * 2
	out := make([]byte, rowBytes*frame.Height)
	for y := 0; y < frame.Height; y++ {
		copy(out[y*rowBytes:], frame.Row(y))
	}
	return out
}

// IsSupported reports whether path has a frame extension.
func IsSupported(path string) bool {
	switch extension(path) {
	case ".raw", ".bin", ".png", ".tif", ".tiff":
		return true
	}
	return false
}

func (fl *FrameLoader) GetSupportedFormats() []string {
	return []string{"RAW", "PNG", "TIFF"}
}

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
