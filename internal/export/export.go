// Package export writes processed frames for downstream consumers: 16-bit
// TIFF for the full-precision result, 8-bit thumbnails and histograms for
// quick inspection.
package export

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/tiff"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"xray-correction-core/pkg/xray"
)

// maxHistogramSamples bounds the pixels fed to a histogram plot.
const maxHistogramSamples = 1 << 18

var ErrUnknownFormat = errors.New("unknown thumbnail format")

// Options selects what an Exporter writes next to the corrected frame.
type Options struct {
	Dir             string
	Suffix          string
	WriteRaw        bool
	Thumbnail       bool
	ThumbnailFormat string // png, webp
	ThumbnailSize   int
	Quality         int
	Histogram       bool
}

// Exporter writes the files for processed frames.
type Exporter struct {
	logger logrus.FieldLogger
	opts   Options
}

func NewExporter(logger logrus.FieldLogger, opts Options) *Exporter {
	return &Exporter{logger: logger, opts: opts}
}

// Export writes the files for result under name and returns their paths.
// Files already written stay on disk when a later one fails.
func (e *Exporter) Export(result *xray.ProcessedFrameResult, name string) ([]string, error) {
	if result == nil || result.Processed == nil {
		return nil, errors.New("nothing to export")
	}
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	base := filepath.Join(e.opts.Dir, name+e.opts.Suffix)
	var written []string

	path := base + ".tif"
	if err := SaveTIFF(path, result.Processed); err != nil {
		return written, err
	}
	written = append(written, path)

	if e.opts.WriteRaw && result.Raw != nil {
		path := filepath.Join(e.opts.Dir, name+"_raw.tif")
		if err := SaveTIFF(path, result.Raw); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if e.opts.Thumbnail {
		path := base + "_thumb." + e.opts.ThumbnailFormat
		if err := SaveThumbnail(path, result.Processed, e.opts.ThumbnailSize, e.opts.ThumbnailFormat, e.opts.Quality); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if e.opts.Histogram {
		source := result.Processed
		if result.Corrected != nil {
			source = result.Corrected
		}
		path := base + "_hist.png"
		if err := SaveHistogram(path, source, 256); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	e.logger.WithFields(logrus.Fields{
		"run_id": result.RunID.String(),
		"files":  len(written),
		"base":   base,
	}).Info("Frame exported")
	return written, nil
}

// ToGray16 copies a frame into a 16-bit grayscale image.
func ToGray16(b *xray.ImageBuffer) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Width; x++ {
			v := b.At(x, y)
			row[2*x] = byte(v >> 8)
			row[2*x+1] = byte(v)
		}
	}
	return img
}

// FromGray16 copies a 16-bit grayscale image into a new frame.
func FromGray16(img *image.Gray16) *xray.ImageBuffer {
	r := img.Bounds()
	b := xray.NewImageBuffer(r.Dx(), r.Dy())
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			b.Set(x, y, img.Gray16At(r.Min.X+x, r.Min.Y+y).Y)
		}
	}
	return b
}

// WriteTIFF encodes the frame as a deflate-compressed 16-bit TIFF.
func WriteTIFF(w io.Writer, b *xray.ImageBuffer) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("cannot export frame: %w", err)
	}
	if err := tiff.Encode(w, ToGray16(b), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("failed to encode tiff: %w", err)
	}
	return nil
}

// ReadTIFF decodes a 16-bit grayscale TIFF into a frame.
func ReadTIFF(r io.Reader) (*xray.ImageBuffer, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tiff: %w", err)
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("tiff holds %T, want 16-bit grayscale", img)
	}
	return FromGray16(gray), nil
}

func SaveTIFF(path string, b *xray.ImageBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTIFF(f, b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Thumbnail reduces the frame to 8 bits and fits it into a size x size
// box. It is a display product and never fed back into processing.
func Thumbnail(b *xray.ImageBuffer, size int) image.Image {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Width; x++ {
			row[x] = byte(b.At(x, y) >> 8)
		}
	}
	if size <= 0 || (b.Width <= size && b.Height <= size) {
		return img
	}
	return imaging.Fit(img, size, size, imaging.Lanczos)
}

// SaveThumbnail writes a thumbnail as png or webp.
func SaveThumbnail(path string, b *xray.ImageBuffer, size int, format string, quality int) error {
	img := Thumbnail(b, size)
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: false, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// SaveHistogram plots the pixel value distribution of b. The image format
// follows the extension of path.
func SaveHistogram(path string, b *xray.ImageBuffer, bins int) error {
	step := 1
	if n := b.Pixels(); n > maxHistogramSamples {
		step = (n + maxHistogramSamples - 1) / maxHistogramSamples
	}
	values := make(plotter.Values, 0, b.Pixels()/step+1)
	i := 0
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if i%step == 0 {
				values = append(values, float64(b.At(x, y)))
			}
			i++
		}
	}

	hist, err := plotter.NewHist(values, bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame %d", b.FrameID)
	p.X.Label.Text = "pixel value"
	p.Y.Label.Text = "count"
	p.Add(hist)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save histogram: %w", err)
	}
	return nil
}
