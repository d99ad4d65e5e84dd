// xraycal builds calibration files from raw detector frames and inspects
// existing ones.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"xray-correction-core/internal/calibration"
	"xray-correction-core/internal/logging"
	"xray-correction-core/internal/rawio"
	"xray-correction-core/pkg/xray"
)

const usage = `usage: %s <command> [flags] frame ...

commands:
  dark     average unexposed frames into a dark frame
  gain     derive a gain map from flat frames
  defect   detect defective pixels in flat frames
  scatter  write scatter-correction parameters
  inspect  print the header of calibration files
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	logger, err := logging.New("info", "text", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "dark":
		err = runDark(logger, args)
	case "gain":
		err = runGain(logger, args)
	case "defect":
		err = runDefect(logger, args)
	case "scatter":
		err = runScatter(logger, args)
	case "inspect":
		err = runInspect(os.Stdout, args)
	default:
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Errorf("%s failed", cmd)
		os.Exit(1)
	}
}

// frameFlags are shared by the commands reading raw frames.
type frameFlags struct {
	width  int
	height int
	out    string
	dark   string
}

func (f *frameFlags) register(fs *flag.FlagSet, withDark bool) {
	fs.IntVar(&f.width, "width", 3072, "detector width")
	fs.IntVar(&f.height, "height", 3072, "detector height")
	fs.StringVar(&f.out, "out", "", "output calibration file")
	if withDark {
		fs.StringVar(&f.dark, "dark", "", "dark frame calibration to subtract")
	}
}

func (f *frameFlags) loadFrames(logger logrus.FieldLogger, paths []string) ([]*xray.ImageBuffer, error) {
	if f.out == "" {
		return nil, fmt.Errorf("-out is required")
	}
	if len(paths) == 0 {
		return nil, calibration.ErrNoFrames
	}
	fl := rawio.NewFrameLoader(logger, f.width, f.height)
	frames := make([]*xray.ImageBuffer, 0, len(paths))
	for _, p := range paths {
		frame, err := fl.LoadFrame(p)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (f *frameFlags) loadDark(logger logrus.FieldLogger) (*xray.CalibrationData, error) {
	if f.dark == "" {
		return nil, nil
	}
	store := calibration.NewStore(f.width, f.height, calibration.WithLogger(logger))
	dark := store.LoadDarkFrame(f.dark)
	if !dark.Valid {
		return nil, fmt.Errorf("dark frame %s: %w", f.dark, dark.Err)
	}
	return dark, nil
}

func runDark(logger logrus.FieldLogger, args []string) error {
	fs := flag.NewFlagSet("dark", flag.ExitOnError)
	var ff frameFlags
	ff.register(fs, false)
	fs.Parse(args)

	frames, err := ff.loadFrames(logger, fs.Args())
	if err != nil {
		return err
	}
	dark, err := calibration.BuildDarkFrame(frames, time.Now())
	if err != nil {
		return err
	}
	return write(logger, ff.out, xray.DarkFrame, func(w io.Writer) error {
		return calibration.EncodeCalibration(w, dark)
	})
}

func runGain(logger logrus.FieldLogger, args []string) error {
	fs := flag.NewFlagSet("gain", flag.ExitOnError)
	var ff frameFlags
	ff.register(fs, true)
	fs.Parse(args)

	frames, err := ff.loadFrames(logger, fs.Args())
	if err != nil {
		return err
	}
	dark, err := ff.loadDark(logger)
	if err != nil {
		return err
	}
	gain, err := calibration.BuildGainMap(frames, dark, time.Now())
	if err != nil {
		return err
	}
	return write(logger, ff.out, xray.GainMap, func(w io.Writer) error {
		return calibration.EncodeCalibration(w, gain)
	})
}

func runDefect(logger logrus.FieldLogger, args []string) error {
	fs := flag.NewFlagSet("defect", flag.ExitOnError)
	var ff frameFlags
	ff.register(fs, true)
	sigma := fs.Float64("sigma", 5, "deviation from the mean response, in standard deviations, marking a defect")
	method := fs.String("method", "median3x3", "repair for isolated defects: nearest, bilinear, median3x3")
	fs.Parse(args)

	interp, err := parseInterpolation(*method)
	if err != nil {
		return err
	}
	frames, err := ff.loadFrames(logger, fs.Args())
	if err != nil {
		return err
	}
	dark, err := ff.loadDark(logger)
	if err != nil {
		return err
	}
	defects, err := calibration.DetectDefects(frames, dark, calibration.DefectCriteria{Sigma: *sigma, Method: interp}, time.Now())
	if err != nil {
		return err
	}
	logger.WithField("defects", defects.Count).Info("Defective pixels detected")
	return write(logger, ff.out, xray.DefectMapType, func(w io.Writer) error {
		return calibration.EncodeDefectMap(w, defects)
	})
}

func parseInterpolation(s string) (xray.InterpolationMethod, error) {
	for _, m := range []xray.InterpolationMethod{xray.InterpolateNearest, xray.InterpolateBilinear, xray.InterpolateMedian3x3} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown interpolation method %q", s)
}

func runScatter(logger logrus.FieldLogger, args []string) error {
	fs := flag.NewFlagSet("scatter", flag.ExitOnError)
	defaults := xray.DefaultScatterParams()
	width := fs.Int("width", 3072, "detector width")
	height := fs.Int("height", 3072, "detector height")
	out := fs.String("out", "", "output calibration file")
	enabled := fs.Bool("enabled", true, "enable scatter correction")
	algorithm := fs.String("algorithm", defaults.Algorithm.String(), "fft or polynomial")
	cutoff := fs.Float64("cutoff", defaults.CutoffFrequency, "normalized cutoff frequency (0, 1]")
	ratio := fs.Float64("ratio", defaults.SuppressionRatio, "suppression ratio [0, 1]")
	order := fs.Int("order", defaults.PolynomialOrder, "polynomial background order")
	preserveMean := fs.Bool("preserve-mean", false, "add the removed background mean back")
	fs.Parse(args)

	if *out == "" {
		return fmt.Errorf("-out is required")
	}
	params := defaults
	params.Enabled = *enabled
	params.CutoffFrequency = *cutoff
	params.SuppressionRatio = *ratio
	params.PolynomialOrder = *order
	switch *algorithm {
	case xray.ScatterFFT.String():
		params.Algorithm = xray.ScatterFFT
	case xray.ScatterPolynomial.String():
		params.Algorithm = xray.ScatterPolynomial
	default:
		return fmt.Errorf("unknown scatter algorithm %q", *algorithm)
	}
	if *preserveMean {
		params.Flags |= xray.ScatterFlagPreserveMean
	}
	if err := params.Validate(); err != nil {
		return err
	}
	return write(logger, *out, xray.ScatterParamsType, func(w io.Writer) error {
		return calibration.EncodeScatterParams(w, &params, *width, *height, time.Now())
	})
}

func write(logger logrus.FieldLogger, path string, t xray.CalibrationType, encode func(io.Writer) error) error {
	if err := calibration.WriteFile(path, encode); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"type": t.String(),
		"path": path,
	}).Info("Calibration written")
	return nil
}

func runInspect(w io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no calibration files given")
	}
	for _, path := range args {
		h, payload, err := calibration.ReadFile(path)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(w, "%s\n  type:      %s\n  version:   %d\n  geometry:  %dx%d\n  acquired:  %s\n  sha256:    %s\n  payload:   %d bytes\n",
			path, h.Type(), h.Version, h.Width, h.Height,
			h.Timestamp().UTC().Format(time.RFC3339), hex.EncodeToString(h.Checksum[:]), len(payload))
	}
	return nil
}
