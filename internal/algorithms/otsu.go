package algorithms

import (
	"xray-correction-core/pkg/xray"
)

// DefaultWindowClip is the fraction of the dominant class cut from each end
// of its histogram when estimating a window.
const DefaultWindowClip = 0.01

// Histogram16 counts every pixel value of frame. The result has one bin per
// 16-bit value.
func Histogram16(frame *xray.ImageBuffer) []float64 {
	hist := make([]float64, xray.MaxPixelValue+1)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			hist[frame.At(x, y)]++
		}
	}
	return hist
}

// OtsuThreshold returns the bin that maximizes the between-class variance
// when hist is split into [0, t] and (t, len). It returns -1 when hist holds
// fewer than two distinct values.
func OtsuThreshold(hist []float64) int {
	total, sum := 0.0, 0.0
	for i, h := range hist {
		total += h
		sum += float64(i) * h
	}

	sumB, wB := 0.0, 0.0
	maximum := 0.0
	level := -1

	for t, h := range hist {
		wB += h
		if wB == 0 {
			continue
		}

		wF := total - wB
		if wF == 0 {
			break
		}

		sumB += float64(t) * h
		mB := sumB / wB
		mF := (sum - sumB) / wF

		between := wB * wF * (mB - mF) * (mB - mF)
		if between > maximum {
			level = t
			maximum = between
		}
	}

	return level
}

// EstimateWindow derives a display window from frame's histogram. Otsu's
// split separates the dominant class (anatomy, usually) from collimator
// shadow or direct exposure, and the window spans that class with clip of
// its pixels cut from each tail.
func EstimateWindow(frame *xray.ImageBuffer, clip float64) xray.WindowLevel {
	hist := Histogram16(frame)
	lo, hi := 0, len(hist)-1

	if t := OtsuThreshold(hist); t >= 0 {
		below, above := 0.0, 0.0
		for i, h := range hist {
			if i <= t {
				below += h
			} else {
				above += h
			}
		}
		if below >= above {
			hi = t
		} else {
			lo = t + 1
		}
	}

	first, last := percentileRange(hist[lo:hi+1], clip)
	first += lo
	last += lo
	return xray.WindowLevel{
		Width:  float64(last - first + 1),
		Center: float64(first+last+1) / 2,
	}
}

// percentileRange returns the first bins at which the cumulative count
// reaches clip and 1-clip of the total.
func percentileRange(hist []float64, clip float64) (int, int) {
	clip = min(max(clip, 0), 0.49)

	total := 0.0
	for _, h := range hist {
		total += h
	}
	if total == 0 {
		return 0, len(hist) - 1
	}

	lowTarget := clip * total
	highTarget := (1 - clip) * total

	first, last := -1, len(hist)-1
	cum := 0.0
	for i, h := range hist {
		cum += h
		if first < 0 && h > 0 && cum >= lowTarget {
			first = i
		}
		if cum >= highTarget && h > 0 {
			last = i
			break
		}
	}
	if first < 0 {
		first = last
	}
	return first, last
}
