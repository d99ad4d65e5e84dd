package algorithms

import (
	"math"
	"slices"

	"xray-correction-core/pkg/xray"
)

// maxSearchRadius bounds the neighbour search around a defect cluster.
const maxSearchRadius = 32

// RepairDefects replaces every listed pixel using the entry's own
// interpolation method. Only pixels that are not themselves listed serve as
// sources. It returns the number of entries for which no valid source was
// found; those pixels keep their value.
func RepairDefects(b *xray.ImageBuffer, entries []xray.DefectEntry) int {
	bad := make([]bool, b.Width*b.Height)
	for _, e := range entries {
		bad[e.Y*b.Width+e.X] = true
	}
	r := &repairer{buf: b, bad: bad}

	// Sources are never defective, so repaired values cannot feed each other.
	values := make([]uint16, len(entries))
	found := make([]bool, len(entries))
	for i, e := range entries {
		switch e.Method {
		case xray.InterpolateBilinear:
			values[i], found[i] = r.bilinear(e.X, e.Y)
		case xray.InterpolateMedian3x3:
			values[i], found[i] = r.median3x3(e.X, e.Y)
		default:
			values[i], found[i] = r.nearest(e.X, e.Y)
		}
	}

	unresolved := 0
	for i, e := range entries {
		if !found[i] {
			unresolved++
			continue
		}
		b.Set(e.X, e.Y, values[i])
	}
	return unresolved
}

type repairer struct {
	buf *xray.ImageBuffer
	bad []bool
}

func (r *repairer) valid(x, y int) bool {
	return x >= 0 && y >= 0 && x < r.buf.Width && y < r.buf.Height && !r.bad[y*r.buf.Width+x]
}

// nearest scans Chebyshev rings of growing radius. Within a ring the axis
// positions come first (left, right, up, down), then the rest in raster
// order.
func (r *repairer) nearest(x, y int) (uint16, bool) {
	for d := 1; d <= maxSearchRadius; d++ {
		for _, o := range [4][2]int{{-d, 0}, {d, 0}, {0, -d}, {0, d}} {
			if r.valid(x+o[0], y+o[1]) {
				return r.buf.At(x+o[0], y+o[1]), true
			}
		}
		for dy := -d; dy <= d; dy++ {
			for dx := -d; dx <= d; dx++ {
				if max(abs(dx), abs(dy)) != d || dx == 0 || dy == 0 {
					continue
				}
				if r.valid(x+dx, y+dy) {
					return r.buf.At(x+dx, y+dy), true
				}
			}
		}
	}
	return 0, false
}

// bilinear averages the first valid pixel in each axis direction, weighted
// by inverse distance.
func (r *repairer) bilinear(x, y int) (uint16, bool) {
	var sum, weights float64
	for _, dir := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		for d := 1; d <= maxSearchRadius; d++ {
			sx, sy := x+dir[0]*d, y+dir[1]*d
			if sx < 0 || sy < 0 || sx >= r.buf.Width || sy >= r.buf.Height {
				break
			}
			if r.valid(sx, sy) {
				w := 1 / float64(d)
				sum += w * float64(r.buf.At(sx, sy))
				weights += w
				break
			}
		}
	}
	if weights == 0 {
		return r.nearest(x, y)
	}
	return Quantize(sum / weights), true
}

// median3x3 takes the median of the valid 8-neighbourhood. An even count
// averages the two middle values.
func (r *repairer) median3x3(x, y int) (uint16, bool) {
	window := make([]uint16, 0, 8)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if (dx != 0 || dy != 0) && r.valid(x+dx, y+dy) {
				window = append(window, r.buf.At(x+dx, y+dy))
			}
		}
	}
	if len(window) == 0 {
		return r.nearest(x, y)
	}
	slices.Sort(window)
	n := len(window)
	if n%2 == 1 {
		return window[n/2], true
	}
	return uint16(math.Round((float64(window[n/2-1]) + float64(window[n/2])) / 2)), true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
