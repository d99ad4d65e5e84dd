package algorithms

import (
	"slices"

	"xray-correction-core/pkg/xray"
)

// MedianPlane applies a k x k median in place with edge replication.
func MedianPlane(b *xray.ImageBuffer, k int) {
	src := b.Clone()
	r := k / 2
	window := make([]uint16, 0, k*k)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			window = window[:0]
			for dy := -r; dy <= r; dy++ {
				sy := clampIndex(y+dy, b.Height)
				for dx := -r; dx <= r; dx++ {
					window = append(window, src.At(clampIndex(x+dx, b.Width), sy))
				}
			}
			slices.Sort(window)
			b.Set(x, y, window[len(window)/2])
		}
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
