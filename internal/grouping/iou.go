package grouping

import (
	"math"

	"camf/internal/engine"
)

// IoU returns the intersection-over-union of two bounding boxes.
// A zero-area box yields 0.
func IoU(a, b engine.BoundingBox) float64 {
	if a.Area() <= 0 || b.Area() <= 0 {
		return 0
	}

	left := max(a.X, b.X)
	top := max(a.Y, b.Y)
	right := min(a.X+a.Width, b.X+b.Width)
	bottom := min(a.Y+a.Height, b.Y+b.Height)

	if right <= left || bottom <= top {
		return 0
	}

	intersection := float64((right - left) * (bottom - top))
	union := float64(a.Area()+b.Area()) - intersection
	return intersection / union
}

// CenterDistance returns the Euclidean distance between box centres in pixels
func CenterDistance(a, b engine.BoundingBox) float64 {
	ax := float64(a.X) + float64(a.Width)/2
	ay := float64(a.Y) + float64(a.Height)/2
	bx := float64(b.X) + float64(b.Width)/2
	by := float64(b.Y) + float64(b.Height)/2
	return math.Hypot(ax-bx, ay-by)
}
