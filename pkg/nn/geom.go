package nn

import (
	"github.com/chewxy/math32"
)

// Point is a sub-pixel position, used when we report boxes with fractional precision.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a sub-pixel extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

// Returns true if the rectangle covers no pixels
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X+r.Width, b.X+b.Width)
	y2 := min(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r Rect) Union(b Rect) Rect {
	x1 := min(r.X, b.X)
	y1 := min(r.Y, b.Y)
	x2 := max(r.X+r.Width, b.X+b.Width)
	y2 := max(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b)
	union := r.Area() + b.Area() - intersection.Area()
	if union <= 0 {
		return 0
	}
	return float32(intersection.Area()) / float32(union)
}

// Clip the rectangle so that it lies inside an image of the given dimensions
func (r Rect) Clip(width, height int) Rect {
	return r.Intersection(Rect{X: 0, Y: 0, Width: width, Height: height})
}

// Center returns the midpoint of the rectangle, with sub-pixel precision
func (r Rect) Center() Point {
	return Point{
		X: float64(r.X) + float64(r.Width)/2,
		Y: float64(r.Y) + float64(r.Height)/2,
	}
}

func (r *Rect) Offset(dx, dy int) {
	r.X += dx
	r.Y += dy
}

// RectFromCenter converts a YOLO-style center/size box into an integer pixel rectangle.
func RectFromCenter(cx, cy, w, h float32) Rect {
	x1 := math32.Round(cx - w/2)
	y1 := math32.Round(cy - h/2)
	x2 := math32.Round(cx + w/2)
	y2 := math32.Round(cy + h/2)
	return Rect{
		X:      int(x1),
		Y:      int(y1),
		Width:  int(x2 - x1),
		Height: int(y2 - y1),
	}
}
