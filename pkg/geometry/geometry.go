// Package geometry converts between normalized image-fraction boxes and
// pixel rectangles, and provides the distance-decay functions used to build
// the continuous risk field.
package geometry

import (
	"math"
)

// Box is an axis-aligned rectangle in normalized image-fraction coordinates.
// A well-formed box has every field in [0,1] with X+Width <= 1 and
// Y+Height <= 1. Zero width or height is allowed; the center collapses onto
// an edge or a point.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a rectangle in absolute pixel coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Point is a 2D point. Depending on context it is in pixels or in
// normalized coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// boundsEpsilon absorbs float noise from drag gestures that end exactly on
// the image edge.
const boundsEpsilon = 1e-9

// ToPixels scales the box onto a canvas of width x height pixels.
func (b Box) ToPixels(width, height float64) Rect {
	return Rect{
		X: b.X * width,
		Y: b.Y * height,
		W: b.Width * width,
		H: b.Height * height,
	}
}

// FromPixels converts a pixel rectangle back into normalized coordinates.
// A zero-sized canvas yields the zero Box.
func FromPixels(r Rect, width, height float64) Box {
	if width <= 0 || height <= 0 {
		return Box{}
	}
	return Box{
		X:      r.X / width,
		Y:      r.Y / height,
		Width:  r.W / width,
		Height: r.H / height,
	}
}

// Center returns the box center in normalized coordinates.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// CenterPixels returns the box center on a width x height canvas.
func (b Box) CenterPixels(width, height float64) Point {
	r := b.ToPixels(width, height)
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Area returns Width*Height in normalized units.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Valid reports whether every coordinate lies in [0,1] and the box does not
// extend past the right or bottom edge.
func (b Box) Valid() bool {
	for _, v := range []float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return b.X+b.Width <= 1+boundsEpsilon && b.Y+b.Height <= 1+boundsEpsilon
}

// Clamp returns the box shrunk to fit inside the unit square.
func (b Box) Clamp() Box {
	x := clamp01(b.X)
	y := clamp01(b.Y)
	w := math.Min(clamp01(b.Width), 1-x)
	h := math.Min(clamp01(b.Height), 1-y)
	return Box{X: x, Y: y, Width: w, Height: h}
}

// Contains reports whether the normalized point p is inside the box,
// edges included.
func (b Box) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.Width && p.Y >= b.Y && p.Y <= b.Y+b.Height
}

// SpanBox returns the axis-aligned box spanned by two corner points. The
// order of the points does not matter.
func SpanBox(a, b Point) Box {
	return Box{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
}

// Normalize maps a pixel position inside a container of the given size onto
// normalized coordinates.
func Normalize(px, py, containerW, containerH float64) Point {
	if containerW <= 0 || containerH <= 0 {
		return Point{}
	}
	return Point{X: px / containerW, Y: py / containerH}
}

// Distance is the Euclidean distance between two points.
func Distance(p, q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// LinearDecay falls from 1 at d=0 to 0 at d>=radius.
func LinearDecay(d, radius float64) float64 {
	if radius <= 0 {
		if d == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-d/radius)
}

// ExpDecay returns exp(-d/scale), which is 1 at the center and strictly
// positive everywhere else.
func ExpDecay(d, scale float64) float64 {
	if scale <= 0 {
		if d == 0 {
			return 1
		}
		return 0
	}
	return math.Exp(-math.Abs(d) / scale)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
