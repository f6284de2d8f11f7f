package geometry

import (
	"math"
	"testing"
)

const tolerance = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestBox_ToPixels(t *testing.T) {
	b := Box{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}
	r := b.ToPixels(200, 100)
	if !almostEqual(r.X, 20) || !almostEqual(r.Y, 20) || !almostEqual(r.W, 60) || !almostEqual(r.H, 40) {
		t.Errorf("unexpected rect %+v", r)
	}
}

func TestBox_PixelRoundTrip(t *testing.T) {
	boxes := []Box{
		{X: 0, Y: 0, Width: 1, Height: 1},
		{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2},
		{X: 0.5, Y: 0.5, Width: 0.1, Height: 0.1},
		{X: 0.999, Y: 0.001, Width: 0.001, Height: 0.5},
		{X: 0.25, Y: 0.75, Width: 0, Height: 0},
	}
	sizes := [][2]float64{{1, 1}, {640, 480}, {333, 1000}, {7, 13}}

	for _, b := range boxes {
		for _, s := range sizes {
			got := FromPixels(b.ToPixels(s[0], s[1]), s[0], s[1])
			if !almostEqual(got.X, b.X) || !almostEqual(got.Y, b.Y) ||
				!almostEqual(got.Width, b.Width) || !almostEqual(got.Height, b.Height) {
				t.Errorf("round trip of %+v at %vx%v gave %+v", b, s[0], s[1], got)
			}
		}
	}
}

func TestFromPixels_ZeroCanvas(t *testing.T) {
	got := FromPixels(Rect{X: 1, Y: 1, W: 1, H: 1}, 0, 10)
	if got != (Box{}) {
		t.Errorf("expected zero box, got %+v", got)
	}
}

func TestBox_CenterPixels(t *testing.T) {
	b := Box{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}
	c := b.CenterPixels(100, 100)
	if !almostEqual(c.X, 20) || !almostEqual(c.Y, 20) {
		t.Errorf("expected (20,20), got %+v", c)
	}
}

func TestBox_DegenerateCenter(t *testing.T) {
	b := Box{X: 0.5, Y: 0.25, Width: 0, Height: 0}
	c := b.CenterPixels(200, 200)
	if !almostEqual(c.X, 100) || !almostEqual(c.Y, 50) {
		t.Errorf("degenerate box should collapse to its origin, got %+v", c)
	}
	d := Distance(c, Point{X: 100, Y: 50})
	if d != 0 {
		t.Errorf("expected zero distance, got %v", d)
	}
	if ExpDecay(d, 10) != 1 {
		t.Error("expected full influence at the collapsed center")
	}
}

func TestBox_Valid(t *testing.T) {
	tests := []struct {
		name string
		box  Box
		want bool
	}{
		{"unit", Box{0, 0, 1, 1}, true},
		{"inside", Box{0.1, 0.1, 0.2, 0.2}, true},
		{"zero area", Box{0.5, 0.5, 0, 0}, true},
		{"overflow x", Box{0.9, 0, 0.2, 0.1}, false},
		{"overflow y", Box{0, 0.95, 0.1, 0.1}, false},
		{"negative", Box{-0.1, 0, 0.1, 0.1}, false},
		{"nan", Box{math.NaN(), 0, 0.1, 0.1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.box.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBox_Clamp(t *testing.T) {
	got := Box{X: 0.9, Y: -0.2, Width: 0.5, Height: 2}.Clamp()
	if !got.Valid() {
		t.Fatalf("clamped box should be valid: %+v", got)
	}
	if !almostEqual(got.X, 0.9) || !almostEqual(got.Width, 0.1) || got.Y != 0 || got.Height != 1 {
		t.Errorf("unexpected clamp result %+v", got)
	}
}

func TestSpanBox_DirectionIndependent(t *testing.T) {
	a := Point{X: 0.6, Y: 0.7}
	b := Point{X: 0.2, Y: 0.3}
	got1 := SpanBox(a, b)
	got2 := SpanBox(b, a)
	if got1 != got2 {
		t.Errorf("expected identical boxes, got %+v and %+v", got1, got2)
	}
	if !almostEqual(got1.X, 0.2) || !almostEqual(got1.Y, 0.3) ||
		!almostEqual(got1.Width, 0.4) || !almostEqual(got1.Height, 0.4) {
		t.Errorf("unexpected span %+v", got1)
	}
}

func TestNormalize(t *testing.T) {
	p := Normalize(50, 25, 200, 100)
	if !almostEqual(p.X, 0.25) || !almostEqual(p.Y, 0.25) {
		t.Errorf("unexpected point %+v", p)
	}
	if Normalize(1, 1, 0, 0) != (Point{}) {
		t.Error("expected zero point for empty container")
	}
}

func TestLinearDecay(t *testing.T) {
	if LinearDecay(0, 10) != 1 {
		t.Error("expected 1 at center")
	}
	if !almostEqual(LinearDecay(5, 10), 0.5) {
		t.Error("expected 0.5 halfway")
	}
	if LinearDecay(15, 10) != 0 {
		t.Error("expected 0 beyond radius")
	}
	if LinearDecay(1, 0) != 0 {
		t.Error("expected 0 for zero radius off-center")
	}
}

func TestExpDecay_Bounded(t *testing.T) {
	for _, d := range []float64{0, 0.5, 1, 10, 1000} {
		v := ExpDecay(d, 4)
		if v < 0 || v > 1 {
			t.Errorf("ExpDecay(%v) = %v out of [0,1]", d, v)
		}
	}
	if ExpDecay(1, 4) <= ExpDecay(2, 4) {
		t.Error("expected decay to be monotonically decreasing")
	}
}
