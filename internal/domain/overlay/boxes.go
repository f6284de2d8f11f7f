package overlay

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/pkg/geometry"
)

const (
	MinZoom = 0.25
	MaxZoom = 8
)

// Viewport is the zoom and pan applied to the displayed image. Pan is in
// screen pixels and is applied after scaling.
type Viewport struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"panX"`
	PanY float64 `json:"panY"`
}

// Identity is the unzoomed, unpanned viewport.
var Identity = Viewport{Zoom: 1}

// Normalized clamps Zoom into [MinZoom, MaxZoom]; a zero zoom becomes 1.
func (v Viewport) Normalized() Viewport {
	switch {
	case v.Zoom == 0:
		v.Zoom = 1
	case v.Zoom < MinZoom:
		v.Zoom = MinZoom
	case v.Zoom > MaxZoom:
		v.Zoom = MaxZoom
	}
	return v
}

// Apply maps an image-space pixel rectangle onto the screen.
func (v Viewport) Apply(r geometry.Rect) geometry.Rect {
	v = v.Normalized()
	return geometry.Rect{
		X: r.X*v.Zoom + v.PanX,
		Y: r.Y*v.Zoom + v.PanY,
		W: r.W * v.Zoom,
		H: r.H * v.Zoom,
	}
}

// Invert maps a screen point back into image-space pixels.
func (v Viewport) Invert(p geometry.Point) geometry.Point {
	v = v.Normalized()
	return geometry.Point{X: (p.X - v.PanX) / v.Zoom, Y: (p.Y - v.PanY) / v.Zoom}
}

// BoxOverlay is one bounding box ready to draw.
type BoxOverlay struct {
	ID         string            `json:"id"`
	Rect       geometry.Rect     `json:"rect"`
	Provenance lesion.Provenance `json:"provenance"`
	Label      string            `json:"label"`
	Tier       lesion.Tier       `json:"tier"`
	Color      string            `json:"color"`
	Selected   bool              `json:"selected"`
}

// Boxes lays out one overlay per region on a width x height image under the
// viewport, in region order. The boxes are hidden while the heat-map is shown,
// so the result is empty when heatMapVisible is true. selected may be nil.
func Boxes(regions []lesion.Region, width, height float64, vp Viewport, selected func(id string) bool, heatMapVisible bool) []BoxOverlay {
	out := []BoxOverlay{}
	if heatMapVisible {
		return out
	}
	for i, r := range regions {
		a := lesion.Classify(r)
		out = append(out, BoxOverlay{
			ID:         r.ID,
			Rect:       vp.Apply(r.BoundingBox.ToPixels(width, height)),
			Provenance: r.Provenance,
			Label:      boxLabel(i, r),
			Tier:       a.Tier,
			Color:      a.Color,
			Selected:   selected != nil && selected(r.ID),
		})
	}
	return out
}

func boxLabel(i int, r lesion.Region) string {
	label := "Lesion " + strconv.Itoa(i+1)
	if r.Classification != nil {
		label += ": " + lesion.FormatLesionType(*r.Classification)
		if r.Confidence != nil {
			label += fmt.Sprintf(" (%.0f%%)", *r.Confidence*100)
		}
	}
	return label
}

// SafeBoxes runs Boxes and converts a panic into ErrRenderFailed.
func SafeBoxes(regions []lesion.Region, width, height float64, vp Viewport, selected func(string) bool, heatMapVisible bool, obs RenderObserver) (boxes []BoxOverlay, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			boxes, err = nil, fmt.Errorf("%w: %v", ErrRenderFailed, r)
		}
		if obs != nil {
			obs.ObserveRender("boxes", time.Since(start), err)
		}
	}()
	return Boxes(regions, width, height, vp, selected, heatMapVisible), nil
}

// ParseColor parses "#rrggbb".
func ParseColor(s string) (color.NRGBA, error) {
	var c color.NRGBA
	if len(s) != 7 || !strings.HasPrefix(s, "#") {
		return c, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return c, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
