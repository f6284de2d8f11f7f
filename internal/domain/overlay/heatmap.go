// Package overlay renders the visual layers drawn over a lesion image: the
// continuous risk heat-map and the per-region bounding boxes.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// Mode selects the falloff and color mapping of the heat-map.
type Mode string

const (
	// ModeHue uses exponential falloff and a blue-to-red hue sweep.
	ModeHue Mode = "hue"
	// ModeRed uses linear falloff and a white-to-red gradient.
	ModeRed Mode = "red"
)

// ParseMode accepts "hue" or "red".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHue, ModeRed:
		return Mode(s), nil
	case "":
		return ModeHue, nil
	default:
		return "", fmt.Errorf("unknown heat-map mode %q", s)
	}
}

const (
	// DefaultAlpha keeps the image underneath visible.
	DefaultAlpha uint8 = 128
	// MaxDimension bounds either side of a rendered overlay.
	MaxDimension = 4096
	// melanomaWeight scales the influence of regions classified as melanoma.
	melanomaWeight = 1.5
)

var (
	ErrInvalidSize  = errors.New("overlay dimensions must be between 1 and 4096 pixels")
	ErrRenderFailed = errors.New("overlay render failed")
)

// RenderObserver receives the duration and outcome of each render.
type RenderObserver interface {
	ObserveRender(kind string, d time.Duration, err error)
}

// HeatMap rasterizes a continuous risk field from a region list. It holds no
// per-render state and is safe for concurrent use.
type HeatMap struct {
	mode     Mode
	alpha    uint8
	observer RenderObserver
}

// NewHeatMap returns a renderer for the given mode and alpha. A zero alpha
// falls back to DefaultAlpha.
func NewHeatMap(mode Mode, alpha uint8) *HeatMap {
	if mode == "" {
		mode = ModeHue
	}
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	return &HeatMap{mode: mode, alpha: alpha}
}

// WithObserver attaches a render observer and returns h.
func (h *HeatMap) WithObserver(o RenderObserver) *HeatMap {
	h.observer = o
	return h
}

// Mode returns the renderer's mode.
func (h *HeatMap) Mode() Mode { return h.mode }

// Observer returns the attached render observer, if any.
func (h *HeatMap) Observer() RenderObserver { return h.observer }

// WithMode returns a copy of h using mode m.
func (h *HeatMap) WithMode(m Mode) *HeatMap {
	c := *h
	c.mode = m
	return &c
}

// Render produces a width x height overlay. When visible is false it returns
// a nil image and no error. A panic inside the rasterizer is recovered and
// reported as ErrRenderFailed so that a bad region cannot take down the
// caller.
func (h *HeatMap) Render(regions []lesion.Region, width, height int, visible bool) (img *image.NRGBA, err error) {
	if !visible {
		return nil, nil
	}
	if width < 1 || height < 1 || width > MaxDimension || height > MaxDimension {
		return nil, ErrInvalidSize
	}

	start := time.Now()
	defer func() {
		if h.observer != nil {
			h.observer.ObserveRender("heatmap_"+string(h.mode), time.Since(start), err)
		}
	}()

	field := newField(regions, width, height, h.mode)
	img = image.NewNRGBA(image.Rect(0, 0, width, height))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	band := (height + runtime.GOMAXPROCS(0) - 1) / runtime.GOMAXPROCS(0)
	for y0 := 0; y0 < height; y0 += band {
		y0, y1 := y0, min(y0+band, height)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrRenderFailed, r)
				}
			}()
			for y := y0; y < y1; y++ {
				for x := 0; x < width; x++ {
					img.SetNRGBA(x, y, h.colorFor(field.score(float64(x), float64(y))))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return img, nil
}

// Score returns the risk score at pixel (x, y) of a width x height canvas.
func (h *HeatMap) Score(regions []lesion.Region, x, y float64, width, height int) float64 {
	return newField(regions, width, height, h.mode).score(x, y)
}

func (h *HeatMap) colorFor(score float64) color.NRGBA {
	if score <= 0 {
		return color.NRGBA{}
	}
	switch h.mode {
	case ModeRed:
		return color.NRGBA{
			R: uint8(math.Round(255 * score)),
			G: uint8(math.Round(255 * (1 - score))),
			B: uint8(math.Round(255 * (1 - score))),
			A: h.alpha,
		}
	default:
		r, g, b := hslToRGB(240*(1-score), 1, 0.5)
		return color.NRGBA{R: r, G: g, B: b, A: h.alpha}
	}
}

type source struct {
	center geometry.Point
	peak   float64
}

// field is the precomputed per-region data for one render.
type field struct {
	sources []source
	falloff func(d float64) float64
}

func newField(regions []lesion.Region, width, height int, mode Mode) field {
	span := math.Max(float64(width), float64(height))
	f := field{sources: make([]source, 0, len(regions))}
	if mode == ModeRed {
		radius := span / 4
		f.falloff = func(d float64) float64 { return geometry.LinearDecay(d, radius) }
	} else {
		scale := span / 8
		f.falloff = func(d float64) float64 { return geometry.ExpDecay(d, scale) }
	}

	for _, r := range regions {
		peak := Weight(r) * r.ConfidenceOr(0)
		if peak <= 0 {
			continue
		}
		f.sources = append(f.sources, source{
			center: r.BoundingBox.CenterPixels(float64(width), float64(height)),
			peak:   peak,
		})
	}
	return f
}

// score takes the maximum influence over all regions: overlapping lesions
// saturate instead of adding up.
func (f field) score(x, y float64) float64 {
	best := 0.0
	p := geometry.Point{X: x, Y: y}
	for _, s := range f.sources {
		if s.peak <= best {
			continue
		}
		if v := s.peak * f.falloff(geometry.Distance(p, s.center)); v > best {
			best = v
		}
	}
	return math.Min(best, 1)
}

// Weight is the per-classification multiplier applied to a region's
// confidence.
func Weight(r lesion.Region) float64 {
	if r.Is(lesion.Melanoma) {
		return melanomaWeight
	}
	return 1
}

// hslToRGB converts hue in degrees and saturation/lightness in [0,1].
func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	c := (1 - math.Abs(2*l-1)) * s
	hp := math.Mod(h, 360) / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r, g, b float64
	switch {
	case hp < 1:
		r, g, b = c, x, 0
	case hp < 2:
		r, g, b = x, c, 0
	case hp < 3:
		r, g, b = 0, c, x
	case hp < 4:
		r, g, b = 0, x, c
	case hp < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	m := l - c/2
	to8 := func(v float64) uint8 { return uint8(math.Round(255 * math.Min(1, math.Max(0, v+m)))) }
	return to8(r), to8(g), to8(b)
}
