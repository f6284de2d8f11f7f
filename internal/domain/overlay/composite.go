package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// Composite draws base and then the overlay scaled to base's bounds. A nil
// overlay yields a copy of base.
func Composite(base image.Image, overlay image.Image) *image.NRGBA {
	b := base.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), base, b.Min, xdraw.Src)
	if overlay != nil {
		xdraw.BiLinear.Scale(dst, dst.Bounds(), overlay, overlay.Bounds(), xdraw.Over, nil)
	}
	return dst
}

// Resize scales src to width x height.
func Resize(src image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// StrokeBoxes outlines each box on dst with its tier color. Boxes are in
// dst pixel space; the selected ones get a thicker stroke.
func StrokeBoxes(dst *image.NRGBA, boxes []BoxOverlay) {
	for _, bx := range boxes {
		c, err := ParseColor(bx.Color)
		if err != nil {
			continue
		}
		width := 2
		if bx.Selected {
			width = 4
		}
		r := image.Rect(int(bx.Rect.X), int(bx.Rect.Y), int(bx.Rect.X+bx.Rect.W), int(bx.Rect.Y+bx.Rect.H))
		strokeRect(dst, r.Intersect(dst.Bounds()), c, width)
	}
}

func strokeRect(dst *image.NRGBA, r image.Rectangle, c color.NRGBA, width int) {
	if r.Empty() {
		return
	}
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		xdraw.Draw(dst, e.Intersect(r), u, image.Point{}, xdraw.Over)
	}
}

// EncodePNG encodes img as a best-speed PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
