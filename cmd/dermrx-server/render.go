package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/domain/overlay"
	"github.com/dermrx/dermrx/internal/platform/imagestore"
)

type renderOptions struct {
	Width  int
	Height int
	Mode   string
	Alpha  int
	Base   []byte
	Boxes  bool
}

func renderCmd() *cobra.Command {
	var (
		opts     renderOptions
		basePath string
		outPath  string
	)
	cmd := &cobra.Command{
		Use:   "render <regions.json>",
		Short: "Render a risk heat-map PNG from a region list",
		Long: "Render reads a JSON array of regions, or an analysis object with a " +
			"detectedLesions field, and writes the heat-map as a PNG. With --base " +
			"the overlay is composited onto the image and its size is used.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			regions, err := readRegions(data)
			if err != nil {
				return err
			}
			if basePath != "" {
				if opts.Base, err = os.ReadFile(basePath); err != nil {
					return err
				}
			}
			png, err := renderPNG(regions, opts)
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(png)
				return err
			}
			if err := os.WriteFile(outPath, png, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d region(s) to %s\n", len(regions), outPath)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Width, "width", 512, "Output width in pixels when no base image is given")
	f.IntVar(&opts.Height, "height", 512, "Output height in pixels when no base image is given")
	f.StringVar(&opts.Mode, "mode", string(overlay.ModeHue), "Heat-map color mode (hue or red)")
	f.IntVar(&opts.Alpha, "alpha", int(overlay.DefaultAlpha), "Maximum overlay opacity (0-255)")
	f.StringVar(&basePath, "base", "", "Image to composite the overlay onto")
	f.BoolVar(&opts.Boxes, "boxes", false, "Outline each region in its risk color")
	f.StringVarP(&outPath, "out", "o", "", "Output file (stdout when empty)")
	return cmd
}

// readRegions accepts either a bare region array or an object carrying a
// detectedLesions array.
func readRegions(data []byte) ([]lesion.Region, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty region file")
	}
	if data[0] == '[' {
		var regions []lesion.Region
		if err := json.Unmarshal(data, &regions); err != nil {
			return nil, fmt.Errorf("parse regions: %w", err)
		}
		return regions, nil
	}
	var doc struct {
		DetectedLesions []lesion.Region `json:"detectedLesions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return doc.DetectedLesions, nil
}

func renderPNG(regions []lesion.Region, opts renderOptions) ([]byte, error) {
	mode, err := overlay.ParseMode(opts.Mode)
	if err != nil {
		return nil, err
	}
	if opts.Alpha < 0 || opts.Alpha > 255 {
		return nil, fmt.Errorf("alpha %d is outside 0-255", opts.Alpha)
	}

	var base image.Image
	width, height := opts.Width, opts.Height
	if len(opts.Base) > 0 {
		base, _, err = imagestore.Decode("base", opts.Base)
		if err != nil {
			return nil, err
		}
		width, height = base.Bounds().Dx(), base.Bounds().Dy()
	}

	heat := overlay.NewHeatMap(mode, uint8(opts.Alpha))
	out, err := heat.Render(regions, width, height, true)
	if err != nil {
		return nil, err
	}
	if base != nil {
		out = overlay.Composite(base, out)
	}
	if opts.Boxes {
		boxes := overlay.Boxes(regions, float64(width), float64(height), overlay.Identity, nil, false)
		overlay.StrokeBoxes(out, boxes)
	}
	return overlay.EncodePNG(out)
}
