// Package visualization renders labeled volumes as color-coded slice images
// with optional tracking markers, for checking reconstructions by eye.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"organelle3d/internal/models"
)

// Viewer extracts and saves 2D slices of a labeled volume.
type Viewer struct {
	// labels holds the instance labels to render
	labels *models.LabeledVolume

	// markers by z, drawn on z slices only
	markers map[int][]models.TrackObservation
}

// NewViewer creates a viewer over a labeled volume.
func NewViewer(labels *models.LabeledVolume) *Viewer {
	return &Viewer{labels: labels, markers: make(map[int][]models.TrackObservation)}
}

// WithTracks draws every observation on the z slice of its frame
// (frame f is slice f-1).
func (v *Viewer) WithTracks(table *models.TrackingTable) *Viewer {
	if table == nil {
		return v
	}
	for frame, obs := range table.GroupByFrame() {
		v.markers[frame-1] = obs
	}
	return v
}

// Color returns the display color of a label. Background is black and
// every other label gets a stable, saturated hue.
func Color(label int32) color.RGBA {
	if label <= 0 {
		return color.RGBA{A: 255}
	}
	// golden ratio hue steps keep consecutive labels apart
	h := math.Mod(float64(label)*0.618033988749895, 1)
	r, g, b := hsvToRGB(h, 0.75, 0.95)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return uint8(math.Round(r * 255)), uint8(math.Round(g * 255)), uint8(math.Round(b * 255))
}

// axisSize returns the number of slices along axis.
func (v *Viewer) axisSize(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.labels.Width, nil
	case "y", "Y":
		return v.labels.Height, nil
	case "z", "Z":
		return v.labels.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice renders one slice along the given axis. x slices are laid
// out with z horizontal and y vertical, y slices with x horizontal and z
// vertical, z slices with x horizontal and y vertical.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	n, err := v.axisSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	l := v.labels
	var img *image.RGBA
	switch axis {
	case "x", "X":
		img = image.NewRGBA(image.Rect(0, 0, l.Depth, l.Height))
		for y := 0; y < l.Height; y++ {
			for z := 0; z < l.Depth; z++ {
				img.SetRGBA(z, y, Color(l.At(z, y, position)))
			}
		}
	case "y", "Y":
		img = image.NewRGBA(image.Rect(0, 0, l.Width, l.Depth))
		for z := 0; z < l.Depth; z++ {
			for x := 0; x < l.Width; x++ {
				img.SetRGBA(x, z, Color(l.At(z, position, x)))
			}
		}
	default:
		img = image.NewRGBA(image.Rect(0, 0, l.Width, l.Height))
		for y := 0; y < l.Height; y++ {
			for x := 0; x < l.Width; x++ {
				img.SetRGBA(x, y, Color(l.At(position, y, x)))
			}
		}
		for _, o := range v.markers[position] {
			drawCross(img, int(math.Round(o.X)), int(math.Round(o.Y)))
		}
	}
	return img, nil
}

// drawCross marks a tracked position with a small white cross; pixels off
// the image are skipped.
func drawCross(img *image.RGBA, x, y int) {
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	b := img.Bounds()
	for d := -2; d <= 2; d++ {
		for _, p := range [2]image.Point{{X: x + d, Y: y}, {X: x, Y: y + d}} {
			if p.In(b) {
				img.SetRGBA(p.X, p.Y, white)
			}
		}
	}
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.axisSize(axis)
	if err != nil {
		return err
	}
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	return v.SaveSlices(axis, positions, outputDir)
}

// SaveSlices saves the listed slices along axis as slice_<axis>_<pos>.png.
func (v *Viewer) SaveSlices(axis string, positions []int, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, pos := range positions {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
