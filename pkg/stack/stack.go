// Package stack loads per-slice mask images into binary volumes.
package stack

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff"

	"organelle3d/internal/models"
)

// sliceExtensions are the image formats a stack directory may contain.
var sliceExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// ListSlices returns the image files of dir ordered by the number embedded
// in their names. Names with equal numbers keep lexical order.
func ListSlices(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read slice directory %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sliceExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no slice images found in %s", dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})
	return files, nil
}

// extractNumber extracts the digits of a filename as one number.
func extractNumber(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() > 0 {
		if num, err := strconv.Atoi(digits.String()); err == nil {
			return num
		}
	}
	return 0
}

// Load decodes every slice of dir in stack order.
func Load(dir string) ([]models.Slice, error) {
	files, err := ListSlices(dir)
	if err != nil {
		return nil, err
	}
	slices := make([]models.Slice, 0, len(files))
	for i, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "load slice %s", name)
		}
		slices = append(slices, models.Slice{Image: img, Index: i, Filename: name})
	}
	return slices, nil
}

// LoadDir loads the slices of dir as a mask: a pixel is foreground when its
// gray level is above threshold.
func LoadDir(dir string, threshold uint8) (*models.BinaryVolume, error) {
	slices, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return FromImages(slices, threshold)
}

// FromImages stacks decoded slices into a mask. All slices must share the
// dimensions of the first.
func FromImages(slices []models.Slice, threshold uint8) (*models.BinaryVolume, error) {
	if len(slices) == 0 {
		return nil, errors.New("no slices to stack")
	}
	bounds := slices[0].Image.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	vol := models.NewBinaryVolume(len(slices), height, width)

	for z, s := range slices {
		b := s.Image.Bounds()
		if b.Dx() != width || b.Dy() != height {
			return nil, errors.Errorf("slice %s is %dx%d, expected %dx%d", s.Filename, b.Dx(), b.Dy(), width, height)
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.GrayModel.Convert(s.Image.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				if g.Y > threshold {
					vol.Set(z, y, x, true)
				}
			}
		}
	}
	return vol, nil
}

// Restrict clears the voxels of mask outside the cell mask. It reports
// false and leaves mask untouched when the shapes differ.
func Restrict(mask, cell *models.BinaryVolume) bool {
	if mask == nil || cell == nil || !mask.SameShape(cell.Depth, cell.Height, cell.Width) {
		return false
	}
	for i, inside := range cell.Data {
		if !inside {
			mask.Data[i] = false
		}
	}
	return true
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}
