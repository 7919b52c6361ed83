package reconstruction

import (
	"fmt"

	"organelle3d/internal/models"
)

// neighborOffsets returns the (dz, dy, dx) steps of a 3D neighborhood.
// 6 connects faces, 18 adds edges and 26 adds corners.
func neighborOffsets(connectivity int) ([][3]int, error) {
	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := abs(dz) + abs(dy) + abs(dx)
				if n == 0 {
					continue
				}
				switch connectivity {
				case 6:
					if n == 1 {
						out = append(out, [3]int{dz, dy, dx})
					}
				case 18:
					if n <= 2 {
						out = append(out, [3]int{dz, dy, dx})
					}
				case 26:
					out = append(out, [3]int{dz, dy, dx})
				default:
					return nil, fmt.Errorf("unsupported connectivity %d (want 6, 18 or 26)", connectivity)
				}
			}
		}
	}
	return out, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// dropped counts the regions discarded by KeepLargestOnly.
type dropped struct {
	components int
	voxels     int
}

// LabelComponents labels the connected foreground regions of mask 1..N in
// the scan order of their first voxel. With KeepLargestOnly only the largest
// region survives, as label 1; equal sizes keep the earlier region.
func (r *Reconstructor) LabelComponents(mask *models.BinaryVolume) (*models.LabeledVolume, error) {
	labels, _, err := r.labelComponents(mask)
	return labels, err
}

func (r *Reconstructor) labelComponents(mask *models.BinaryVolume) (*models.LabeledVolume, dropped, error) {
	var d dropped
	if err := mask.Validate(); err != nil {
		return nil, d, err
	}
	offsets, err := neighborOffsets(r.params.Connectivity)
	if err != nil {
		return nil, d, err
	}

	labels := models.NewLabeledVolume(mask.Depth, mask.Height, mask.Width)
	var sizes []int
	var next int32
	stack := make([]models.Voxel, 0, 64)

	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				idx := mask.Index(z, y, x)
				if !mask.Data[idx] || labels.Data[idx] != 0 {
					continue
				}
				next++
				labels.Data[idx] = next
				size := 0
				stack = append(stack[:0], models.Voxel{Z: z, Y: y, X: x})
				for len(stack) > 0 {
					v := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					size++
					for _, o := range offsets {
						nz, ny, nx := v.Z+o[0], v.Y+o[1], v.X+o[2]
						if !mask.In(nz, ny, nx) {
							continue
						}
						ni := mask.Index(nz, ny, nx)
						if mask.Data[ni] && labels.Data[ni] == 0 {
							labels.Data[ni] = next
							stack = append(stack, models.Voxel{Z: nz, Y: ny, X: nx})
						}
					}
				}
				sizes = append(sizes, size)
			}
		}
	}

	if r.params.KeepLargestOnly && next > 1 {
		best := keepLargest(labels, sizes)
		d.components = len(sizes) - 1
		for i, s := range sizes {
			if i != best {
				d.voxels += s
			}
		}
	}
	r.logger.Debug().Int("components", len(sizes)).Int("dropped", d.components).Msg("labeled connected components")
	return labels, d, nil
}

// keepLargest relabels the largest region 1, clears the others and returns
// the index of the kept region in sizes.
func keepLargest(labels *models.LabeledVolume, sizes []int) int {
	best := 0
	for i, s := range sizes {
		if s > sizes[best] {
			best = i
		}
	}
	keep := int32(best + 1)
	for i, v := range labels.Data {
		switch {
		case v == keep:
			labels.Data[i] = 1
		case v != 0:
			labels.Data[i] = 0
		}
	}
	return best
}

// LargestComponent returns the mask of the largest connected region, or an
// empty mask when there is no foreground.
func (r *Reconstructor) LargestComponent(mask *models.BinaryVolume) (*models.BinaryVolume, error) {
	labels, err := r.LabelComponents(mask)
	if err != nil {
		return nil, err
	}
	counts := make(map[int32]int)
	for _, v := range labels.Data {
		if v > 0 {
			counts[v]++
		}
	}
	var best int32
	for l, c := range counts {
		if best == 0 || c > counts[best] || (c == counts[best] && l < best) {
			best = l
		}
	}
	if best == 0 {
		return models.NewBinaryVolume(mask.Depth, mask.Height, mask.Width), nil
	}
	return labels.Mask(best), nil
}
