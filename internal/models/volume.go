package models

import (
	"fmt"
	"sort"
)

// Voxel is an integer (z, y, x) position inside a volume.
type Voxel struct {
	Z, Y, X int
}

// Point3 is a continuous (z, y, x) coordinate. Depending on context it is in
// voxel space or in physical units; see the field docs of the owning type.
type Point3 struct {
	Z, Y, X float64
}

// Sub returns p - q.
func (p Point3) Sub(q Point3) Point3 { return Point3{p.Z - q.Z, p.Y - q.Y, p.X - q.X} }

// Add returns p + q.
func (p Point3) Add(q Point3) Point3 { return Point3{p.Z + q.Z, p.Y + q.Y, p.X + q.X} }

// Point returns the voxel position as a continuous coordinate.
func (v Voxel) Point() Point3 { return Point3{float64(v.Z), float64(v.Y), float64(v.X)} }

// Calibration is the physical size of one voxel along each axis.
type Calibration struct {
	// XYVoxelSize is the lateral pixel size (same along y and x)
	XYVoxelSize float64 `yaml:"xyVoxelSize"`

	// ZSliceThickness is the axial distance between consecutive slices
	ZSliceThickness float64 `yaml:"zSliceThickness"`
}

// VoxelVolume returns the physical volume of one voxel.
func (c Calibration) VoxelVolume() float64 {
	return c.XYVoxelSize * c.XYVoxelSize * c.ZSliceThickness
}

// Spacing returns the physical voxel size along (z, y, x).
func (c Calibration) Spacing() Point3 {
	return Point3{Z: c.ZSliceThickness, Y: c.XYVoxelSize, X: c.XYVoxelSize}
}

// Validate checks that both sizes are positive.
func (c Calibration) Validate() error {
	if c.XYVoxelSize <= 0 || c.ZSliceThickness <= 0 {
		return fmt.Errorf("calibration must be positive, got xy=%g z=%g", c.XYVoxelSize, c.ZSliceThickness)
	}
	return nil
}

// BinaryVolume is a 3D occupancy mask for one organelle type.
// Data is stored as a 1D array in z-major order: z*Height*Width + y*Width + x.
type BinaryVolume struct {
	Depth, Height, Width int
	Data                 []bool
}

// NewBinaryVolume allocates an empty mask.
func NewBinaryVolume(depth, height, width int) *BinaryVolume {
	return &BinaryVolume{
		Depth:  depth,
		Height: height,
		Width:  width,
		Data:   make([]bool, depth*height*width),
	}
}

// Clone returns a deep copy of the mask.
func (b *BinaryVolume) Clone() *BinaryVolume {
	out := &BinaryVolume{Depth: b.Depth, Height: b.Height, Width: b.Width, Data: make([]bool, len(b.Data))}
	copy(out.Data, b.Data)
	return out
}

// Index returns the flat offset of (z, y, x).
func (b *BinaryVolume) Index(z, y, x int) int { return z*b.Height*b.Width + y*b.Width + x }

// In reports whether (z, y, x) lies inside the volume.
func (b *BinaryVolume) In(z, y, x int) bool {
	return z >= 0 && z < b.Depth && y >= 0 && y < b.Height && x >= 0 && x < b.Width
}

// At returns the occupancy at (z, y, x); outside positions are background.
func (b *BinaryVolume) At(z, y, x int) bool {
	if !b.In(z, y, x) {
		return false
	}
	return b.Data[b.Index(z, y, x)]
}

// Set sets the occupancy at (z, y, x).
func (b *BinaryVolume) Set(z, y, x int, v bool) { b.Data[b.Index(z, y, x)] = v }

// Count returns the number of occupied voxels.
func (b *BinaryVolume) Count() int {
	n := 0
	for _, v := range b.Data {
		if v {
			n++
		}
	}
	return n
}

// SameShape reports whether both volumes have identical dimensions.
func (b *BinaryVolume) SameShape(depth, height, width int) bool {
	return b.Depth == depth && b.Height == height && b.Width == width
}

// SliceView returns the occupancy of slice z as a row-major Height*Width view.
func (b *BinaryVolume) SliceView(z int) []bool {
	n := b.Height * b.Width
	return b.Data[z*n : (z+1)*n]
}

// Validate checks that the data length matches the dimensions.
func (b *BinaryVolume) Validate() error {
	if b.Depth <= 0 || b.Height <= 0 || b.Width <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", b.Depth, b.Height, b.Width)
	}
	if len(b.Data) != b.Depth*b.Height*b.Width {
		return fmt.Errorf("volume data has %d voxels, want %d", len(b.Data), b.Depth*b.Height*b.Width)
	}
	return nil
}

// LabeledVolume holds one integer label per voxel, 0 being background.
// It always has the shape of the BinaryVolume it was derived from.
type LabeledVolume struct {
	Depth, Height, Width int
	Data                 []int32
}

// NewLabeledVolume allocates an all-background label volume.
func NewLabeledVolume(depth, height, width int) *LabeledVolume {
	return &LabeledVolume{
		Depth:  depth,
		Height: height,
		Width:  width,
		Data:   make([]int32, depth*height*width),
	}
}

// Index returns the flat offset of (z, y, x).
func (l *LabeledVolume) Index(z, y, x int) int { return z*l.Height*l.Width + y*l.Width + x }

// At returns the label at (z, y, x), 0 outside the volume.
func (l *LabeledVolume) At(z, y, x int) int32 {
	if z < 0 || z >= l.Depth || y < 0 || y >= l.Height || x < 0 || x >= l.Width {
		return 0
	}
	return l.Data[l.Index(z, y, x)]
}

// Labels returns the distinct positive labels in ascending order.
func (l *LabeledVolume) Labels() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range l.Data {
		if v > 0 {
			seen[v] = struct{}{}
		}
	}
	labels := make([]int32, 0, len(seen))
	for v := range seen {
		labels = append(labels, v)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// Instances groups the voxels of every positive label. Voxels within one
// label are in scan order (z, then y, then x).
func (l *LabeledVolume) Instances() map[int32][]Voxel {
	out := make(map[int32][]Voxel)
	plane := l.Height * l.Width
	for i, v := range l.Data {
		if v <= 0 {
			continue
		}
		z := i / plane
		rem := i % plane
		out[v] = append(out[v], Voxel{Z: z, Y: rem / l.Width, X: rem % l.Width})
	}
	return out
}

// CountLabeled returns the number of voxels with a positive label.
func (l *LabeledVolume) CountLabeled() int {
	n := 0
	for _, v := range l.Data {
		if v > 0 {
			n++
		}
	}
	return n
}

// Mask returns the foreground of a single label as a BinaryVolume.
func (l *LabeledVolume) Mask(label int32) *BinaryVolume {
	out := NewBinaryVolume(l.Depth, l.Height, l.Width)
	for i, v := range l.Data {
		out.Data[i] = v == label
	}
	return out
}
