// Package geometry holds the numeric primitives shared by the metrics and
// spatial packages: centroids, unit conversion, bounding boxes, principal
// axes and angles. Coordinates are (z, y, x) throughout.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
)

// ErrNoVoxels is returned by operations that need at least one voxel.
var ErrNoVoxels = errors.New("no voxels")

// Vec converts a (z, y, x) point to an r3 vector with matching axes.
func Vec(p models.Point3) r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }

// Point converts an r3 vector back to a (z, y, x) point.
func Point(v r3.Vector) models.Point3 { return models.Point3{Z: v.Z, Y: v.Y, X: v.X} }

// Centroid returns the unweighted mean voxel coordinate.
func Centroid(voxels []models.Voxel) (models.Point3, error) {
	if len(voxels) == 0 {
		return models.Point3{}, ErrNoVoxels
	}
	var sz, sy, sx float64
	for _, v := range voxels {
		sz += float64(v.Z)
		sy += float64(v.Y)
		sx += float64(v.X)
	}
	n := float64(len(voxels))
	return models.Point3{Z: sz / n, Y: sy / n, X: sx / n}, nil
}

// MaskCentroid returns the centroid of every occupied voxel of a mask.
func MaskCentroid(mask *models.BinaryVolume) (models.Point3, error) {
	return Centroid(MaskVoxels(mask))
}

// MaskVoxels lists the occupied voxels of a mask in scan order.
func MaskVoxels(mask *models.BinaryVolume) []models.Voxel {
	var out []models.Voxel
	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				if mask.Data[mask.Index(z, y, x)] {
					out = append(out, models.Voxel{Z: z, Y: y, X: x})
				}
			}
		}
	}
	return out
}

// ToPhysical scales a voxel-space point by the calibration.
func ToPhysical(p models.Point3, cal models.Calibration) models.Point3 {
	s := cal.Spacing()
	return models.Point3{Z: p.Z * s.Z, Y: p.Y * s.Y, X: p.X * s.X}
}

// ToVoxel converts a physical point back to voxel space.
func ToVoxel(p models.Point3, cal models.Calibration) models.Point3 {
	s := cal.Spacing()
	return models.Point3{Z: p.Z / s.Z, Y: p.Y / s.Y, X: p.X / s.X}
}

// Distance is the Euclidean distance between two points in the same space.
func Distance(a, b models.Point3) float64 {
	return Vec(a).Distance(Vec(b))
}

// PhysicalDistance converts both voxel-space points before measuring.
func PhysicalDistance(a, b models.Point3, cal models.Calibration) float64 {
	return Distance(ToPhysical(a, cal), ToPhysical(b, cal))
}

// Box is an axis-aligned bounding box with inclusive corners.
type Box struct {
	Min, Max models.Voxel
}

// BoundingBox returns the tightest box around voxels.
func BoundingBox(voxels []models.Voxel) (Box, error) {
	if len(voxels) == 0 {
		return Box{}, ErrNoVoxels
	}
	b := Box{Min: voxels[0], Max: voxels[0]}
	for _, v := range voxels[1:] {
		b.Min.Z = min(b.Min.Z, v.Z)
		b.Min.Y = min(b.Min.Y, v.Y)
		b.Min.X = min(b.Min.X, v.X)
		b.Max.Z = max(b.Max.Z, v.Z)
		b.Max.Y = max(b.Max.Y, v.Y)
		b.Max.X = max(b.Max.X, v.X)
	}
	return b, nil
}

// Size returns the number of voxels the box spans along each axis.
func (b Box) Size() models.Voxel {
	return models.Voxel{
		Z: b.Max.Z - b.Min.Z + 1,
		Y: b.Max.Y - b.Min.Y + 1,
		X: b.Max.X - b.Min.X + 1,
	}
}

// PhysicalSize returns the side lengths of the box in physical units.
func (b Box) PhysicalSize(cal models.Calibration) models.Point3 {
	return ToPhysical(b.Size().Point(), cal)
}

// Volume returns the physical volume of the box.
func (b Box) Volume(cal models.Calibration) float64 {
	s := b.PhysicalSize(cal)
	return s.Z * s.Y * s.X
}

// AspectRatio is the longest over the shortest physical side, never below 1.
func (b Box) AspectRatio(cal models.Calibration) float64 {
	s := b.PhysicalSize(cal)
	hi := math.Max(s.Z, math.Max(s.Y, s.X))
	lo := math.Min(s.Z, math.Min(s.Y, s.X))
	return hi / lo
}

// PrincipalAxis returns the unit eigenvector of the largest eigenvalue of the
// covariance of the calibrated voxel coordinates. The sign is fixed so the
// vector points from the centroid toward the voxel with the largest absolute
// projection; see ExtremalVoxel.
func PrincipalAxis(voxels []models.Voxel, cal models.Calibration) (models.Point3, error) {
	distinct := make(map[models.Voxel]struct{}, len(voxels))
	for _, v := range voxels {
		distinct[v] = struct{}{}
		if len(distinct) > 1 {
			break
		}
	}
	if len(distinct) < 2 {
		return models.Point3{}, errdefs.NewDegenerate("principal axis needs at least 2 distinct voxels, got %d", len(distinct))
	}

	spacing := cal.Spacing()
	coords := mat.NewDense(len(voxels), 3, nil)
	for i, v := range voxels {
		coords.Set(i, 0, float64(v.Z)*spacing.Z)
		coords.Set(i, 1, float64(v.Y)*spacing.Y)
		coords.Set(i, 2, float64(v.X)*spacing.X)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, coords, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return models.Point3{}, errdefs.NewDegenerate("eigen decomposition of covariance failed")
	}
	values := eig.Values(nil)
	// Values are ascending; the last column is the principal axis.
	top := len(values) - 1
	if values[top] <= 0 {
		return models.Point3{}, errdefs.NewDegenerate("covariance is singular")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	dir := r3.Vector{Z: vecs.At(0, top), Y: vecs.At(1, top), X: vecs.At(2, top)}.Normalize()

	// Canonical start: largest-magnitude component positive.
	switch dir.LargestComponent() {
	case r3.XAxis:
		if dir.X < 0 {
			dir = dir.Mul(-1)
		}
	case r3.YAxis:
		if dir.Y < 0 {
			dir = dir.Mul(-1)
		}
	case r3.ZAxis:
		if dir.Z < 0 {
			dir = dir.Mul(-1)
		}
	}

	centroid, _ := Centroid(voxels)
	c := Vec(ToPhysical(centroid, cal))
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, v := range voxels {
		proj := Vec(ToPhysical(v.Point(), cal)).Sub(c).Dot(dir)
		hi = math.Max(hi, proj)
		lo = math.Min(lo, proj)
	}
	const eps = 1e-12
	if -lo > hi+eps*math.Max(1, hi) {
		dir = dir.Mul(-1)
	}
	return Point(dir), nil
}

// ExtremalVoxel returns the voxel whose calibrated offset from the centroid
// projects farthest along dir. Ties keep the earliest voxel.
func ExtremalVoxel(voxels []models.Voxel, dir models.Point3, cal models.Calibration) (models.Voxel, error) {
	centroid, err := Centroid(voxels)
	if err != nil {
		return models.Voxel{}, err
	}
	c := Vec(ToPhysical(centroid, cal))
	d := Vec(dir)
	best := voxels[0]
	bestProj := math.Inf(-1)
	for _, v := range voxels {
		proj := Vec(ToPhysical(v.Point(), cal)).Sub(c).Dot(d)
		if proj > bestProj {
			best, bestProj = v, proj
		}
	}
	return best, nil
}

// AngleDeg returns the angle between a and b in degrees, in [0, 180]. The
// cosine is clamped to [-1, 1] before acos.
func AngleDeg(a, b models.Point3) (float64, error) {
	va, vb := Vec(a), Vec(b)
	na, nb := va.Norm(), vb.Norm()
	if na == 0 || nb == 0 || math.IsNaN(na) || math.IsNaN(nb) {
		return 0, errdefs.NewComputation("angle undefined for a zero-length vector")
	}
	cos := va.Dot(vb) / (na * nb)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi, nil
}
