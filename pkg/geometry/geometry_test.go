package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
)

var unit = models.Calibration{XYVoxelSize: 1, ZSliceThickness: 1}

func cube(z0, y0, x0, side int) []models.Voxel {
	var out []models.Voxel
	for z := z0; z < z0+side; z++ {
		for y := y0; y < y0+side; y++ {
			for x := x0; x < x0+side; x++ {
				out = append(out, models.Voxel{Z: z, Y: y, X: x})
			}
		}
	}
	return out
}

func TestCentroidOfSymmetricCube(t *testing.T) {
	c, err := Centroid(cube(8, 18, 28, 5))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, c.Z, 1e-9)
	assert.InDelta(t, 20.0, c.Y, 1e-9)
	assert.InDelta(t, 30.0, c.X, 1e-9)

	_, err = Centroid(nil)
	assert.ErrorIs(t, err, ErrNoVoxels)
}

func TestMaskCentroid(t *testing.T) {
	mask := models.NewBinaryVolume(4, 4, 4)
	mask.Set(1, 1, 1, true)
	mask.Set(3, 3, 3, true)
	c, err := MaskCentroid(mask)
	require.NoError(t, err)
	assert.Equal(t, models.Point3{Z: 2, Y: 2, X: 2}, c)
}

func TestDistances(t *testing.T) {
	a := models.Point3{}
	b := models.Point3{Z: 0, Y: 4, X: 3}
	assert.InDelta(t, 5.0, Distance(a, b), 1e-12)

	cal := models.Calibration{XYVoxelSize: 0.5, ZSliceThickness: 2}
	c := models.Point3{Z: 1}
	assert.InDelta(t, 2.0, PhysicalDistance(a, c, cal), 1e-12)
	assert.InDelta(t, 2.5, PhysicalDistance(a, b, cal), 1e-12)

	p := models.Point3{Z: 3, Y: 4, X: 5}
	assert.Equal(t, p, ToVoxel(ToPhysical(p, cal), cal))
}

func TestBoundingBox(t *testing.T) {
	box, err := BoundingBox(cube(2, 3, 4, 6))
	require.NoError(t, err)
	assert.Equal(t, models.Voxel{Z: 6, Y: 6, X: 6}, box.Size())
	assert.Equal(t, 1.0, box.AspectRatio(unit))
	assert.Equal(t, 216.0, box.Volume(unit))

	cal := models.Calibration{XYVoxelSize: 1, ZSliceThickness: 3}
	assert.InDelta(t, 3.0, box.AspectRatio(cal), 1e-12)

	single, err := BoundingBox([]models.Voxel{{Z: 1, Y: 1, X: 1}})
	require.NoError(t, err)
	assert.Equal(t, models.Voxel{Z: 1, Y: 1, X: 1}, single.Size())
}

func rod(n int) []models.Voxel {
	var out []models.Voxel
	for x := 0; x < n; x++ {
		out = append(out, models.Voxel{X: x})
	}
	return out
}

func TestPrincipalAxisOfRod(t *testing.T) {
	dir, err := PrincipalAxis(rod(10), unit)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, math.Abs(dir.X), 1e-9)
	assert.InDelta(t, 0.0, dir.Y, 1e-9)
	assert.InDelta(t, 0.0, dir.Z, 1e-9)
	assert.InDelta(t, 1.0, Distance(dir, models.Point3{}), 1e-9, "unit length")
}

func TestPrincipalAxisPointsTowardExtremalVoxel(t *testing.T) {
	// Extra voxels at x=0 pull the centroid back, so x=19 is the far end.
	headAtStart := append(rod(20), models.Voxel{Y: 1}, models.Voxel{Y: 2})
	dir, err := PrincipalAxis(headAtStart, unit)
	require.NoError(t, err)
	assert.Greater(t, dir.X, 0.9)

	tip, err := ExtremalVoxel(headAtStart, dir, unit)
	require.NoError(t, err)
	assert.Equal(t, 19, tip.X)

	headAtEnd := append(rod(20), models.Voxel{Y: 1, X: 19}, models.Voxel{Y: 2, X: 19})
	dir, err = PrincipalAxis(headAtEnd, unit)
	require.NoError(t, err)
	assert.Less(t, dir.X, -0.9)

	tip, err = ExtremalVoxel(headAtEnd, dir, unit)
	require.NoError(t, err)
	assert.Equal(t, 0, tip.X)
}

func TestPrincipalAxisUsesCalibration(t *testing.T) {
	// Equal voxel extents, but z slices are much thicker.
	var slab []models.Voxel
	for z := 0; z < 5; z++ {
		for x := 0; x < 5; x++ {
			slab = append(slab, models.Voxel{Z: z, X: x})
		}
	}
	cal := models.Calibration{XYVoxelSize: 0.1, ZSliceThickness: 1}
	dir, err := PrincipalAxis(slab, cal)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, math.Abs(dir.Z), 1e-9)
}

func TestPrincipalAxisDegenerate(t *testing.T) {
	_, err := PrincipalAxis([]models.Voxel{{Z: 1, Y: 1, X: 1}}, unit)
	require.Error(t, err)
	assert.True(t, errdefs.IsDegenerate(err))

	_, err = PrincipalAxis([]models.Voxel{{X: 2}, {X: 2}}, unit)
	assert.True(t, errdefs.IsDegenerate(err))

	dir, err := PrincipalAxis([]models.Voxel{{Y: 0}, {Y: 1}}, unit)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dir.Y, 1e-9)
}

func TestAngleDeg(t *testing.T) {
	x := models.Point3{X: 1}
	negX := models.Point3{X: -1}

	angle, err := AngleDeg(x, negX)
	require.NoError(t, err)
	assert.InDelta(t, 180.0, angle, 0.1)

	angle, err = AngleDeg(x, x)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, angle, 0.1)

	angle, err = AngleDeg(x, models.Point3{Y: 2})
	require.NoError(t, err)
	assert.InDelta(t, 90.0, angle, 1e-9)

	// Nearly parallel vectors must not produce NaN from acos overshoot.
	angle, err = AngleDeg(models.Point3{X: 1e-8, Y: 1e-8, Z: 1e-8}, models.Point3{X: 3, Y: 3, Z: 3})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(angle))

	_, err = AngleDeg(models.Point3{}, x)
	require.Error(t, err)
	assert.True(t, errdefs.IsComputation(err))
}
