package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
)

var unit = models.Calibration{XYVoxelSize: 1, ZSliceThickness: 1}

func pt(z, y, x float64) *models.Point3 { return &models.Point3{Z: z, Y: y, X: x} }

func TestAngleBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		target *models.Point3
		want   float64
	}{
		{"pointing away", pt(0, 0, 0), 180},
		{"pointing at", pt(0, 0, 20), 0},
		{"perpendicular", pt(0, 7, 10), 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, err := Compute(Input{
				Tip:       pt(0, 0, 10),
				Direction: pt(0, 0, 1),
				Target:    tt.target,
			}, unit)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, rel.AngleDirectionToTargetDeg, 0.1)
		})
	}
}

func TestCropOffsetAndDistances(t *testing.T) {
	cal := models.Calibration{XYVoxelSize: 0.5, ZSliceThickness: 2}
	rel, err := Compute(Input{
		CellCentroid: models.Point3{Z: 1, Y: 2, X: 3},
		Tip:          pt(1, 2, 9),
		Direction:    pt(0, 0, 1),
		Target:       pt(4, 12, 23),
		CropOffset:   Offset{Y: 10, X: 20},
	}, cal)
	require.NoError(t, err)

	assert.Equal(t, models.Point3{Z: 1, Y: 12, X: 23}, rel.CentroidGlobal)
	assert.Equal(t, models.Point3{Z: 1, Y: 12, X: 29}, rel.TipGlobal)
	// centroid to target: only z differs, 3 slices of 2
	assert.InDelta(t, 6.0, rel.DistanceCentroidToTarget, 1e-12)
	// tip to target: dz = 6, dx = -6 * 0.5 = -3
	assert.InDelta(t, 6.708203932, rel.DistanceTipToTarget, 1e-9)
	assert.Greater(t, rel.AngleDirectionToTargetDeg, 90.0)
	assert.LessOrEqual(t, rel.AngleDirectionToTargetDeg, 180.0)
}

func TestComputeErrors(t *testing.T) {
	base := func() Input {
		return Input{Tip: pt(0, 0, 1), Direction: pt(0, 0, 1), Target: pt(0, 0, 5)}
	}
	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"missing target", func(in *Input) { in.Target = nil }},
		{"missing direction", func(in *Input) { in.Direction = nil }},
		{"zero direction", func(in *Input) { in.Direction = pt(0, 0, 0) }},
		{"missing tip", func(in *Input) { in.Tip = nil }},
		{"tip on target", func(in *Input) { in.Target = pt(0, 0, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base()
			tt.mutate(&in)
			_, err := Compute(in, unit)
			require.Error(t, err)
			assert.True(t, errdefs.IsComputation(err), "got %v", err)
		})
	}

	_, err := Compute(base(), models.Calibration{})
	assert.True(t, errdefs.IsComputation(err))
}

func TestTipFromInstance(t *testing.T) {
	var voxels []models.Voxel
	for x := 0; x < 20; x++ {
		voxels = append(voxels, models.Voxel{X: x})
	}
	// thicker base at x=19 sends the tip to x=0
	voxels = append(voxels, models.Voxel{Y: 1, X: 19}, models.Voxel{Y: 1, X: 18})

	tip, err := TipFromInstance(voxels, unit)
	require.NoError(t, err)
	assert.Equal(t, models.Voxel{X: 0}, tip.Voxel)
	assert.Less(t, tip.Direction.X, -0.9)

	// The tip then points away from a target beyond the base.
	tipPoint := tip.Voxel.Point()
	rel, err := Compute(Input{
		CellCentroid: tip.Centroid,
		Tip:          &tipPoint,
		Direction:    &tip.Direction,
		Target:       pt(0, 0, 40),
	}, unit)
	require.NoError(t, err)
	assert.Greater(t, rel.AngleDirectionToTargetDeg, 170.0)

	_, err = TipFromInstance(nil, unit)
	assert.True(t, errdefs.IsComputation(err))

	_, err = TipFromInstance([]models.Voxel{{X: 1}}, unit)
	assert.True(t, errdefs.IsDegenerate(err))
}
