// Package spatial relates a cell to an external anatomical target: the
// distances from the cell centroid and from the pseudopod tip to the
// target, and the angle between the pseudopod direction and the
// tip-to-target vector.
package spatial

import (
	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
	"organelle3d/pkg/geometry"
)

// Offset is the (y, x) position of a cropped mask inside the full image.
type Offset struct {
	Y, X float64
}

// Global maps a crop-space point to full-image coordinates. z is unchanged.
func (o Offset) Global(p models.Point3) models.Point3 {
	return models.Point3{Z: p.Z, Y: p.Y + o.Y, X: p.X + o.X}
}

// Input holds the points of one cell in the voxel space of its cropped
// masks. Target is already in global voxel coordinates.
type Input struct {
	CellCentroid models.Point3

	// Tip is the pseudopod voxel farthest along Direction.
	Tip *models.Point3

	// Direction is the unit pseudopod axis in physical (z, y, x) space.
	Direction *models.Point3

	Target *models.Point3

	CropOffset Offset
}

// Tip is the oriented principal axis of an instance and its extremal voxel.
type Tip struct {
	Centroid  models.Point3
	Direction models.Point3
	Voxel     models.Voxel
}

// TipFromInstance orients the principal axis of the voxels from their
// centroid toward the extremal voxel, which becomes the tip.
func TipFromInstance(voxels []models.Voxel, cal models.Calibration) (Tip, error) {
	centroid, err := geometry.Centroid(voxels)
	if err != nil {
		return Tip{}, errdefs.NewComputation("pseudopod has no voxels")
	}
	dir, err := geometry.PrincipalAxis(voxels, cal)
	if err != nil {
		return Tip{}, err
	}
	tip, err := geometry.ExtremalVoxel(voxels, dir, cal)
	if err != nil {
		return Tip{}, err
	}
	return Tip{Centroid: centroid, Direction: dir, Voxel: tip}, nil
}

// Compute derives the relationship of one cell. Distances are physical.
// A missing or zero direction, a missing tip or target, and a tip lying on
// the target are ComputationErrors; no value is substituted.
func Compute(in Input, cal models.Calibration) (models.SpatialRelationship, error) {
	var rel models.SpatialRelationship
	if err := cal.Validate(); err != nil {
		return rel, errdefs.NewComputation("%v", err)
	}
	if in.Target == nil {
		return rel, errdefs.NewComputation("no reference target")
	}
	if in.Direction == nil {
		return rel, errdefs.NewComputation("no pseudopod direction")
	}
	if in.Tip == nil {
		return rel, errdefs.NewComputation("no pseudopod tip")
	}

	rel.CentroidGlobal = in.CropOffset.Global(in.CellCentroid)
	rel.TipGlobal = in.CropOffset.Global(*in.Tip)
	target := *in.Target

	rel.DistanceCentroidToTarget = geometry.PhysicalDistance(rel.CentroidGlobal, target, cal)
	rel.DistanceTipToTarget = geometry.PhysicalDistance(rel.TipGlobal, target, cal)

	toTarget := geometry.ToPhysical(target, cal).Sub(geometry.ToPhysical(rel.TipGlobal, cal))
	if rel.DistanceTipToTarget == 0 {
		return rel, errdefs.NewComputation("pseudopod tip coincides with the target")
	}
	angle, err := geometry.AngleDeg(*in.Direction, toTarget)
	if err != nil {
		return rel, err
	}
	rel.AngleDirectionToTargetDeg = angle
	return rel, nil
}
