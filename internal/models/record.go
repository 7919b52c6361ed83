package models

// Status flags a metrics record whose values are partially undefined.
type Status string

const (
	// StatusBelowMinimumSize marks instances smaller than the configured
	// minimum voxel count; surface area and sphericity are not computed.
	StatusBelowMinimumSize Status = "below_minimum_size"

	// StatusDegenerateGeometry marks instances whose isosurface or
	// covariance could not be formed.
	StatusDegenerateGeometry Status = "degenerate_geometry"
)

// MetricsRecord is the morphometric summary of one organelle instance.
// Pointer fields are nil when the value is undefined for the instance.
type MetricsRecord struct {
	SampleID      string
	OrganelleType OrganelleType

	// TrackID is set for instances reconstructed from tracking markers.
	TrackID *int

	// Label is the instance label in the LabeledVolume.
	Label int32

	VoxelCount int

	// Volume in cubic physical units
	Volume float64

	// SurfaceArea in square physical units
	SurfaceArea *float64

	// Sphericity is nominally in [0,1]; isosurface discretization can push
	// small instances slightly above 1.
	Sphericity *float64

	// Centroid in voxel coordinates
	Centroid Point3

	// DistanceToPseudopod and DistanceToNucleus are in voxel units.
	DistanceToPseudopod *float64
	DistanceToNucleus   *float64

	BoundingBoxVolume float64
	Density           float64
	AspectRatio       float64

	// DirectionVector is the unit principal axis in physical (z, y, x)
	// space, set for directional organelles only.
	DirectionVector *Point3

	Status []Status
	// Notes holds the messages of errors recorded against this instance.
	Notes []string
}

// HasStatus reports whether s is set on the record.
func (r *MetricsRecord) HasStatus(s Status) bool {
	for _, v := range r.Status {
		if v == s {
			return true
		}
	}
	return false
}

// SpatialRelationship relates one cell to an external anatomical target.
// Points are in global voxel coordinates, distances in physical units.
type SpatialRelationship struct {
	CentroidGlobal            Point3
	TipGlobal                 Point3
	DistanceCentroidToTarget  float64
	DistanceTipToTarget       float64
	AngleDirectionToTargetDeg float64
}
