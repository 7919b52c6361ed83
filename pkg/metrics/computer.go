// Package metrics computes one morphometric record per organelle instance of
// a labeled volume: volume, surface area, sphericity, bounding box density,
// aspect ratio, centroid, distances and, for directional organelles, the
// principal axis.
package metrics

import (
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
	"organelle3d/pkg/geometry"
	"organelle3d/pkg/stl"
)

// Params holds the metric parameters.
type Params struct {
	Calibration models.Calibration

	// MinVoxels is the smallest instance that gets surface metrics. Smaller
	// instances keep a record flagged below_minimum_size.
	MinVoxels int

	// IsoLevel is the occupancy threshold of the isosurface.
	IsoLevel float64

	// SurfaceSmoothing is the Gaussian sigma in voxels applied to the
	// instance indicator before meshing. Zero meshes the raw indicator.
	// Smoothing removes the staircase error of large instances but rounds
	// the corners of small ones: a 5x5x5 cube reaches sphericity ~1.03
	// against ~0.92 raw.
	SurfaceSmoothing float64
}

// DefaultParams matches the defaults of the configuration file.
func DefaultParams(cal models.Calibration) Params {
	return Params{
		Calibration:      cal,
		MinVoxels:        100,
		IsoLevel:         0.5,
		SurfaceSmoothing: 0.6,
	}
}

// Computer turns labeled volumes into metrics records.
type Computer struct {
	params Params
	logger zerolog.Logger
}

// NewComputer creates a metric computer.
func NewComputer(params Params, logger zerolog.Logger) *Computer {
	return &Computer{params: params, logger: logger}
}

// Input is one labeled organelle volume of one cell.
type Input struct {
	SampleID  string
	Organelle models.OrganelleType
	Labels    *models.LabeledVolume

	// Tracked marks labels that are track ids.
	Tracked bool

	// Reference centroids in voxel space; nil leaves the distance unset.
	PseudopodCentroid *models.Point3
	NucleusCentroid   *models.Point3
}

// Compute returns one record per positive label, in ascending label order.
// Problems with a single instance are recorded on its record and never
// abort the others; only unusable input returns an error.
func (c *Computer) Compute(in Input) ([]models.MetricsRecord, error) {
	if in.Labels == nil {
		return nil, errors.New("metrics input has no labeled volume")
	}
	if err := c.params.Calibration.Validate(); err != nil {
		return nil, err
	}

	instances := in.Labels.Instances()
	labels := in.Labels.Labels()
	records := make([]models.MetricsRecord, 0, len(labels))
	for _, label := range labels {
		records = append(records, c.instance(in, label, instances[label]))
	}

	c.logger.Debug().
		Str("sample", in.SampleID).
		Str("organelle", string(in.Organelle)).
		Int("instances", len(records)).
		Msg("computed metrics")
	return records, nil
}

func (c *Computer) instance(in Input, label int32, voxels []models.Voxel) models.MetricsRecord {
	cal := c.params.Calibration
	rec := models.MetricsRecord{
		SampleID:      in.SampleID,
		OrganelleType: in.Organelle,
		Label:         label,
		VoxelCount:    len(voxels),
		Volume:        float64(len(voxels)) * cal.VoxelVolume(),
	}
	ctx := errdefs.Context{CellID: in.SampleID, Organelle: string(in.Organelle)}
	if in.Tracked {
		id := int(label)
		rec.TrackID = &id
		ctx.TrackID = id
	}
	log := c.logger.With().
		Str("sample", in.SampleID).
		Str("organelle", string(in.Organelle)).
		Int32("label", label).
		Logger()

	rec.Centroid, _ = geometry.Centroid(voxels)
	box, _ := geometry.BoundingBox(voxels)
	rec.BoundingBoxVolume = box.Volume(cal)
	rec.Density = rec.Volume / rec.BoundingBoxVolume
	rec.AspectRatio = box.AspectRatio(cal)

	if len(voxels) < c.params.MinVoxels {
		addStatus(&rec, models.StatusBelowMinimumSize)
		log.Warn().Int("voxels", len(voxels)).Int("minimum", c.params.MinVoxels).Msg("instance below minimum size")
	} else {
		area, err := c.surfaceArea(voxels, box)
		if err != nil {
			c.degenerate(&rec, errdefs.Attribute(err, ctx), log)
		} else {
			rec.SurfaceArea = &area
			s := Sphericity(rec.Volume, area)
			rec.Sphericity = &s
		}
	}

	if in.Organelle.IsDirectional() {
		dir, err := geometry.PrincipalAxis(voxels, cal)
		if err != nil {
			c.degenerate(&rec, errdefs.Attribute(err, ctx), log)
		} else {
			rec.DirectionVector = &dir
		}
	}

	if in.PseudopodCentroid != nil {
		d := geometry.Distance(rec.Centroid, *in.PseudopodCentroid)
		rec.DistanceToPseudopod = &d
	}
	if in.NucleusCentroid != nil {
		d := geometry.Distance(rec.Centroid, *in.NucleusCentroid)
		rec.DistanceToNucleus = &d
	}
	return rec
}

func (c *Computer) degenerate(rec *models.MetricsRecord, err error, log zerolog.Logger) {
	addStatus(rec, models.StatusDegenerateGeometry)
	rec.Notes = append(rec.Notes, err.Error())
	log.Warn().Err(err).Msg("degenerate geometry")
}

func addStatus(rec *models.MetricsRecord, s models.Status) {
	if !rec.HasStatus(s) {
		rec.Status = append(rec.Status, s)
	}
}

// Sphericity is π^(1/3) (6V)^(2/3) / A.
func Sphericity(volume, area float64) float64 {
	return math.Cbrt(math.Pi) * math.Pow(6*volume, 2.0/3.0) / area
}

// surfaceArea meshes the instance and sums the facet areas in physical units.
func (c *Computer) surfaceArea(voxels []models.Voxel, box geometry.Box) (float64, error) {
	_, area, _, err := c.marchingCubes(voxels, box)
	return area, err
}

// Mesh returns the isosurface of an instance in global physical (x, y, z)
// coordinates, ready for STL export.
func (c *Computer) Mesh(voxels []models.Voxel) ([]stl.Triangle, error) {
	box, err := geometry.BoundingBox(voxels)
	if err != nil {
		return nil, errdefs.NewDegenerate("instance has no voxels")
	}
	mc, _, origin, err := c.marchingCubes(voxels, box)
	if err != nil {
		return nil, err
	}
	spacing := c.params.Calibration.Spacing()
	shift := [3]float32{
		float32(float64(origin.X) * spacing.X),
		float32(float64(origin.Y) * spacing.Y),
		float32(float64(origin.Z) * spacing.Z),
	}
	triangles := mc.GenerateTriangles()
	for i := range triangles {
		for _, v := range []*[3]float32{&triangles[i].Vertex1, &triangles[i].Vertex2, &triangles[i].Vertex3} {
			for k := range v {
				v[k] += shift[k]
			}
		}
	}
	return triangles, nil
}

// marchingCubes builds an extractor over the instance's bounding sub-volume,
// padded so the surface is never clipped. The smoothed indicator is used
// when it still crosses the iso level; structures too thin to survive the
// smoothing are meshed from the raw indicator. origin is the global voxel
// position of the sub-volume's first sample.
func (c *Computer) marchingCubes(voxels []models.Voxel, box geometry.Box) (*stl.MarchingCubes, float64, models.Voxel, error) {
	sigma := c.params.SurfaceSmoothing
	pad := 1 + kernelRadius(sigma)
	size := box.Size()
	w, h, d := size.X+2*pad, size.Y+2*pad, size.Z+2*pad
	origin := models.Voxel{Z: box.Min.Z - pad, Y: box.Min.Y - pad, X: box.Min.X - pad}

	raw := make([]float64, w*h*d)
	for _, v := range voxels {
		z, y, x := v.Z-origin.Z, v.Y-origin.Y, v.X-origin.X
		raw[z*w*h+y*w+x] = 1
	}

	cal := c.params.Calibration
	build := func(field []float64) *stl.MarchingCubes {
		mc := stl.NewMarchingCubes(field, w, h, d, c.params.IsoLevel)
		mc.SetScale64(cal.XYVoxelSize, cal.XYVoxelSize, cal.ZSliceThickness)
		return mc
	}

	if sigma > 0 {
		mc := build(smooth(raw, w, h, d, sigma))
		if area, n := mc.Measure(); n > 0 {
			return mc, area, origin, nil
		}
		c.logger.Debug().Int("voxels", len(voxels)).Msg("smoothed indicator vanished, meshing raw voxels")
	}
	mc := build(raw)
	area, n := mc.Measure()
	if n == 0 {
		return nil, 0, origin, errdefs.NewDegenerate("isosurface of %d voxels has no triangles", len(voxels))
	}
	return mc, area, origin, nil
}
