// Package report writes pipeline results as CSV tables and persists batch
// runs in a SQLite database.
package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"organelle3d/internal/models"
	"organelle3d/pkg/pipeline"
)

// MetricsColumns is the header of the metrics table.
var MetricsColumns = []string{
	"sample_id",
	"organelle_type",
	"track_id",
	"label",
	"voxel_count",
	"volume_um3",
	"surface_area_um2",
	"sphericity",
	"centroid_z",
	"centroid_y",
	"centroid_x",
	"distance_to_pseudopod",
	"distance_to_nucleus",
	"bounding_box_volume_um3",
	"density",
	"aspect_ratio",
	"direction_z",
	"direction_y",
	"direction_x",
	"status",
	"notes",
}

// SpatialColumns is the header of the spatial relationship table.
var SpatialColumns = []string{
	"cell_id",
	"centroid_global_z",
	"centroid_global_y",
	"centroid_global_x",
	"tip_global_z",
	"tip_global_y",
	"tip_global_x",
	"distance_centroid_to_target_um",
	"distance_pseudopod_tip_to_target_um",
	"angle_between_direction_and_target_vector_deg",
	"error",
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// optional renders a nil value as an empty cell.
func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func joinStatus(status []models.Status) string {
	parts := make([]string, len(status))
	for i, s := range status {
		parts[i] = string(s)
	}
	return strings.Join(parts, ";")
}

func metricsRow(r models.MetricsRecord) []string {
	track := ""
	if r.TrackID != nil {
		track = strconv.Itoa(*r.TrackID)
	}
	var dz, dy, dx string
	if d := r.DirectionVector; d != nil {
		dz, dy, dx = formatFloat(d.Z), formatFloat(d.Y), formatFloat(d.X)
	}
	return []string{
		r.SampleID,
		string(r.OrganelleType),
		track,
		strconv.Itoa(int(r.Label)),
		strconv.Itoa(r.VoxelCount),
		formatFloat(r.Volume),
		optional(r.SurfaceArea),
		optional(r.Sphericity),
		formatFloat(r.Centroid.Z),
		formatFloat(r.Centroid.Y),
		formatFloat(r.Centroid.X),
		optional(r.DistanceToPseudopod),
		optional(r.DistanceToNucleus),
		formatFloat(r.BoundingBoxVolume),
		formatFloat(r.Density),
		formatFloat(r.AspectRatio),
		dz, dy, dx,
		joinStatus(r.Status),
		strings.Join(r.Notes, "; "),
	}
}

// WriteMetricsCSV writes one row per record.
func WriteMetricsCSV(w io.Writer, records []models.MetricsRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MetricsColumns); err != nil {
		return errors.Wrap(err, "writing metrics header")
	}
	for _, r := range records {
		if err := cw.Write(metricsRow(r)); err != nil {
			return errors.Wrapf(err, "writing metrics of %s %s label %d", r.SampleID, r.OrganelleType, r.Label)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing metrics csv")
}

// WriteSpatialCSV writes one row per cell. Cells without a relationship
// keep empty values and the messages of their errors.
func WriteSpatialCSV(w io.Writer, cells []*pipeline.CellResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SpatialColumns); err != nil {
		return errors.Wrap(err, "writing spatial header")
	}
	for _, c := range cells {
		row := make([]string, len(SpatialColumns))
		row[0] = c.CellID
		if rel := c.Relationship; rel != nil {
			row[1], row[2], row[3] = formatFloat(rel.CentroidGlobal.Z), formatFloat(rel.CentroidGlobal.Y), formatFloat(rel.CentroidGlobal.X)
			row[4], row[5], row[6] = formatFloat(rel.TipGlobal.Z), formatFloat(rel.TipGlobal.Y), formatFloat(rel.TipGlobal.X)
			row[7] = formatFloat(rel.DistanceCentroidToTarget)
			row[8] = formatFloat(rel.DistanceTipToTarget)
			row[9] = formatFloat(rel.AngleDirectionToTargetDeg)
		}
		msgs := make([]string, len(c.Errors))
		for i, err := range c.Errors {
			msgs[i] = err.Error()
		}
		row[10] = strings.Join(msgs, "; ")
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "writing spatial row of %s", c.CellID)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing spatial csv")
}

// Records flattens the records of every cell of a batch, in cell order.
func Records(batch *pipeline.BatchResult) []models.MetricsRecord {
	var out []models.MetricsRecord
	for _, c := range batch.Cells {
		out = append(out, c.Records...)
	}
	return out
}
