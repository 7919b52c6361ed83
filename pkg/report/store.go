package report

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"organelle3d/internal/models"
	"organelle3d/pkg/pipeline"
)

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		cells INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		organelle_type TEXT NOT NULL,
		label INTEGER NOT NULL,
		track_id INTEGER,
		voxel_count INTEGER NOT NULL,
		volume_um3 REAL NOT NULL,
		surface_area_um2 REAL,
		sphericity REAL,
		centroid_z REAL NOT NULL,
		centroid_y REAL NOT NULL,
		centroid_x REAL NOT NULL,
		distance_to_pseudopod REAL,
		distance_to_nucleus REAL,
		bounding_box_volume_um3 REAL NOT NULL,
		density REAL NOT NULL,
		aspect_ratio REAL NOT NULL,
		direction_z REAL,
		direction_y REAL,
		direction_x REAL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL,
		PRIMARY KEY (run_id, sample_id, organelle_type, label),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE TABLE IF NOT EXISTS spatial (
		run_id TEXT NOT NULL,
		cell_id TEXT NOT NULL,
		centroid_global_z REAL NOT NULL,
		centroid_global_y REAL NOT NULL,
		centroid_global_x REAL NOT NULL,
		tip_global_z REAL NOT NULL,
		tip_global_y REAL NOT NULL,
		tip_global_x REAL NOT NULL,
		distance_centroid_to_target_um REAL NOT NULL,
		distance_pseudopod_tip_to_target_um REAL NOT NULL,
		angle_between_direction_and_target_vector_deg REAL NOT NULL,
		PRIMARY KEY (run_id, cell_id),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE TABLE IF NOT EXISTS cell_errors (
		run_id TEXT NOT NULL,
		cell_id TEXT NOT NULL,
		message TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);
`

// Store persists batch runs in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connect to %s", path)
	}
	return &Store{db: db}, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create schema")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// SaveRun stores a batch in one transaction.
func (s *Store) SaveRun(ctx context.Context, batch *pipeline.BatchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	runID := batch.RunID.String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, cells)
		VALUES (?, ?, ?, ?)`,
		runID,
		batch.Started.Format(time.RFC3339Nano),
		batch.Finished.Format(time.RFC3339Nano),
		len(batch.Cells),
	); err != nil {
		return errors.Wrap(err, "insert run")
	}

	for _, c := range batch.Cells {
		for _, r := range c.Records {
			if err := insertRecord(ctx, tx, runID, r); err != nil {
				return err
			}
		}
		if rel := c.Relationship; rel != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO spatial (run_id, cell_id, centroid_global_z, centroid_global_y, centroid_global_x,
					tip_global_z, tip_global_y, tip_global_x, distance_centroid_to_target_um,
					distance_pseudopod_tip_to_target_um, angle_between_direction_and_target_vector_deg)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, c.CellID,
				rel.CentroidGlobal.Z, rel.CentroidGlobal.Y, rel.CentroidGlobal.X,
				rel.TipGlobal.Z, rel.TipGlobal.Y, rel.TipGlobal.X,
				rel.DistanceCentroidToTarget, rel.DistanceTipToTarget, rel.AngleDirectionToTargetDeg,
			); err != nil {
				return errors.Wrapf(err, "insert spatial relationship of %s", c.CellID)
			}
		}
		for _, cerr := range c.Errors {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cell_errors (run_id, cell_id, message) VALUES (?, ?, ?)`,
				runID, c.CellID, cerr.Error(),
			); err != nil {
				return errors.Wrapf(err, "insert error of %s", c.CellID)
			}
		}
	}

	return errors.Wrap(tx.Commit(), "commit run")
}

func insertRecord(ctx context.Context, tx *sql.Tx, runID string, r models.MetricsRecord) error {
	var track sql.NullInt64
	if r.TrackID != nil {
		track = sql.NullInt64{Int64: int64(*r.TrackID), Valid: true}
	}
	var dz, dy, dx sql.NullFloat64
	if d := r.DirectionVector; d != nil {
		dz, dy, dx = nullFloat(&d.Z), nullFloat(&d.Y), nullFloat(&d.X)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metrics (run_id, sample_id, organelle_type, label, track_id, voxel_count, volume_um3,
			surface_area_um2, sphericity, centroid_z, centroid_y, centroid_x, distance_to_pseudopod,
			distance_to_nucleus, bounding_box_volume_um3, density, aspect_ratio,
			direction_z, direction_y, direction_x, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.SampleID, string(r.OrganelleType), r.Label, track, r.VoxelCount, r.Volume,
		nullFloat(r.SurfaceArea), nullFloat(r.Sphericity),
		r.Centroid.Z, r.Centroid.Y, r.Centroid.X,
		nullFloat(r.DistanceToPseudopod), nullFloat(r.DistanceToNucleus),
		r.BoundingBoxVolume, r.Density, r.AspectRatio,
		dz, dy, dx,
		joinStatus(r.Status), strings.Join(r.Notes, "\n"),
	)
	return errors.Wrapf(err, "insert metrics of %s %s label %d", r.SampleID, r.OrganelleType, r.Label)
}

// Records loads the metrics of a run ordered by sample, organelle and label.
func (s *Store) Records(ctx context.Context, runID uuid.UUID) ([]models.MetricsRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sample_id, organelle_type, label, track_id, voxel_count, volume_um3, surface_area_um2,
			sphericity, centroid_z, centroid_y, centroid_x, distance_to_pseudopod, distance_to_nucleus,
			bounding_box_volume_um3, density, aspect_ratio, direction_z, direction_y, direction_x,
			status, notes
		FROM metrics WHERE run_id = ?
		ORDER BY sample_id, organelle_type, label`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query metrics")
	}
	defer rows.Close()

	var out []models.MetricsRecord
	for rows.Next() {
		var (
			r                      models.MetricsRecord
			organelle, status, nts string
			track                  sql.NullInt64
			area, sph, dp, dn      sql.NullFloat64
			dz, dy, dx             sql.NullFloat64
		)
		if err := rows.Scan(&r.SampleID, &organelle, &r.Label, &track, &r.VoxelCount, &r.Volume, &area,
			&sph, &r.Centroid.Z, &r.Centroid.Y, &r.Centroid.X, &dp, &dn,
			&r.BoundingBoxVolume, &r.Density, &r.AspectRatio, &dz, &dy, &dx,
			&status, &nts); err != nil {
			return nil, errors.Wrap(err, "scan metrics row")
		}
		r.OrganelleType = models.OrganelleType(organelle)
		if track.Valid {
			id := int(track.Int64)
			r.TrackID = &id
		}
		r.SurfaceArea, r.Sphericity = floatPtr(area), floatPtr(sph)
		r.DistanceToPseudopod, r.DistanceToNucleus = floatPtr(dp), floatPtr(dn)
		if dz.Valid && dy.Valid && dx.Valid {
			r.DirectionVector = &models.Point3{Z: dz.Float64, Y: dy.Float64, X: dx.Float64}
		}
		if status != "" {
			for _, s := range strings.Split(status, ";") {
				r.Status = append(r.Status, models.Status(s))
			}
		}
		if nts != "" {
			r.Notes = strings.Split(nts, "\n")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate metrics")
}

// Relationships loads the spatial relationships of a run keyed by cell id.
func (s *Store) Relationships(ctx context.Context, runID uuid.UUID) (map[string]models.SpatialRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id, centroid_global_z, centroid_global_y, centroid_global_x,
			tip_global_z, tip_global_y, tip_global_x, distance_centroid_to_target_um,
			distance_pseudopod_tip_to_target_um, angle_between_direction_and_target_vector_deg
		FROM spatial WHERE run_id = ?`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query spatial")
	}
	defer rows.Close()

	out := make(map[string]models.SpatialRelationship)
	for rows.Next() {
		var (
			id  string
			rel models.SpatialRelationship
		)
		if err := rows.Scan(&id,
			&rel.CentroidGlobal.Z, &rel.CentroidGlobal.Y, &rel.CentroidGlobal.X,
			&rel.TipGlobal.Z, &rel.TipGlobal.Y, &rel.TipGlobal.X,
			&rel.DistanceCentroidToTarget, &rel.DistanceTipToTarget, &rel.AngleDirectionToTargetDeg); err != nil {
			return nil, errors.Wrap(err, "scan spatial row")
		}
		out[id] = rel
	}
	return out, errors.Wrap(rows.Err(), "iterate spatial")
}

// Errors loads the error messages of a run keyed by cell id.
func (s *Store) Errors(ctx context.Context, runID uuid.UUID) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id, message FROM cell_errors WHERE run_id = ? ORDER BY rowid`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query errors")
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var id, msg string
		if err := rows.Scan(&id, &msg); err != nil {
			return nil, errors.Wrap(err, "scan error row")
		}
		out[id] = append(out[id], msg)
	}
	return out, errors.Wrap(rows.Err(), "iterate errors")
}
