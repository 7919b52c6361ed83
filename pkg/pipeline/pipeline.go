// Package pipeline runs the per-cell analysis: reference centroids,
// instance reconstruction and metrics for every organelle, then the
// spatial relationship of the cell to the anatomical target. Batches of
// cells are processed concurrently.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
	"organelle3d/pkg/config"
	"organelle3d/pkg/geometry"
	"organelle3d/pkg/metrics"
	"organelle3d/pkg/reconstruction"
	"organelle3d/pkg/spatial"
	"organelle3d/pkg/stack"
	"organelle3d/pkg/stl"
	"organelle3d/pkg/tracking"
	"organelle3d/pkg/visualization"
)

// Options configures a Processor.
type Options struct {
	Calibration    models.Calibration
	Reconstruction *reconstruction.Params
	Metrics        metrics.Params
	Normalizer     *tracking.Normalizer

	// RestrictToCell clips the mitochondria and nucleus masks to the
	// whole-cell mask before reconstruction.
	RestrictToCell bool

	// NumCores is the number of cells processed at once.
	NumCores int

	// Target is the default anatomical reference in global voxels.
	Target *models.Point3

	// MeshDir receives one STL per instance when set.
	MeshDir string

	// OverlayDir receives labeled slice images when set. Tracked
	// organelles only export the slices of frames seen by at least
	// MinTracks tracks.
	OverlayDir string
	MinTracks  int
}

// OptionsFromConfig derives the processor options of a loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	strategy, err := reconstruction.ParseStrategy(cfg.Reconstruction.Strategy)
	if err != nil {
		return Options{}, err
	}
	mp := metrics.DefaultParams(cfg.Calibration)
	mp.MinVoxels = cfg.Metrics.MinVoxels
	mp.IsoLevel = cfg.Metrics.IsoLevel
	mp.SurfaceSmoothing = cfg.Metrics.SurfaceSmoothing

	return Options{
		Calibration: cfg.Calibration,
		Reconstruction: &reconstruction.Params{
			Connectivity:    cfg.Reconstruction.Connectivity,
			Strategy:        strategy,
			MaxLinkRadius:   cfg.Reconstruction.MaxLinkRadius,
			KeepLargestOnly: cfg.Reconstruction.KeepLargestOnly,
		},
		Metrics: mp,
		Normalizer: &tracking.Normalizer{
			BlockSize:       cfg.Tracking.BlockSize,
			SeparatorPrefix: cfg.Tracking.SeparatorPrefix,
		},
		RestrictToCell: cfg.Processing.RestrictToCell,
		NumCores:       cfg.Processing.NumCores,
		Target:         cfg.ReferencePoint(),
		MinTracks:      cfg.Tracking.MinTracks,
	}, nil
}

// CellInput holds the cropped masks and tracking data of one cell.
type CellInput struct {
	CellID string

	Masks map[models.OrganelleType]*models.BinaryVolume

	// Tracks holds parsed tracking tables. TrackExports holds raw exports
	// that are normalized on use; a parsed table takes precedence.
	Tracks       map[models.OrganelleType]*models.TrackingTable
	TrackExports map[models.OrganelleType]io.Reader

	// CropOffset is the position of the cropped masks in the full image.
	CropOffset spatial.Offset

	// Target overrides Options.Target when set.
	Target *models.Point3
}

// CellResult is the outcome of one cell. Errors lists every scoped failure;
// a failure never removes the results of other organelles or steps.
type CellResult struct {
	CellID       string
	Records      []models.MetricsRecord
	Relationship *models.SpatialRelationship
	Reports      map[models.OrganelleType]reconstruction.Report
	Errors       []error
}

// BatchResult is the outcome of ProcessBatch. Cells are in input order.
type BatchResult struct {
	RunID    uuid.UUID
	Started  time.Time
	Finished time.Time
	Cells    []*CellResult
}

// Processor runs the pipeline. It may be shared between goroutines.
type Processor struct {
	opts          Options
	reconstructor *reconstruction.Reconstructor
	computer      *metrics.Computer
	logger        zerolog.Logger
}

// NewProcessor creates a processor. Metrics use opts.Calibration when
// opts.Metrics carries none.
func NewProcessor(opts Options, logger zerolog.Logger) *Processor {
	if opts.NumCores < 1 {
		opts.NumCores = runtime.NumCPU()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = tracking.NewNormalizer()
	}
	if opts.Metrics.Calibration == (models.Calibration{}) {
		opts.Metrics.Calibration = opts.Calibration
	}
	if opts.Metrics.MinVoxels == 0 && opts.Metrics.IsoLevel == 0 {
		opts.Metrics = metrics.DefaultParams(opts.Metrics.Calibration)
	}
	return &Processor{
		opts:          opts,
		reconstructor: reconstruction.NewReconstructor(opts.Reconstruction, logger.With().Str("component", "reconstruction").Logger()),
		computer:      metrics.NewComputer(opts.Metrics, logger.With().Str("component", "metrics").Logger()),
		logger:        logger,
	}
}

// ProcessCell analyses one cell.
func (p *Processor) ProcessCell(in CellInput) *CellResult {
	res := &CellResult{
		CellID:  in.CellID,
		Reports: make(map[models.OrganelleType]reconstruction.Report),
	}
	log := p.logger.With().Str("cell", in.CellID).Logger()
	fail := func(org models.OrganelleType, err error) {
		err = errdefs.Attribute(err, errdefs.Context{CellID: in.CellID, Organelle: string(org)})
		res.Errors = append(res.Errors, err)
		log.Error().Err(err).Str("organelle", string(org)).Msg("organelle step failed")
	}

	masks := p.prepareMasks(in, log)

	// Reference centroids come from the largest component of each mask.
	largest := make(map[models.OrganelleType]*models.BinaryVolume)
	centroids := make(map[models.OrganelleType]*models.Point3)
	for _, org := range []models.OrganelleType{models.Pseudopod, models.Nucleus, models.Cell} {
		mask, ok := masks[org]
		if !ok {
			continue
		}
		lc, err := p.reconstructor.LargestComponent(mask)
		if err != nil {
			fail(org, err)
			continue
		}
		c, err := geometry.MaskCentroid(lc)
		if err != nil {
			log.Warn().Str("organelle", string(org)).Msg("empty mask, no reference centroid")
			continue
		}
		largest[org] = lc
		centroids[org] = &c
	}

	for _, org := range models.AllOrganelles {
		mask, ok := masks[org]
		if !ok {
			continue
		}
		table, err := p.trackingTable(in, org)
		if err != nil {
			fail(org, err)
			continue
		}
		recon, err := p.reconstructor.Reconstruct(mask, org, table)
		if err != nil {
			fail(org, err)
			continue
		}
		if recon.Tracked {
			res.Reports[org] = recon.Report
		}

		records, err := p.computer.Compute(metrics.Input{
			SampleID:          in.CellID,
			Organelle:         org,
			Labels:            recon.Labels,
			Tracked:           recon.Tracked,
			PseudopodCentroid: centroids[models.Pseudopod],
			NucleusCentroid:   centroids[models.Nucleus],
		})
		if err != nil {
			fail(org, err)
			continue
		}
		if recon.DroppedComponents > 0 {
			note := fmt.Sprintf("kept largest component, dropped %d smaller (%d voxels)", recon.DroppedComponents, recon.DroppedVoxels)
			for i := range records {
				records[i].Notes = append(records[i].Notes, note)
			}
		}
		res.Records = append(res.Records, records...)

		if p.opts.MeshDir != "" {
			if err := p.saveMeshes(in.CellID, org, recon.Labels); err != nil {
				fail(org, err)
			}
		}
		if p.opts.OverlayDir != "" {
			if err := p.saveOverlay(in.CellID, org, recon.Labels, table); err != nil {
				fail(org, err)
			}
		}
	}

	rel, err := p.relationship(in, largest[models.Pseudopod], centroids[models.Cell])
	if err != nil {
		fail(models.Pseudopod, err)
	} else {
		res.Relationship = &rel
	}

	log.Info().
		Int("records", len(res.Records)).
		Int("errors", len(res.Errors)).
		Bool("spatial", res.Relationship != nil).
		Msg("cell processed")
	return res
}

// prepareMasks copies the input masks and, when enabled, restricts the
// organelles that must lie within the cell.
func (p *Processor) prepareMasks(in CellInput, log zerolog.Logger) map[models.OrganelleType]*models.BinaryVolume {
	masks := make(map[models.OrganelleType]*models.BinaryVolume, len(in.Masks))
	for org, m := range in.Masks {
		if m != nil {
			masks[org] = m.Clone()
		}
	}
	cell, ok := masks[models.Cell]
	if !p.opts.RestrictToCell || !ok {
		return masks
	}
	for _, org := range []models.OrganelleType{models.Mitochondria, models.Nucleus} {
		m, ok := masks[org]
		if !ok {
			continue
		}
		if !stack.Restrict(m, cell) {
			log.Warn().Str("organelle", string(org)).Msg("mask shape differs from cell mask, not restricted")
		}
	}
	return masks
}

// trackingTable returns the table of a multi-instance organelle, or nil
// when the cell has none.
func (p *Processor) trackingTable(in CellInput, org models.OrganelleType) (*models.TrackingTable, error) {
	if !org.IsMultiInstance() {
		return nil, nil
	}
	if t, ok := in.Tracks[org]; ok && t != nil {
		return t, nil
	}
	r, ok := in.TrackExports[org]
	if !ok || r == nil {
		return nil, nil
	}
	table, err := p.opts.Normalizer.Parse(r)
	if err != nil {
		return nil, errors.Wrapf(err, "normalize %s tracks", org)
	}
	return table, nil
}

// relationship locates the pseudopod tip and relates it to the target.
func (p *Processor) relationship(in CellInput, pseudopod *models.BinaryVolume, cellCentroid *models.Point3) (models.SpatialRelationship, error) {
	if pseudopod == nil {
		return models.SpatialRelationship{}, errdefs.NewComputation("no pseudopod mask")
	}
	if cellCentroid == nil {
		return models.SpatialRelationship{}, errdefs.NewComputation("no cell centroid")
	}
	tip, err := spatial.TipFromInstance(geometry.MaskVoxels(pseudopod), p.opts.Calibration)
	if err != nil {
		return models.SpatialRelationship{}, err
	}
	target := in.Target
	if target == nil {
		target = p.opts.Target
	}
	tipPoint := tip.Voxel.Point()
	return spatial.Compute(spatial.Input{
		CellCentroid: *cellCentroid,
		Tip:          &tipPoint,
		Direction:    &tip.Direction,
		Target:       target,
		CropOffset:   in.CropOffset,
	}, p.opts.Calibration)
}

// saveMeshes writes <MeshDir>/<cell>/<organelle>_<label>.stl per instance.
// Instances without a surface are skipped.
func (p *Processor) saveMeshes(cellID string, org models.OrganelleType, labels *models.LabeledVolume) error {
	dir := filepath.Join(p.opts.MeshDir, cellID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create mesh directory")
	}
	for label, voxels := range labels.Instances() {
		if len(voxels) < p.opts.Metrics.MinVoxels {
			continue
		}
		triangles, err := p.computer.Mesh(voxels)
		if errdefs.IsDegenerate(err) {
			continue
		}
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.stl", org, label))
		if err := stl.SaveToSTL(path, triangles); err != nil {
			return errors.Wrapf(err, "save mesh %s", path)
		}
	}
	return nil
}

// saveOverlay writes labeled z slices to <OverlayDir>/<cell>/<organelle>.
func (p *Processor) saveOverlay(cellID string, org models.OrganelleType, labels *models.LabeledVolume, table *models.TrackingTable) error {
	viewer := visualization.NewViewer(labels).WithTracks(table)
	dir := filepath.Join(p.opts.OverlayDir, cellID, string(org))
	if table == nil {
		return viewer.SaveSliceSequence("z", dir)
	}
	var positions []int
	for _, f := range table.FramesWithMinTracks(p.opts.MinTracks) {
		if z := f - 1; z >= 0 && z < labels.Depth {
			positions = append(positions, z)
		}
	}
	if len(positions) == 0 {
		return nil
	}
	return viewer.SaveSlices("z", positions, dir)
}

// ProcessBatch processes cells concurrently on NumCores workers. Cells not
// started before ctx is done get ctx's error as their only error.
func (p *Processor) ProcessBatch(ctx context.Context, cells []CellInput) *BatchResult {
	batch := &BatchResult{
		RunID:   uuid.New(),
		Started: time.Now(),
		Cells:   make([]*CellResult, len(cells)),
	}
	log := p.logger.With().Str("run", batch.RunID.String()).Logger()
	log.Info().Int("cells", len(cells)).Int("cores", p.opts.NumCores).Msg("starting batch")

	type processingResult struct {
		idx    int
		result *CellResult
	}
	resultChan := make(chan processingResult)
	slots := make(chan struct{}, p.opts.NumCores)

	for i := range cells {
		go func(idx int, in CellInput) {
			var res *CellResult
			select {
			case slots <- struct{}{}:
				if err := ctx.Err(); err != nil {
					res = &CellResult{CellID: in.CellID, Errors: []error{err}}
				} else {
					res = p.ProcessCell(in)
				}
				<-slots
			case <-ctx.Done():
				res = &CellResult{CellID: in.CellID, Errors: []error{ctx.Err()}}
			}
			resultChan <- processingResult{idx: idx, result: res}
		}(i, cells[i])
	}

	// Collect results
	for completed := 0; completed < len(cells); completed++ {
		res := <-resultChan
		batch.Cells[res.idx] = res.result
		log.Debug().
			Str("cell", res.result.CellID).
			Int("completed", completed+1).
			Int("total", len(cells)).
			Msg("cell done")
	}

	batch.Finished = time.Now()
	log.Info().Dur("elapsed", batch.Finished.Sub(batch.Started)).Msg("batch finished")
	return batch
}
