package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
	"organelle3d/pkg/config"
	"organelle3d/pkg/metrics"
	"organelle3d/pkg/reconstruction"
	"organelle3d/pkg/spatial"
)

const (
	depth, height, width = 6, 20, 40
)

var unit = models.Calibration{XYVoxelSize: 1, ZSliceThickness: 1}

func fillBox(m *models.BinaryVolume, z0, z1, y0, y1, x0, x1 int) {
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				m.Set(z, y, x, true)
			}
		}
	}
}

func testOptions() Options {
	mp := metrics.DefaultParams(unit)
	mp.MinVoxels = 10
	p := reconstruction.DefaultParams()
	p.KeepLargestOnly = true
	return Options{
		Calibration:    unit,
		Reconstruction: p,
		Metrics:        mp,
		RestrictToCell: true,
		NumCores:       2,
		Target:         &models.Point3{Z: 3, Y: 10, X: 100},
		MinTracks:      2,
	}
}

const mitoTracks = `Frame,Track,X,Y
2,1,12,16
3,1,12,16
4,1,12,16
2,2,22,16
3,2,22,16
4,2,22,16
`

// testCell builds a cell whose pseudopod points toward -x, with a nucleus
// poking out of the cell mask and two tracked mitochondria.
func testCell(id string) CellInput {
	cell := models.NewBinaryVolume(depth, height, width)
	fillBox(cell, 0, depth, 0, height, 0, 36)

	pseudopod := models.NewBinaryVolume(depth, height, width)
	fillBox(pseudopod, 2, 4, 8, 12, 5, 30)
	fillBox(pseudopod, 2, 4, 6, 14, 25, 30)

	nucleus := models.NewBinaryVolume(depth, height, width)
	fillBox(nucleus, 1, 5, 2, 6, 32, 38)

	mito := models.NewBinaryVolume(depth, height, width)
	fillBox(mito, 1, 4, 14, 18, 10, 14)
	fillBox(mito, 1, 4, 14, 18, 20, 24)

	return CellInput{
		CellID: id,
		Masks: map[models.OrganelleType]*models.BinaryVolume{
			models.Cell:         cell,
			models.Pseudopod:    pseudopod,
			models.Nucleus:      nucleus,
			models.Mitochondria: mito,
		},
		TrackExports: map[models.OrganelleType]io.Reader{
			models.Mitochondria: strings.NewReader(mitoTracks),
		},
	}
}

func recordsOf(res *CellResult, org models.OrganelleType) []models.MetricsRecord {
	var out []models.MetricsRecord
	for _, r := range res.Records {
		if r.OrganelleType == org {
			out = append(out, r)
		}
	}
	return out
}

func TestProcessCell(t *testing.T) {
	in := testCell("cell-1")
	nucleusBefore := in.Masks[models.Nucleus].Count()

	res := NewProcessor(testOptions(), zerolog.Nop()).ProcessCell(in)
	require.Empty(t, res.Errors)
	assert.Equal(t, "cell-1", res.CellID)

	// input masks are not modified by the restriction
	assert.Equal(t, nucleusBefore, in.Masks[models.Nucleus].Count())

	nucleus := recordsOf(res, models.Nucleus)
	require.Len(t, nucleus, 1)
	assert.Equal(t, 4*4*4, nucleus[0].VoxelCount)
	assert.Nil(t, nucleus[0].TrackID)

	mito := recordsOf(res, models.Mitochondria)
	require.Len(t, mito, 2)
	for i, r := range mito {
		require.NotNil(t, r.TrackID)
		assert.Equal(t, i+1, *r.TrackID)
		assert.Equal(t, 48, r.VoxelCount)
		assert.NotNil(t, r.SurfaceArea)
		assert.NotNil(t, r.DistanceToPseudopod)
		assert.NotNil(t, r.DistanceToNucleus)
		assert.Nil(t, r.DirectionVector)
	}
	report, ok := res.Reports[models.Mitochondria]
	require.True(t, ok)
	assert.Equal(t, 6, report.Totals().Markers)

	pseudopod := recordsOf(res, models.Pseudopod)
	require.Len(t, pseudopod, 1)
	require.NotNil(t, pseudopod[0].DirectionVector)
	assert.Less(t, pseudopod[0].DirectionVector.X, -0.9)

	require.Len(t, recordsOf(res, models.Cell), 1)

	require.NotNil(t, res.Relationship)
	assert.Equal(t, 5.0, res.Relationship.TipGlobal.X)
	assert.Greater(t, res.Relationship.AngleDirectionToTargetDeg, 150.0)
	assert.InDelta(t, 95.0, res.Relationship.DistanceTipToTarget, 3)
}

func TestProcessCellNotesDroppedComponents(t *testing.T) {
	in := testCell("stray")
	in.Masks[models.Nucleus].Set(0, 0, 0, true)

	res := NewProcessor(testOptions(), zerolog.Nop()).ProcessCell(in)
	require.Empty(t, res.Errors)
	nucleus := recordsOf(res, models.Nucleus)
	require.Len(t, nucleus, 1)
	assert.Equal(t, 64, nucleus[0].VoxelCount)
	assert.Contains(t, nucleus[0].Notes, "kept largest component, dropped 1 smaller (1 voxels)")

	for _, r := range recordsOf(res, models.Pseudopod) {
		assert.Empty(t, r.Notes)
	}
}

func TestProcessCellScopesFormatErrors(t *testing.T) {
	in := testCell("cell-bad")
	mo := models.NewBinaryVolume(depth, height, width)
	fillBox(mo, 1, 3, 2, 5, 2, 5)
	in.Masks[models.MembranousOrganelle] = mo
	in.TrackExports[models.MembranousOrganelle] = strings.NewReader("Frame,Track,X,Y\n2,1,abc,3\n")

	res := NewProcessor(testOptions(), zerolog.Nop()).ProcessCell(in)
	require.Len(t, res.Errors, 1)
	assert.True(t, errdefs.IsFormat(res.Errors[0]), "got %v", res.Errors[0])
	assert.Contains(t, res.Errors[0].Error(), "cell=cell-bad")
	assert.Contains(t, res.Errors[0].Error(), "organelle=MO")

	assert.Empty(t, recordsOf(res, models.MembranousOrganelle))
	assert.Len(t, recordsOf(res, models.Mitochondria), 2)
	assert.NotNil(t, res.Relationship)
}

func TestProcessCellSpatialErrors(t *testing.T) {
	in := testCell("no-pseudopod")
	delete(in.Masks, models.Pseudopod)

	res := NewProcessor(testOptions(), zerolog.Nop()).ProcessCell(in)
	assert.Nil(t, res.Relationship)
	require.Len(t, res.Errors, 1)
	assert.True(t, errdefs.IsComputation(res.Errors[0]))
	// distances to the missing pseudopod stay unset
	for _, r := range recordsOf(res, models.Mitochondria) {
		assert.Nil(t, r.DistanceToPseudopod)
		assert.NotNil(t, r.DistanceToNucleus)
	}

	opts := testOptions()
	opts.Target = nil
	res = NewProcessor(opts, zerolog.Nop()).ProcessCell(testCell("no-target"))
	assert.Nil(t, res.Relationship)
	require.Len(t, res.Errors, 1)
	assert.True(t, errdefs.IsComputation(res.Errors[0]))

	// a per-cell target and crop offset override the defaults
	in = testCell("own-target")
	in.Target = &models.Point3{Z: 3, Y: 140, X: 5}
	in.CropOffset = spatial.Offset{Y: 100}
	res = NewProcessor(opts, zerolog.Nop()).ProcessCell(in)
	require.NotNil(t, res.Relationship)
	assert.InDelta(t, 90.0, res.Relationship.AngleDirectionToTargetDeg, 10)
}

func TestProcessCellWithoutTracksFallsBack(t *testing.T) {
	in := testCell("untracked")
	in.TrackExports = nil

	res := NewProcessor(testOptions(), zerolog.Nop()).ProcessCell(in)
	require.Empty(t, res.Errors)
	mito := recordsOf(res, models.Mitochondria)
	require.Len(t, mito, 2)
	assert.Nil(t, mito[0].TrackID)
	assert.NotContains(t, res.Reports, models.Mitochondria)
}

func TestProcessCellWritesMeshesAndOverlays(t *testing.T) {
	opts := testOptions()
	opts.MeshDir = filepath.Join(t.TempDir(), "meshes")
	opts.OverlayDir = filepath.Join(t.TempDir(), "overlays")

	res := NewProcessor(opts, zerolog.Nop()).ProcessCell(testCell("c7"))
	require.Empty(t, res.Errors)

	for _, name := range []string{"mitochondria_1.stl", "mitochondria_2.stl", "nucleus_1.stl", "pseudopod_1.stl"} {
		info, err := os.Stat(filepath.Join(opts.MeshDir, "c7", name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(84))
	}

	// tracked overlays only cover frames 2..4
	entries, err := os.ReadDir(filepath.Join(opts.OverlayDir, "c7", "mitochondria"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"slice_z_001.png", "slice_z_002.png", "slice_z_003.png"}, names)

	entries, err = os.ReadDir(filepath.Join(opts.OverlayDir, "c7", "nucleus"))
	require.NoError(t, err)
	assert.Len(t, entries, depth)
}

func TestProcessBatch(t *testing.T) {
	var cells []CellInput
	for i := 0; i < 5; i++ {
		cells = append(cells, testCell(fmt.Sprintf("cell-%d", i)))
	}

	batch := NewProcessor(testOptions(), zerolog.Nop()).ProcessBatch(context.Background(), cells)
	assert.NotEqual(t, uuid.Nil, batch.RunID)
	assert.False(t, batch.Finished.Before(batch.Started))
	require.Len(t, batch.Cells, len(cells))
	for i, c := range batch.Cells {
		assert.Equal(t, fmt.Sprintf("cell-%d", i), c.CellID)
		assert.Empty(t, c.Errors)
		assert.Len(t, c.Records, 5)
	}
}

func TestProcessBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cells := []CellInput{testCell("a"), testCell("b")}
	batch := NewProcessor(testOptions(), zerolog.Nop()).ProcessBatch(ctx, cells)
	require.Len(t, batch.Cells, 2)
	for _, c := range batch.Cells {
		require.Len(t, c.Errors, 1)
		assert.ErrorIs(t, c.Errors[0], context.Canceled)
		assert.Empty(t, c.Records)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reconstruction.Strategy = "nearest"
	cfg.Metrics.MinVoxels = 7

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, reconstruction.StrategyNearest, opts.Reconstruction.Strategy.Name())
	assert.True(t, opts.Reconstruction.KeepLargestOnly)
	assert.Equal(t, 7, opts.Metrics.MinVoxels)
	assert.Equal(t, cfg.Calibration, opts.Metrics.Calibration)
	assert.Equal(t, 75, opts.Normalizer.BlockSize)
	require.NotNil(t, opts.Target)
	assert.Equal(t, 2464.0, opts.Target.X)

	cfg.Reconstruction.Strategy = "flood"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
