package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"organelle3d/internal/models"
	"organelle3d/pkg/config"
	"organelle3d/pkg/logger"
	"organelle3d/pkg/pipeline"
	"organelle3d/pkg/report"
	"organelle3d/pkg/spatial"
	"organelle3d/pkg/stack"
)

// cellManifest is the optional crop.yaml of a cell directory.
type cellManifest struct {
	// Offset of the cropped masks in the full image
	Y float64 `yaml:"y"`
	X float64 `yaml:"x"`

	// Target overrides the configured reference point (z, y, x)
	Target []float64 `yaml:"target"`
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "organelle3d.yaml", "Configuration file")
	cellsDir := flag.String("cells", "", "Directory with one sub-directory per cell")
	outDir := flag.String("out", "results", "Directory for the CSV reports")
	dbPath := flag.String("db", "", "SQLite database receiving the run (optional)")
	meshDir := flag.String("meshes", "", "Directory for per-instance STL meshes (optional)")
	overlayDir := flag.String("overlays", "", "Directory for labeled slice overlays (optional)")
	numCores := flag.Int("cores", 0, "Number of cells processed at once (default: from config)")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *cellsDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}

	var log zerolog.Logger
	if cfg.Output.JSONLogs {
		log = logger.New(os.Stderr, logger.Level(cfg.Output.Verbose))
	} else {
		log = logger.NewConsole(logger.Level(cfg.Output.Verbose))
	}

	if err := run(cfg, *cellsDir, *outDir, *dbPath, *meshDir, *overlayDir, log); err != nil {
		log.Fatal().Err(err).Msg("run failed")
	}
}

func run(cfg *config.Config, cellsDir, outDir, dbPath, meshDir, overlayDir string, log zerolog.Logger) error {
	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.MeshDir = meshDir
	if opts.MeshDir == "" && cfg.Output.SaveMeshes {
		opts.MeshDir = filepath.Join(outDir, "meshes")
	}
	opts.OverlayDir = overlayDir
	if opts.OverlayDir == "" && cfg.Output.SaveOverlays {
		opts.OverlayDir = filepath.Join(outDir, "overlays")
	}

	cells, err := loadCells(cellsDir, cfg.Processing.MaskThreshold, logger.Component(log, "loader"))
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range cells {
			for _, r := range c.TrackExports {
				if closer, ok := r.(io.Closer); ok {
					closer.Close()
				}
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	processor := pipeline.NewProcessor(opts, logger.Component(log, "pipeline"))
	startTime := time.Now()
	batch := processor.ProcessBatch(ctx, cells)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	if err := writeFile(filepath.Join(outDir, "metrics.csv"), func(w io.Writer) error {
		return report.WriteMetricsCSV(w, report.Records(batch))
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(outDir, "spatial.csv"), func(w io.Writer) error {
		return report.WriteSpatialCSV(w, batch.Cells)
	}); err != nil {
		return err
	}

	if dbPath != "" {
		store, err := report.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			return err
		}
		if err := store.SaveRun(context.Background(), batch); err != nil {
			return err
		}
	}

	failed := 0
	for _, c := range batch.Cells {
		if len(c.Errors) > 0 {
			failed++
		}
	}
	log.Info().
		Str("run", batch.RunID.String()).
		Int("cells", len(batch.Cells)).
		Int("cells_with_errors", failed).
		Int("records", len(report.Records(batch))).
		Dur("elapsed", time.Since(startTime)).
		Str("out", outDir).
		Msg("analysis complete")
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()
	if err := write(f); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

// loadCells reads every cell directory of root. A cell directory holds one
// slice directory per organelle, named after the organelle, optional
// <organelle>.csv tracking exports and an optional crop.yaml.
func loadCells(root string, threshold uint8, log zerolog.Logger) ([]pipeline.CellInput, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "read cells directory %s", root)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var cells []pipeline.CellInput
	for _, name := range names {
		cell, err := loadCell(filepath.Join(root, name), name, threshold)
		if err != nil {
			return nil, err
		}
		if len(cell.Masks) == 0 {
			log.Warn().Str("cell", name).Msg("no organelle masks, skipping")
			continue
		}
		log.Debug().Str("cell", name).Int("masks", len(cell.Masks)).Int("exports", len(cell.TrackExports)).Msg("loaded cell")
		cells = append(cells, cell)
	}
	if len(cells) == 0 {
		return nil, errors.Errorf("no cells found in %s", root)
	}
	return cells, nil
}

func loadCell(dir, id string, threshold uint8) (pipeline.CellInput, error) {
	cell := pipeline.CellInput{
		CellID:       id,
		Masks:        make(map[models.OrganelleType]*models.BinaryVolume),
		TrackExports: make(map[models.OrganelleType]io.Reader),
	}
	for _, org := range models.AllOrganelles {
		sliceDir := filepath.Join(dir, string(org))
		if info, err := os.Stat(sliceDir); err == nil && info.IsDir() {
			mask, err := stack.LoadDir(sliceDir, threshold)
			if err != nil {
				return cell, errors.Wrapf(err, "load %s masks of %s", org, id)
			}
			cell.Masks[org] = mask
		}
		if !org.IsMultiInstance() {
			continue
		}
		if f, err := os.Open(filepath.Join(dir, string(org)+".csv")); err == nil {
			cell.TrackExports[org] = f
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "crop.yaml"))
	if os.IsNotExist(err) {
		return cell, nil
	}
	if err != nil {
		return cell, errors.Wrapf(err, "read crop of %s", id)
	}
	var m cellManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return cell, errors.Wrapf(err, "parse crop of %s", id)
	}
	cell.CropOffset = spatial.Offset{Y: m.Y, X: m.X}
	if len(m.Target) == 3 {
		cell.Target = &models.Point3{Z: m.Target[0], Y: m.Target[1], X: m.Target[2]}
	}
	return cell, nil
}
