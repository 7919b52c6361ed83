// Package reconstruction turns binary organelle masks into labeled instance
// volumes, either by connected components or by growing tracked markers
// slice by slice.
package reconstruction

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"organelle3d/internal/models"
)

// Params holds the reconstruction parameters.
type Params struct {
	// Connectivity of 3D connected components: 6 (faces), 18 (edges) or
	// 26 (corners).
	Connectivity int

	// Strategy grows markers within a slice. Defaults to Watershed.
	Strategy SliceLabeler

	// MaxLinkRadius is the largest Euclidean distance in pixels between a
	// marker and the foreground it may claim. Foreground farther than this
	// from every marker of its slice stays unlabeled. Zero or negative
	// disables the limit.
	MaxLinkRadius float64

	// KeepLargestOnly keeps just the largest connected component when
	// labeling single-instance organelles.
	KeepLargestOnly bool
}

// DefaultParams returns 6-connectivity, watershed growth and no link radius.
func DefaultParams() *Params {
	return &Params{
		Connectivity: 6,
		Strategy:     Watershed{},
	}
}

// Reconstructor builds a LabeledVolume per organelle mask.
//
// Single-instance organelles (nucleus, pseudopod, cell) are labeled by 3D
// connected components. Multi-instance organelles (mitochondria, membranous
// organelles) are labeled from a tracking table: in slice z every
// observation of frame z+1 becomes a marker carrying its track id, and the
// strategy grows the markers over that slice's foreground. Track ids are the
// instance labels, so identity is consistent across slices.
//
// The Reconstructor holds no per-call state and may be shared between
// goroutines.
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	logger zerolog.Logger
}

// NewReconstructor creates a new reconstructor. A nil params uses
// DefaultParams.
func NewReconstructor(params *Params, logger zerolog.Logger) *Reconstructor {
	if params == nil {
		params = DefaultParams()
	}
	p := *params
	if p.Strategy == nil {
		p.Strategy = Watershed{}
	}
	if p.Connectivity == 0 {
		p.Connectivity = 6
	}
	return &Reconstructor{params: &p, logger: logger}
}

// Params returns a copy of the effective parameters.
func (r *Reconstructor) Params() Params { return *r.params }

// SliceReport summarises the marker handling of one slice.
type SliceReport struct {
	Z int

	// Observations is the number of tracking rows of the slice's frame.
	Observations int

	// Markers placed on distinct foreground pixels
	Markers int

	// SkippedOutside counts observations rounding to a pixel off the image.
	SkippedOutside int

	// SkippedBackground counts observations rounding to a background pixel.
	SkippedBackground int

	// Conflicts counts observations sharing a pixel with a lower track id.
	Conflicts int

	Foreground int
	Labeled    int
}

// Unlabeled is the foreground of the slice no marker reached.
func (s SliceReport) Unlabeled() int { return s.Foreground - s.Labeled }

// Report collects the per-slice reports of a tracked reconstruction.
type Report struct {
	Slices []SliceReport

	// OutOfRange counts observations whose frame has no slice, that is
	// frames outside 1..Depth.
	OutOfRange int
}

// Totals sums every slice.
func (r Report) Totals() SliceReport {
	var t SliceReport
	t.Z = -1
	for _, s := range r.Slices {
		t.Observations += s.Observations
		t.Markers += s.Markers
		t.SkippedOutside += s.SkippedOutside
		t.SkippedBackground += s.SkippedBackground
		t.Conflicts += s.Conflicts
		t.Foreground += s.Foreground
		t.Labeled += s.Labeled
	}
	return t
}

// Result is the output of one reconstruction.
type Result struct {
	Labels *models.LabeledVolume

	// Tracked is true when labels are track ids.
	Tracked bool

	// Report is only filled for tracked reconstructions.
	Report Report

	// DroppedComponents and DroppedVoxels describe the regions discarded
	// by KeepLargestOnly.
	DroppedComponents int
	DroppedVoxels     int
}

// Reconstruct dispatches on the organelle type. Multi-instance organelles
// use the tracking table when one is given and fall back to connected
// components otherwise.
func (r *Reconstructor) Reconstruct(mask *models.BinaryVolume, organelle models.OrganelleType, table *models.TrackingTable) (*Result, error) {
	log := r.logger.With().Str("organelle", string(organelle)).Logger()

	if organelle.IsMultiInstance() {
		if table != nil {
			return r.LabelTracked(mask, table)
		}
		log.Warn().Msg("no tracking table, falling back to connected components")
		labels, err := r.withKeepLargest(false).LabelComponents(mask)
		if err != nil {
			return nil, err
		}
		return &Result{Labels: labels}, nil
	}

	labels, d, err := r.labelComponents(mask)
	if err != nil {
		return nil, err
	}
	if d.components > 0 {
		log.Info().
			Int("dropped_components", d.components).
			Int("dropped_voxels", d.voxels).
			Msg("kept the largest component only")
	}
	return &Result{Labels: labels, DroppedComponents: d.components, DroppedVoxels: d.voxels}, nil
}

func (r *Reconstructor) withKeepLargest(keep bool) *Reconstructor {
	if r.params.KeepLargestOnly == keep {
		return r
	}
	p := *r.params
	p.KeepLargestOnly = keep
	return &Reconstructor{params: &p, logger: r.logger}
}

// LabelTracked grows the markers of every slice over its foreground.
//
// Parameters:
//   - mask: the organelle occupancy, indexed (z, y, x)
//   - table: observations with 1-indexed frames; frame z+1 seeds slice z
//
// Returns:
//   - a Result whose labels are track ids and whose report lists skipped
//     markers and unlabeled foreground per slice
//
// A slice without markers stays unlabeled. A track seen in a single slice
// still yields an instance.
func (r *Reconstructor) LabelTracked(mask *models.BinaryVolume, table *models.TrackingTable) (*Result, error) {
	if err := mask.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, errors.New("tracked reconstruction needs a tracking table")
	}

	labels := models.NewLabeledVolume(mask.Depth, mask.Height, mask.Width)
	byFrame := table.GroupByFrame()
	report := Report{Slices: make([]SliceReport, 0, mask.Depth)}
	plane := mask.Height * mask.Width
	for frame, obs := range byFrame {
		if frame < 1 || frame > mask.Depth {
			report.OutOfRange += len(obs)
		}
	}
	if report.OutOfRange > 0 {
		r.logger.Warn().Int("observations", report.OutOfRange).Int("depth", mask.Depth).Msg("observations on frames outside the stack")
	}

	for z := 0; z < mask.Depth; z++ {
		foreground := mask.SliceView(z)
		obs := byFrame[z+1]
		sr := SliceReport{Z: z, Observations: len(obs)}
		for _, v := range foreground {
			if v {
				sr.Foreground++
			}
		}

		markers, stats := stampMarkers(obs, foreground, mask.Width, mask.Height)
		sr.Markers = stats.placed
		sr.SkippedOutside = stats.outside
		sr.SkippedBackground = stats.background
		sr.Conflicts = stats.conflicts

		if len(markers) > 0 {
			eligible := linkable(foreground, mask.Width, mask.Height, markers, r.params.MaxLinkRadius)
			sliceLabels := r.params.Strategy.LabelSlice(foreground, mask.Width, mask.Height, markers, eligible)
			dst := labels.Data[z*plane : (z+1)*plane]
			for i, l := range sliceLabels {
				if l > 0 && foreground[i] {
					dst[i] = l
					sr.Labeled++
				}
			}
		}

		if skipped := sr.SkippedOutside + sr.SkippedBackground; skipped > 0 {
			r.logger.Warn().
				Int("z", z).
				Int("outside", sr.SkippedOutside).
				Int("background", sr.SkippedBackground).
				Msg("skipped markers")
		}
		if sr.Markers == 0 && sr.Foreground > 0 {
			r.logger.Debug().Int("z", z).Int("foreground", sr.Foreground).Msg("slice has foreground but no markers")
		}
		report.Slices = append(report.Slices, sr)
	}

	t := report.Totals()
	r.logger.Debug().
		Str("strategy", r.params.Strategy.Name()).
		Int("markers", t.Markers).
		Int("labeled", t.Labeled).
		Int("unlabeled", t.Unlabeled()).
		Int("out_of_range", report.OutOfRange).
		Msg("tracked reconstruction done")

	return &Result{Labels: labels, Tracked: true, Report: report}, nil
}
