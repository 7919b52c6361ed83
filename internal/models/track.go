package models

import (
	"math"
	"sort"

	"organelle3d/internal/errdefs"
)

// TrackObservation is one tracked centroid in one frame. Frame keeps the
// 1-based numbering of the tracking export.
type TrackObservation struct {
	Frame   int
	TrackID int
	X, Y    float64
	Flag    string
}

// TrackKey uniquely identifies an observation.
type TrackKey struct {
	Frame   int
	TrackID int
}

// TrackingTable is a set of observations keyed by (frame, track id).
type TrackingTable struct {
	obs map[TrackKey]TrackObservation
}

// NewTrackingTable returns an empty table.
func NewTrackingTable() *TrackingTable {
	return &TrackingTable{obs: make(map[TrackKey]TrackObservation)}
}

// Add inserts an observation. A second observation for an existing key is a
// FormatError; the table keeps the first one. Track ids become int32 instance
// labels, so ids above math.MaxInt32 are rejected.
func (t *TrackingTable) Add(o TrackObservation) error {
	if o.Frame < 0 {
		return errdefs.NewFormat(0, "negative frame %d for track %d", o.Frame, o.TrackID)
	}
	if o.TrackID <= 0 {
		return errdefs.NewFormat(0, "track id must be positive, got %d", o.TrackID)
	}
	if o.TrackID > math.MaxInt32 {
		return errdefs.NewFormat(0, "track id %d exceeds the label range (max %d)", o.TrackID, math.MaxInt32)
	}
	k := TrackKey{Frame: o.Frame, TrackID: o.TrackID}
	if _, dup := t.obs[k]; dup {
		return errdefs.NewFormat(0, "duplicate observation for frame %d track %d", o.Frame, o.TrackID)
	}
	t.obs[k] = o
	return nil
}

// Len returns the number of observations.
func (t *TrackingTable) Len() int { return len(t.obs) }

// Get returns the observation stored at key.
func (t *TrackingTable) Get(frame, track int) (TrackObservation, bool) {
	o, ok := t.obs[TrackKey{Frame: frame, TrackID: track}]
	return o, ok
}

// Observations returns all observations ordered by frame, then track.
func (t *TrackingTable) Observations() []TrackObservation {
	out := make([]TrackObservation, 0, len(t.obs))
	for _, o := range t.obs {
		out = append(out, o)
	}
	sortObservations(out)
	return out
}

// ByFrame returns the observations of one frame ordered by track id.
func (t *TrackingTable) ByFrame(frame int) []TrackObservation {
	var out []TrackObservation
	for k, o := range t.obs {
		if k.Frame == frame {
			out = append(out, o)
		}
	}
	sortObservations(out)
	return out
}

// GroupByFrame indexes every observation by frame in one pass.
func (t *TrackingTable) GroupByFrame() map[int][]TrackObservation {
	out := make(map[int][]TrackObservation)
	for k, o := range t.obs {
		out[k.Frame] = append(out[k.Frame], o)
	}
	for f := range out {
		sortObservations(out[f])
	}
	return out
}

// Tracks returns the distinct track ids in ascending order.
func (t *TrackingTable) Tracks() []int {
	seen := make(map[int]struct{})
	for k := range t.obs {
		seen[k.TrackID] = struct{}{}
	}
	return sortedKeys(seen)
}

// Frames returns the distinct frames in ascending order.
func (t *TrackingTable) Frames() []int {
	seen := make(map[int]struct{})
	for k := range t.obs {
		seen[k.Frame] = struct{}{}
	}
	return sortedKeys(seen)
}

// Sequence returns the observations of one track ordered by frame.
func (t *TrackingTable) Sequence(track int) []TrackObservation {
	var out []TrackObservation
	for k, o := range t.obs {
		if k.TrackID == track {
			out = append(out, o)
		}
	}
	sortObservations(out)
	return out
}

// FramesWithMinTracks returns the frames observed by at least minTracks
// distinct tracks, ascending.
func (t *TrackingTable) FramesWithMinTracks(minTracks int) []int {
	counts := make(map[int]int)
	for k := range t.obs {
		counts[k.Frame]++
	}
	keep := make(map[int]struct{})
	for f, n := range counts {
		if n >= minTracks {
			keep[f] = struct{}{}
		}
	}
	return sortedKeys(keep)
}

func sortObservations(obs []TrackObservation) {
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].Frame != obs[j].Frame {
			return obs[i].Frame < obs[j].Frame
		}
		return obs[i].TrackID < obs[j].TrackID
	})
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
