package reconstruction

import (
	"container/heap"
	"fmt"
	"strings"
)

// Marker seeds one track at a pixel of a slice.
type Marker struct {
	Y, X    int
	TrackID int32
}

// SliceLabeler grows marker regions across the foreground of one slice.
//
// Parameters:
//   - foreground: row-major width*height occupancy of the slice
//   - eligible: pixels that may be claimed; nil allows all foreground
//   - markers: seeds on distinct foreground pixels
//
// Returns a row-major label image where every positive label lies on an
// eligible foreground pixel and equals the TrackID of the marker it grew from.
type SliceLabeler interface {
	Name() string
	LabelSlice(foreground []bool, width, height int, markers []Marker, eligible []bool) []int32
}

// Strategy names accepted by ParseStrategy.
const (
	StrategyWatershed = "watershed"
	StrategyNearest   = "nearest"
)

// ParseStrategy resolves a configured strategy name.
func ParseStrategy(name string) (SliceLabeler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyWatershed:
		return Watershed{}, nil
	case StrategyNearest, "nearest_marker", "nearestmarker":
		return NearestMarker{}, nil
	default:
		return nil, fmt.Errorf("unknown reconstruction strategy %q", name)
	}
}

// Watershed floods the negated distance transform of the slice foreground
// from the markers. Pixels deep inside the foreground are claimed before
// pixels near its edge, so two touching blobs split along the neck between
// them. Ties go to the region that reached the pixel in fewer steps, then to
// the lower track id.
type Watershed struct{}

func (Watershed) Name() string { return StrategyWatershed }

func (Watershed) LabelSlice(foreground []bool, width, height int, markers []Marker, eligible []bool) []int32 {
	edt := DistanceTransform2D(foreground, width, height)
	elevation := make([]float64, len(edt))
	for i, d := range edt {
		elevation[i] = -d
	}
	return flood(foreground, width, height, markers, eligible, elevation)
}

// NearestMarker assigns each foreground pixel to the marker with the shortest
// 4-connected path through the foreground, ties going to the lower track id.
type NearestMarker struct{}

func (NearestMarker) Name() string { return StrategyNearest }

func (NearestMarker) LabelSlice(foreground []bool, width, height int, markers []Marker, eligible []bool) []int32 {
	return flood(foreground, width, height, markers, eligible, nil)
}

type floodItem struct {
	elevation float64
	step      int
	label     int32
	idx       int
}

type floodQueue []floodItem

func (q floodQueue) Len() int { return len(q) }

func (q floodQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.elevation != b.elevation {
		return a.elevation < b.elevation
	}
	if a.step != b.step {
		return a.step < b.step
	}
	if a.label != b.label {
		return a.label < b.label
	}
	return a.idx < b.idx
}

func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *floodQueue) Push(x interface{}) { *q = append(*q, x.(floodItem)) }

func (q *floodQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// flood is a priority flood over 4-neighbors. A pixel takes the label of the
// region that first pushes it, so labels never overlap. A nil elevation
// turns it into a multi-source breadth-first search.
func flood(foreground []bool, width, height int, markers []Marker, eligible []bool, elevation []float64) []int32 {
	labels := make([]int32, width*height)
	open := func(i int) bool {
		return foreground[i] && labels[i] == 0 && (eligible == nil || eligible[i])
	}
	level := func(i int) float64 {
		if elevation == nil {
			return 0
		}
		return elevation[i]
	}

	q := make(floodQueue, 0, len(markers))
	for _, m := range markers {
		i := m.Y*width + m.X
		if m.Y < 0 || m.Y >= height || m.X < 0 || m.X >= width || !foreground[i] || labels[i] != 0 {
			continue
		}
		labels[i] = m.TrackID
		q = append(q, floodItem{elevation: level(i), label: m.TrackID, idx: i})
	}
	heap.Init(&q)

	for q.Len() > 0 {
		cur := heap.Pop(&q).(floodItem)
		y, x := cur.idx/width, cur.idx%width
		for _, n := range [4][2]int{{y - 1, x}, {y + 1, x}, {y, x - 1}, {y, x + 1}} {
			ny, nx := n[0], n[1]
			if ny < 0 || ny >= height || nx < 0 || nx >= width {
				continue
			}
			ni := ny*width + nx
			if !open(ni) {
				continue
			}
			labels[ni] = cur.label
			heap.Push(&q, floodItem{elevation: level(ni), step: cur.step + 1, label: cur.label, idx: ni})
		}
	}
	return labels
}
