package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"organelle3d/internal/models"
)

// markerPoint is a marker position in the slice plane.
type markerPoint struct {
	Y, X float64
}

// Compare implements the kdtree.Comparable interface
func (p markerPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(markerPoint)
	switch d {
	case 0:
		return p.Y - q.Y
	case 1:
		return p.X - q.X
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p markerPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p markerPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(markerPoint)
	dy := p.Y - q.Y
	dx := p.X - q.X
	return dy*dy + dx*dx
}

// markerPoints satisfies kdtree.Interface
type markerPoints []markerPoint

func (p markerPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p markerPoints) Len() int                              { return len(p) }
func (p markerPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p markerPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(markerPlane{markerPoints: p, Dim: d}, kdtree.MedianOfRandoms(markerPlane{markerPoints: p, Dim: d}, 100))
}

// markerPlane implements sort.Interface and kdtree.SortSlicer for markerPoints
type markerPlane struct {
	markerPoints
	kdtree.Dim
}

func (p markerPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.markerPoints[i].Y < p.markerPoints[j].Y
	case 1:
		return p.markerPoints[i].X < p.markerPoints[j].X
	default:
		panic("illegal dimension")
	}
}

func (p markerPlane) Slice(start, end int) kdtree.SortSlicer {
	return markerPlane{markerPoints: p.markerPoints[start:end], Dim: p.Dim}
}

func (p markerPlane) Swap(i, j int) {
	p.markerPoints[i], p.markerPoints[j] = p.markerPoints[j], p.markerPoints[i]
}

// markerStats counts what happened to the observations of one slice.
type markerStats struct {
	placed     int
	outside    int
	background int
	conflicts  int
}

// stampMarkers rounds each observation to its nearest pixel. Observations
// off the image or on background are skipped; when two tracks land on one
// pixel the lower track id keeps it.
func stampMarkers(obs []models.TrackObservation, foreground []bool, width, height int) ([]Marker, markerStats) {
	var stats markerStats
	byPixel := make(map[int]int)
	var markers []Marker
	for _, o := range obs {
		if math.IsNaN(o.Y) || math.IsNaN(o.X) {
			stats.outside++
			continue
		}
		y, x := int(math.Round(o.Y)), int(math.Round(o.X))
		if y < 0 || y >= height || x < 0 || x >= width {
			stats.outside++
			continue
		}
		i := y*width + x
		if !foreground[i] {
			stats.background++
			continue
		}
		if at, ok := byPixel[i]; ok {
			stats.conflicts++
			if int32(o.TrackID) < markers[at].TrackID {
				markers[at].TrackID = int32(o.TrackID)
			}
			continue
		}
		byPixel[i] = len(markers)
		markers = append(markers, Marker{Y: y, X: x, TrackID: int32(o.TrackID)})
	}
	stats.placed = len(markers)
	return markers, stats
}

// linkable marks the foreground pixels within radius of at least one marker.
// A non-positive radius returns nil, meaning no limit.
func linkable(foreground []bool, width, height int, markers []Marker, radius float64) []bool {
	if radius <= 0 || len(markers) == 0 {
		return nil
	}
	points := make(markerPoints, len(markers))
	for i, m := range markers {
		points[i] = markerPoint{Y: float64(m.Y), X: float64(m.X)}
	}
	tree := kdtree.New(points, false)

	limit := radius * radius
	eligible := make([]bool, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			if !foreground[i] {
				continue
			}
			_, d := tree.Nearest(markerPoint{Y: float64(y), X: float64(x)})
			eligible[i] = d <= limit
		}
	}
	return eligible
}
