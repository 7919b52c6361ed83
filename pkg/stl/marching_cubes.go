// Package stl extracts triangulated isosurfaces from scalar volumes with the
// marching cubes algorithm and writes them as binary STL meshes.
package stl

import (
	"math"
	"sort"
)

// Triangle is one facet of an isosurface. Coordinates are (x, y, z) in
// scaled units and the normal points from the inside (values above the iso
// level) to the outside.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// MarchingCubes polygonises a scalar field stored as a flat z-major array
// (z*width*height + y*width + x).
type MarchingCubes struct {
	data                 []float64
	width, height, depth int
	isoLevel             float64
	scale                [3]float64
}

// NewMarchingCubes creates an extractor for the given field. Voxels strictly
// above isoLevel are inside the surface.
func NewMarchingCubes(data []float64, width, height, depth int, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		data:     data,
		width:    width,
		height:   height,
		depth:    depth,
		isoLevel: isoLevel,
		scale:    [3]float64{1, 1, 1},
	}
}

// SetScale sets the physical size of one voxel along x, y and z.
func (mc *MarchingCubes) SetScale(x, y, z float32) {
	mc.scale = [3]float64{float64(x), float64(y), float64(z)}
}

// SetScale64 is SetScale without the float32 round trip.
func (mc *MarchingCubes) SetScale64(x, y, z float64) {
	mc.scale = [3]float64{x, y, z}
}

// GenerateTriangles returns every non-degenerate facet of the isosurface.
func (mc *MarchingCubes) GenerateTriangles() []Triangle {
	var triangles []Triangle
	mc.march(func(p [3][3]float64, n [3]float64) {
		triangles = append(triangles, Triangle{
			Normal:  to32(n),
			Vertex1: to32(p[0]),
			Vertex2: to32(p[1]),
			Vertex3: to32(p[2]),
		})
	})
	return triangles
}

// Measure returns the total surface area and the number of facets, computed
// in float64 without materialising the mesh.
func (mc *MarchingCubes) Measure() (area float64, count int) {
	mc.march(func(p [3][3]float64, _ [3]float64) {
		area += triangleArea(p)
		count++
	})
	return area, count
}

// SurfaceArea sums the areas of the given triangles.
func SurfaceArea(triangles []Triangle) float64 {
	total := 0.0
	for _, t := range triangles {
		total += triangleArea([3][3]float64{to64(t.Vertex1), to64(t.Vertex2), to64(t.Vertex3)})
	}
	return total
}

func (mc *MarchingCubes) at(x, y, z int) float64 {
	return mc.data[z*mc.width*mc.height+y*mc.width+x]
}

// march visits each facet in scan order of the cubes.
func (mc *MarchingCubes) march(emit func(p [3][3]float64, normal [3]float64)) {
	if len(mc.data) < mc.width*mc.height*mc.depth {
		return
	}
	var values [8]float64
	var edgePoints [12][3]float64
	for z := 0; z < mc.depth-1; z++ {
		for y := 0; y < mc.height-1; y++ {
			for x := 0; x < mc.width-1; x++ {
				cubeIndex := 0
				for i, c := range cornerOffsets {
					values[i] = mc.at(x+c[0], y+c[1], z+c[2])
					if values[i] > mc.isoLevel {
						cubeIndex |= 1 << i
					}
				}
				tris := triTable[cubeIndex]
				if len(tris) == 0 {
					continue
				}

				var computed [12]bool
				for _, tri := range tris {
					var p [3][3]float64
					for k, e := range tri {
						if !computed[e] {
							edgePoints[e] = mc.interpolate(x, y, z, e, values)
							computed[e] = true
						}
						p[k] = edgePoints[e]
					}
					n, ok := unitNormal(p)
					if !ok {
						continue
					}
					emit(p, n)
				}
			}
		}
	}
}

// interpolate places the vertex on edge e of the cube at (x, y, z) where the
// field crosses the iso level, then applies the scale.
func (mc *MarchingCubes) interpolate(x, y, z, e int, values [8]float64) [3]float64 {
	a, b := edgeCorners[e][0], edgeCorners[e][1]
	va, vb := values[a], values[b]
	mu := 0.5
	if d := vb - va; math.Abs(d) > 1e-12 {
		mu = (mc.isoLevel - va) / d
	}
	ca, cb := cornerOffsets[a], cornerOffsets[b]
	origin := [3]int{x, y, z}
	var p [3]float64
	for k := 0; k < 3; k++ {
		pos := float64(origin[k]+ca[k]) + mu*float64(cb[k]-ca[k])
		p[k] = pos * mc.scale[k]
	}
	return p
}

func unitNormal(p [3][3]float64) ([3]float64, bool) {
	c := cross(sub(p[1], p[0]), sub(p[2], p[0]))
	l := math.Sqrt(c[0]*c[0] + c[1]*c[1] + c[2]*c[2])
	if l == 0 {
		return c, false
	}
	return [3]float64{c[0] / l, c[1] / l, c[2] / l}, true
}

func triangleArea(p [3][3]float64) float64 {
	c := cross(sub(p[1], p[0]), sub(p[2], p[0]))
	return 0.5 * math.Sqrt(c[0]*c[0]+c[1]*c[1]+c[2]*c[2])
}

func sub(a, b [3]float64) [3]float64 { return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func to32(v [3]float64) [3]float32 { return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])} }

func to64(v [3]float32) [3]float64 { return [3]float64{float64(v[0]), float64(v[1]), float64(v[2])} }

// Cube topology. Corners are (x, y, z) offsets; corners 0-3 form the z=0
// face counter-clockwise, 4-7 the z=1 face.
var cornerOffsets = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

var edgeCorners = [12][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 0},
	{4, 5}, {5, 6}, {6, 7}, {7, 4},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

var cubeFaces = [6][4]int{
	{0, 1, 2, 3}, {4, 5, 6, 7},
	{0, 1, 5, 4}, {1, 2, 6, 5},
	{2, 3, 7, 6}, {3, 0, 4, 7},
}

// triTable maps a corner occupancy code to triangles given as edge triples.
var triTable [256][][3]int

func init() {
	for c := range triTable {
		triTable[c] = triangulateCase(c)
	}
}

func edgeBetween(a, b int) int {
	for i, e := range edgeCorners {
		if (e[0] == a && e[1] == b) || (e[0] == b && e[1] == a) {
			return i
		}
	}
	return -1
}

// triangulateCase derives the facets for one occupancy code. On every cube
// face the crossed edges are paired into segments; a face with all four
// edges crossed pairs the edges around each inside corner, so inside corners
// touching only diagonally stay separate. Neighbouring cubes resolve their
// shared face identically, which keeps the surface closed. Segments are
// chained into loops, fanned into triangles and wound so the normal points
// from inside to outside.
func triangulateCase(code int) [][3]int {
	inside := func(corner int) bool { return code>>corner&1 == 1 }

	adj := make(map[int][]int)
	link := func(a, b int) {
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	for _, f := range cubeFaces {
		var edges [4]int
		var crossed []int
		for i := 0; i < 4; i++ {
			a, b := f[i], f[(i+1)%4]
			edges[i] = edgeBetween(a, b)
			if inside(a) != inside(b) {
				crossed = append(crossed, i)
			}
		}
		switch len(crossed) {
		case 2:
			link(edges[crossed[0]], edges[crossed[1]])
		case 4:
			for i := 0; i < 4; i++ {
				if inside(f[i]) {
					link(edges[(i+3)%4], edges[i])
				}
			}
		}
	}

	starts := make([]int, 0, len(adj))
	for e := range adj {
		starts = append(starts, e)
	}
	sort.Ints(starts)

	var tris [][3]int
	seen := make(map[int]bool)
	for _, start := range starts {
		if seen[start] {
			continue
		}
		loop := []int{start}
		seen[start] = true
		prev, cur := -1, start
		for {
			next := adj[cur][0]
			if next == prev {
				next = adj[cur][1]
			}
			if next == start {
				break
			}
			loop = append(loop, next)
			seen[next] = true
			prev, cur = cur, next
		}

		if dot(newellNormal(loop), outwardHint(loop, inside)) < 0 {
			for i, j := 0, len(loop)-1; i < j; i, j = i+1, j-1 {
				loop[i], loop[j] = loop[j], loop[i]
			}
		}
		for i := 1; i+1 < len(loop); i++ {
			tris = append(tris, [3]int{loop[0], loop[i], loop[i+1]})
		}
	}
	return tris
}

func edgeMidpoint(e int) [3]float64 {
	a, b := cornerOffsets[edgeCorners[e][0]], cornerOffsets[edgeCorners[e][1]]
	return [3]float64{
		float64(a[0]+b[0]) / 2,
		float64(a[1]+b[1]) / 2,
		float64(a[2]+b[2]) / 2,
	}
}

func newellNormal(loop []int) [3]float64 {
	var n [3]float64
	for i := range loop {
		p := edgeMidpoint(loop[i])
		q := edgeMidpoint(loop[(i+1)%len(loop)])
		n[0] += (p[1] - q[1]) * (p[2] + q[2])
		n[1] += (p[2] - q[2]) * (p[0] + q[0])
		n[2] += (p[0] - q[0]) * (p[1] + q[1])
	}
	return n
}

// outwardHint sums the inside-to-outside direction of every crossed edge.
func outwardHint(loop []int, inside func(int) bool) [3]float64 {
	var out [3]float64
	for _, e := range loop {
		a, b := edgeCorners[e][0], edgeCorners[e][1]
		if !inside(a) {
			a, b = b, a
		}
		ca, cb := cornerOffsets[a], cornerOffsets[b]
		for k := 0; k < 3; k++ {
			out[k] += float64(cb[k] - ca[k])
		}
	}
	return out
}

func dot(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
