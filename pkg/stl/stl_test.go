package stl

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sphereVolume(size int, radius float64) []float64 {
	data := make([]float64, size*size*size)
	center := float64(size) / 2.0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - center
				dy := float64(y) - center
				dz := float64(z) - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					data[z*size*size+y*size+x] = 1.0
				}
			}
		}
	}
	return data
}

// TestMarchingCubes verifies the marching cubes implementation with a simple sphere
func TestMarchingCubes(t *testing.T) {
	size := 20
	center := float64(size) / 2.0
	mc := NewMarchingCubes(sphereVolume(size, float64(size)/4.0), size, size, size, 0.5)

	triangles := mc.GenerateTriangles()
	require.GreaterOrEqual(t, len(triangles), 100, "sphere should have at least 100 triangles")

	// Normals must point away from the sphere center.
	for _, triangle := range triangles {
		var c [3]float64
		for k := 0; k < 3; k++ {
			c[k] = float64(triangle.Vertex1[k]+triangle.Vertex2[k]+triangle.Vertex3[k])/3 - center
		}
		n := to64(triangle.Normal)
		if dot(c, n) <= 0 {
			t.Fatalf("triangle normal points inward: center offset %v, normal %v", c, n)
		}
	}
}

// TestSetScale verifies that the scaling functionality works
func TestSetScale(t *testing.T) {
	data := []float64{
		1, 0,
		0, 0,

		0, 0,
		0, 0,
	}

	plain := NewMarchingCubes(data, 2, 2, 2, 0.5).GenerateTriangles()
	require.Len(t, plain, 1)

	scaled := NewMarchingCubes(data, 2, 2, 2, 0.5)
	xScale, yScale, zScale := float32(2.5), float32(1.5), float32(3.0)
	scaled.SetScale(xScale, yScale, zScale)
	triangles := scaled.GenerateTriangles()
	require.Len(t, triangles, 1)

	p, s := plain[0], triangles[0]
	for i, pair := range [][2][3]float32{{p.Vertex1, s.Vertex1}, {p.Vertex2, s.Vertex2}, {p.Vertex3, s.Vertex3}} {
		assert.InDelta(t, pair[0][0]*xScale, pair[1][0], 1e-6, "vertex %d x", i)
		assert.InDelta(t, pair[0][1]*yScale, pair[1][1], 1e-6, "vertex %d y", i)
		assert.InDelta(t, pair[0][2]*zScale, pair[1][2], 1e-6, "vertex %d z", i)
	}

	// Anisotropic scaling changes the area.
	assert.NotEqual(t, SurfaceArea(plain), SurfaceArea(triangles))
}

// TestSaveToSTL verifies that the STL file can be written
func TestSaveToSTL(t *testing.T) {
	triangles := []Triangle{
		{
			Normal:  [3]float32{0, 0, 1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{1, 0, 0},
			Vertex3: [3]float32{0, 1, 0},
		},
	}

	path := filepath.Join(t.TempDir(), "test.stl")
	require.NoError(t, SaveToSTL(path, triangles))

	// header 80 + count 4 + one 50 byte facet
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 80+4+50)
	assert.Equal(t, byte(1), raw[80])
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f}, raw[84+8:84+12], "normal z = 1.0f")

	assert.Error(t, SaveToSTL(filepath.Join(t.TempDir(), "missing", "x.stl"), triangles))
}

// TestTriangleInterpolation verifies the vertex interpolation for marching cubes
func TestTriangleInterpolation(t *testing.T) {
	data := []float64{
		1, 0,
		0, 0,

		0, 0,
		0, 0,
	}

	triangles := NewMarchingCubes(data, 2, 2, 2, 0.5).GenerateTriangles()
	require.Len(t, triangles, 1)

	// The single corner is cut at the midpoints of its three edges.
	want := map[[3]float32]bool{{0.5, 0, 0}: true, {0, 0.5, 0}: true, {0, 0, 0.5}: true}
	tri := triangles[0]
	for _, v := range [][3]float32{tri.Vertex1, tri.Vertex2, tri.Vertex3} {
		assert.True(t, want[v], "unexpected vertex %v", v)
		delete(want, v)
	}

	// Pointing away from the occupied corner.
	assert.Less(t, tri.Normal[0], float32(0))
	assert.Less(t, tri.Normal[1], float32(0))
	assert.Less(t, tri.Normal[2], float32(0))

	// Values closer to the iso level move the vertex toward that corner.
	data[0] = 0.75
	tri = NewMarchingCubes(data, 2, 2, 2, 0.5).GenerateTriangles()[0]
	for _, v := range [][3]float32{tri.Vertex1, tri.Vertex2, tri.Vertex3} {
		assert.InDelta(t, 1.0/3.0, float64(v[0]+v[1]+v[2]), 1e-6)
	}
}

func TestCubeSurfaceArea(t *testing.T) {
	// A 10^3 block cut at 0.5: six 9x9 faces, twelve chamfered edges and
	// eight corner facets.
	n := 14
	data := make([]float64, n*n*n)
	for z := 2; z < 12; z++ {
		for y := 2; y < 12; y++ {
			for x := 2; x < 12; x++ {
				data[z*n*n+y*n+x] = 1
			}
		}
	}
	want := 6*81 + 12*9*math.Sqrt(0.5) + 8*math.Sqrt(3)/8

	mc := NewMarchingCubes(data, n, n, n, 0.5)
	area, count := mc.Measure()
	assert.InDelta(t, want, area, 1e-9)
	assert.Equal(t, len(mc.GenerateTriangles()), count)
	assert.InDelta(t, want, SurfaceArea(mc.GenerateTriangles()), 1e-3)

	mc.SetScale64(2, 2, 2)
	scaledArea, _ := mc.Measure()
	assert.InDelta(t, 4*want, scaledArea, 1e-9)
}

func TestSurfaceIsClosed(t *testing.T) {
	// The area-weighted normals of a closed surface cancel out.
	rng := rand.New(rand.NewSource(7))
	n := 12
	data := make([]float64, n*n*n)
	for z := 1; z < n-1; z++ {
		for y := 1; y < n-1; y++ {
			for x := 1; x < n-1; x++ {
				if rng.Float64() < 0.45 {
					data[z*n*n+y*n+x] = 1
				}
			}
		}
	}

	var sum [3]float64
	count := 0
	NewMarchingCubes(data, n, n, n, 0.5).march(func(p [3][3]float64, _ [3]float64) {
		c := cross(sub(p[1], p[0]), sub(p[2], p[0]))
		for k := range sum {
			sum[k] += c[k]
		}
		count++
	})
	require.Positive(t, count)
	for k := range sum {
		assert.InDelta(t, 0, sum[k], 1e-9)
	}
}

func TestCaseTable(t *testing.T) {
	assert.Empty(t, triTable[0])
	assert.Empty(t, triTable[255])
	assert.Len(t, triTable[1], 1)
	// two adjacent corners form a quad
	assert.Len(t, triTable[3], 2)
	for code, tris := range triTable {
		assert.LessOrEqual(t, len(tris), 5, "case %d", code)
		for _, tri := range tris {
			for _, e := range tri {
				a, b := edgeCorners[e][0], edgeCorners[e][1]
				assert.NotEqual(t, code>>a&1, code>>b&1, "case %d uses uncrossed edge %d", code, e)
			}
		}
	}
}

func TestEmptyAndShortData(t *testing.T) {
	assert.Empty(t, NewMarchingCubes(make([]float64, 27), 3, 3, 3, 0.5).GenerateTriangles())
	area, count := NewMarchingCubes([]float64{1}, 3, 3, 3, 0.5).Measure()
	assert.Zero(t, area)
	assert.Zero(t, count)
}

// BenchmarkMarchingCubes benchmarks the marching cubes algorithm
func BenchmarkMarchingCubes(b *testing.B) {
	size := 16
	data := sphereVolume(size, float64(size)/4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mc := NewMarchingCubes(data, size, size, size, 0.5)
		mc.GenerateTriangles()
	}
}
