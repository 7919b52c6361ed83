package reconstruction

import "math"

// farAway stands in for infinity in the squared distance transform.
const farAway = 1e20

// DistanceTransform2D returns, for each pixel of a row-major width*height
// mask, the exact Euclidean distance to the nearest background pixel.
// Pixels outside the image count as background, so foreground touching the
// border has distance 1 there. Background pixels have distance 0.
//
// The transform is separable (Felzenszwalb & Huttenlocher): a 1D squared
// distance pass over the rows of a one-pixel padded grid, then over its
// columns.
func DistanceTransform2D(mask []bool, width, height int) []float64 {
	pw, ph := width+2, height+2
	grid := make([]float64, pw*ph)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] {
				grid[(y+1)*pw+x+1] = farAway
			}
		}
	}

	n := max(pw, ph)
	f := make([]float64, n)
	d := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	for y := 0; y < ph; y++ {
		row := grid[y*pw : (y+1)*pw]
		copy(f, row)
		squaredDistance1D(f[:pw], d[:pw], v, z)
		copy(row, d[:pw])
	}
	for x := 0; x < pw; x++ {
		for y := 0; y < ph; y++ {
			f[y] = grid[y*pw+x]
		}
		squaredDistance1D(f[:ph], d[:ph], v, z)
		for y := 0; y < ph; y++ {
			grid[y*pw+x] = d[y]
		}
	}

	out := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = math.Sqrt(grid[(y+1)*pw+x+1])
		}
	}
	return out
}

// squaredDistance1D computes the lower envelope of the parabolas rooted at
// every sample of f into d. v and z are scratch space of len(f) and len(f)+1.
func squaredDistance1D(f, d []float64, v []int, z []float64) {
	n := len(f)
	k := 0
	v[0] = 0
	z[0] = math.Inf(-1)
	z[1] = math.Inf(1)
	for q := 1; q < n; q++ {
		s := intersect(f, q, v[k])
		for s <= z[k] {
			k--
			s = intersect(f, q, v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		d[q] = dq*dq + f[v[k]]
	}
}

func intersect(f []float64, q, p int) float64 {
	fq, fp := float64(q), float64(p)
	return ((f[q] + fq*fq) - (f[p] + fp*fp)) / (2*fq - 2*fp)
}
