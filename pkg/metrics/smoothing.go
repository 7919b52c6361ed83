package metrics

import "math"

// gaussianKernel returns normalised weights for offsets -r..r, r = ceil(3σ).
func gaussianKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := -r; i <= r; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+r] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// kernelRadius is the half width of the kernel for sigma, 0 when disabled.
func kernelRadius(sigma float64) int {
	if sigma <= 0 {
		return 0
	}
	return int(math.Ceil(3 * sigma))
}

// smooth convolves a z-major width*height*depth field with a separable
// Gaussian, treating samples outside the field as zero.
func smooth(data []float64, width, height, depth int, sigma float64) []float64 {
	if sigma <= 0 {
		return data
	}
	k := gaussianKernel(sigma)
	r := len(k) / 2
	plane := width * height

	pass := func(src []float64, stride, n int, pos func(i int) int) []float64 {
		dst := make([]float64, len(src))
		for i := range src {
			p := pos(i)
			acc := 0.0
			for j, w := range k {
				q := p + j - r
				if q < 0 || q >= n {
					continue
				}
				acc += w * src[i+(j-r)*stride]
			}
			dst[i] = acc
		}
		return dst
	}

	out := pass(data, 1, width, func(i int) int { return i % width })
	out = pass(out, width, height, func(i int) int { return (i % plane) / width })
	out = pass(out, plane, depth, func(i int) int { return i / plane })
	return out
}
