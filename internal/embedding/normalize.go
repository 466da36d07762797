package embedding

import "math"

// L2NormalizeInPlace scales vec to unit length. It reports false and leaves
// vec untouched when vec is empty or all zeros.
func L2NormalizeInPlace(vec []float32) bool {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq <= 0 {
		return false
	}
	inv := float32(1.0 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= inv
	}
	return true
}

// MeanL2 averages vectors of equal length and normalises the result.
// It returns nil for no input, mismatched lengths or a zero mean.
func MeanL2(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil
	}
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		out[i] = float32(sum[i] / n)
	}
	if !L2NormalizeInPlace(out) {
		return nil
	}
	return out
}

// Dot is the inner product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float32
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}
