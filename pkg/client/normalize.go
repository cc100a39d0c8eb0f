package client

import "math"

// MinNorm is the floor applied to the vector norm during normalization
const MinNorm = 1e-6

// Normalize scales v to unit length in place and returns it.
// Vectors shorter than MinNorm are divided by MinNorm instead.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Max(math.Sqrt(sum), MinNorm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
