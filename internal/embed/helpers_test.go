package embed

import "math"

// vectorMagnitude returns the Euclidean length of an embedding, used to
// assert that embedders produce unit-normalized vectors.
func vectorMagnitude(v []float32) float64 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}
