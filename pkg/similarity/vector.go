// Package similarity provides vector similarity utilities for embedding comparison.
package similarity

import (
	"fmt"
	"math"
)

// UnitTolerance is the maximum allowed deviation of a unit vector's L2 norm from 1.
const UnitTolerance = 1e-3

// Dot returns the dot product of two equal-length vectors.
// For unit vectors this equals their cosine similarity.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}

// Normalize scales v to unit length in place.
// Returns false if v has zero norm.
func Normalize(v []float32) bool {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return false
	}
	inv := 1 / n
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

// CheckUnit verifies that v has the expected dimension, only finite components
// and an L2 norm of 1 within UnitTolerance.
func CheckUnit(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", dim, len(v))
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite component at %d", i)
		}
	}
	if n := Norm(v); math.Abs(n-1) > UnitTolerance {
		return fmt.Errorf("not normalized: norm %.6f", n)
	}
	return nil
}
