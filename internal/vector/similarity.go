// Package vector holds the embedding math used by the embedded store.
package vector

import (
	"encoding/json"
	"fmt"
	"math"
)

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Mismatched lengths, empty vectors and zero vectors yield 0.
// Accumulates in float64.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Validate rejects vectors of the wrong dimension or with non-finite values
func Validate(v []float32, dimensions int) error {
	if len(v) != dimensions {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(v), dimensions)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding value at %d is not finite", i)
		}
	}
	return nil
}

// Encode serializes v for text columns. nil encodes to nil.
func Encode(v []float32) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode parses a vector written by Encode. Empty input decodes to nil.
func Decode(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	return v, nil
}
