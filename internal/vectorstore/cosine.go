package vectorstore

import (
	"errors"
	"fmt"
	"math"
)

// ErrZeroVector is returned when either operand has zero magnitude.
var ErrZeroVector = errors.New("cosine similarity undefined for zero vector")

// Match is one similarity hit from content search.
type Match struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	URL        string  `json:"url,omitempty"`
}

// Cosine computes cosine similarity between two vectors of equal
// dimension. Result is in [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, ErrZeroVector
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
