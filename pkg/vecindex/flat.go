package vecindex

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Flat is a brute-force [Index] implementation scanning every stored vector.
// Intended for tests and small sets (< 1000 vectors).
//
// It is safe for concurrent use.
type Flat struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
}

// Compile-time interface checks.
var (
	_ Index    = (*Flat)(nil)
	_ Appender = (*Flat)(nil)
)

// NewFlat creates an empty brute-force index for vectors of the given
// dimensionality. Panics if dim is not positive.
func NewFlat(dim int) *Flat {
	if dim <= 0 {
		panic("vecindex: Flat dim must be positive")
	}
	return &Flat{dim: dim}
}

// Append adds a vector and returns its ordinal.
func (f *Flat) Append(vector []float32) (int, error) {
	if len(vector) != f.dim {
		return 0, fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(vector), f.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	f.mu.Lock()
	ord := len(f.vectors)
	f.vectors = append(f.vectors, cp)
	f.mu.Unlock()
	return ord, nil
}

// AppendBatch adds multiple vectors in order.
func (f *Flat) AppendBatch(vectors [][]float32) error {
	for i, vec := range vectors {
		if _, err := f.Append(vec); err != nil {
			return fmt.Errorf("vecindex: append %d: %w", i, err)
		}
	}
	return nil
}

// SearchByVector returns the top-k nearest items by exhaustive scan,
// ordered by ascending distance.
func (f *Flat) SearchByVector(query []float32, k int) ([]Match, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(query), f.dim)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.vectors) == 0 || k <= 0 {
		return nil, nil
	}

	matches := make([]Match, len(f.vectors))
	for i, vec := range f.vectors {
		matches[i] = Match{Ordinal: i, Distance: AngularDistance(query, vec)}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// SearchByOrdinal returns the top-k nearest items to the stored item at the
// given ordinal. The item itself appears in the result with distance 0.
func (f *Flat) SearchByOrdinal(ordinal, k int) ([]Match, error) {
	f.mu.RLock()
	if ordinal < 0 || ordinal >= len(f.vectors) {
		f.mu.RUnlock()
		return nil, fmt.Errorf("vecindex: ordinal %d: %w", ordinal, ErrOrdinal)
	}
	query := f.vectors[ordinal]
	f.mu.RUnlock()
	return f.SearchByVector(query, k)
}

// ItemVector returns a copy of the stored vector at the given ordinal.
func (f *Flat) ItemVector(ordinal int) ([]float32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if ordinal < 0 || ordinal >= len(f.vectors) {
		return nil, fmt.Errorf("vecindex: ordinal %d: %w", ordinal, ErrOrdinal)
	}
	vec := f.vectors[ordinal]
	cp := make([]float32, len(vec))
	copy(cp, vec)
	return cp, nil
}

// Len returns the number of vectors in the index.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Dim returns the configured vector dimensionality.
func (f *Flat) Dim() int { return f.dim }

// Close is a no-op.
func (f *Flat) Close() error { return nil }

// AngularDistance computes the angular (cosine-derived) distance between
// two vectors. Returns a value in [0, 2] where 0 means identical direction
// and 2 means opposite direction.
func AngularDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 2 // maximum distance for mismatched dimensions
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 2 // zero vector has no direction; treat as maximum distance
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp for floating-point error.
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return float32(1 - cos)
}
