// Package vecindex provides the approximate nearest-neighbor (ANN) query
// capability over dense float32 vectors, addressed by ordinal.
//
// An ordinal is the position of an item inside the engine's vector storage;
// the mapping between ordinals and external identifiers is owned by the
// layer above (see the bundle id list). Indexes are built append-only and
// queried read-only: the serving path never mutates a loaded index, it is
// replaced wholesale when a new bundle version is published.
//
// Two implementations are provided: [HNSW] for production use and [Flat]
// (brute force) for tests and small sets.
package vecindex

import "errors"

// ErrOrdinal is returned when an ordinal is outside the index's range.
var ErrOrdinal = errors.New("vecindex: ordinal out of range")

// Index is the interface for approximate nearest-neighbor search.
//
// All implementations must be safe for concurrent readers. Append is not
// required to be safe against concurrent searches unless the implementation
// documents otherwise.
type Index interface {
	// SearchByVector returns the top-k nearest items to the query vector.
	// Results are ordered by ascending distance (closest first). The
	// ranking is approximate: callers must not assume exact nearest
	// neighbors.
	SearchByVector(query []float32, k int) ([]Match, error)

	// SearchByOrdinal returns the top-k nearest items to the item already
	// stored at the given ordinal. The item itself ranks among its own
	// neighbors (distance 0); callers that want it excluded must request
	// one extra result and drop it.
	SearchByOrdinal(ordinal, k int) ([]Match, error)

	// ItemVector returns a copy of the stored vector at the given ordinal.
	ItemVector(ordinal int) ([]float32, error)

	// Len returns the number of vectors in the index.
	Len() int

	// Dim returns the vector dimensionality.
	Dim() int

	// Close releases resources held by the index.
	Close() error
}

// Appender is the build-side interface: vectors are added in ordinal order
// (the first appended vector gets ordinal 0, and so on).
type Appender interface {
	// Append adds a vector and returns its ordinal.
	Append(vector []float32) (int, error)

	// AppendBatch adds multiple vectors in order.
	AppendBatch(vectors [][]float32) error
}

// Match is a single result from a nearest-neighbor search.
type Match struct {
	// Ordinal is the position of the matched item in the index.
	Ordinal int

	// Distance is the angular distance between the query and the matched
	// vector, in [0, 2]. Lower values indicate higher similarity.
	Distance float32
}
