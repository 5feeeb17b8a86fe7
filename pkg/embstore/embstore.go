// Package embstore provides a key-value store of feature vectors keyed by
// item identifier. It backs out-of-index resolution: when a query subject
// has no entry in the serving index, its embedding can still be looked up
// here and searched by vector.
//
// The package includes a BadgerDB-backed implementation for production use
// and an in-memory implementation for testing. Vector values are encoded
// with msgpack.
//
// Absence and failure are distinct: Get returns [ErrNotFound] when the
// identifier has no stored embedding, and any other error when the backing
// store itself failed. Callers that chain multiple lookup strategies must
// only move on past an ErrNotFound.
package embstore

import (
	"context"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned when an identifier has no stored embedding.
var ErrNotFound = errors.New("embstore: not found")

// Store is the interface for an embedding store.
type Store interface {
	// Get retrieves the embedding for an identifier.
	// Returns ErrNotFound if no embedding is stored.
	Get(ctx context.Context, id string) ([]float32, error)

	// Set stores an embedding. Overwrites any existing value.
	Set(ctx context.Context, id string, vector []float32) error

	// Delete removes an embedding. No error if the identifier is absent.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}

// record is the msgpack-encoded value stored per identifier.
type record struct {
	Vector []float32 `msgpack:"v"`
}

// encodeVector serializes an embedding for storage.
func encodeVector(vector []float32) ([]byte, error) {
	return msgpack.Marshal(record{Vector: vector})
}

// decodeVector deserializes a stored embedding.
func decodeVector(data []byte) ([]float32, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec.Vector, nil
}
