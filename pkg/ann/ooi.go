package ann

import (
	"context"
	"errors"
	"fmt"

	"github.com/haivivi/recserve/pkg/embstore"
)

// VectorSource is one out-of-index (OOI) lookup strategy: it resolves an
// identifier that is absent from a handle's id space to a feature vector.
//
// A miss is reported as an error wrapping [embstore.ErrNotFound]; any other
// error means the source itself failed. The distinction matters: a miss
// moves resolution on to the next source, a failure aborts it.
type VectorSource interface {
	// Vector returns the stored embedding for the identifier.
	Vector(ctx context.Context, id string) ([]float32, error)
}

// TableSource resolves identifiers against an external embedding store.
type TableSource struct {
	Store embstore.Store
}

// Vector looks the identifier up in the backing store.
func (s TableSource) Vector(ctx context.Context, id string) ([]float32, error) {
	return s.Store.Get(ctx, id)
}

// PeerSource resolves identifiers against a secondary index handle: items
// absent from the primary index may still be members of a peer index.
type PeerSource struct {
	Handle *Handle
}

// Vector returns the peer's stored embedding for the identifier, walking
// the peer's own OOI chain if necessary.
func (s PeerSource) Vector(ctx context.Context, id string) ([]float32, error) {
	vec, err := s.Handle.VectorForID(ctx, id)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, fmt.Errorf("ann: peer %s: id %q: %w", s.Handle.Name(), id, embstore.ErrNotFound)
	}
	return vec, nil
}

// resolveOOI tries each source in order and returns the first present
// vector. Misses move to the next source; a store failure aborts with
// ErrStoreLookup; exhausting all sources yields ErrOutOfIndex.
//
// No source is retried within one resolution.
func resolveOOI(ctx context.Context, sources []VectorSource, id string) ([]float32, error) {
	for _, src := range sources {
		vec, err := src.Vector(ctx, id)
		if err == nil {
			return vec, nil
		}
		if errors.Is(err, ErrNotLoaded) || errors.Is(err, embstore.ErrNotFound) {
			continue
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreLookup, err)
	}
	return nil, fmt.Errorf("ann: id %q: %w", id, ErrOutOfIndex)
}
