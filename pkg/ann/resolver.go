package ann

import (
	"context"
	"errors"
	"fmt"
)

// Query is one similarity request against a handle chain.
// Exactly one of ID and Vector must be set.
type Query struct {
	// ID is the query identifier. Mutually exclusive with Vector.
	ID string

	// Vector is the raw query embedding. Mutually exclusive with ID.
	Vector []float32

	// K is the requested number of neighbors. Required, must be >= 1.
	K int

	// InclDist requests engine-native distances on the results.
	InclDist bool

	// InclScore requests derived similarity scores on the results.
	InclScore bool

	// Threshold, when non-nil, drops every neighbor whose score is not
	// strictly greater than the given value.
	Threshold *float64
}

// withDistance reports whether the engine must be asked for distances:
// they are needed to serve incl_dist, to derive scores, and to filter by
// threshold.
func (q Query) withDistance() bool {
	return q.InclDist || q.InclScore || q.Threshold != nil
}

// validate rejects malformed queries.
func (q Query) validate() error {
	hasID := q.ID != ""
	hasVec := len(q.Vector) > 0
	switch {
	case hasID == hasVec:
		return fmt.Errorf("%w: exactly one of id and vector must be set", ErrInvalidQuery)
	case q.K < 1:
		return fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidQuery, q.K)
	}
	return nil
}

// Resolve answers a query against this handle and its fallback chain.
//
// The resolution cycle per handle: staleness check (with synchronous
// reload), vector acquisition, approximate search, self-match exclusion,
// then backfill from the fallback parent for any deficit. Primary results
// always rank ahead of fallback results regardless of fallback scores.
//
// The score threshold is applied once, globally, after the full backfill —
// not per fallback level — so a threshold that rejects many
// fallback-sourced neighbors can leave fewer than k results. Truncation to
// k happens last, preserving order.
func (h *Handle) Resolve(ctx context.Context, q Query) ([]Neighbor, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	ns, err := h.resolve(ctx, q, q.K)
	if err != nil {
		return nil, err
	}

	if q.Threshold != nil {
		ns = dropBelowScore(ns, *q.Threshold)
	}
	if len(ns) > q.K {
		ns = ns[:q.K]
	}
	return ns, nil
}

// resolve runs one level of the fallback chain, requesting k neighbors.
// Threshold filtering and final truncation are the caller's business.
func (h *Handle) resolve(ctx context.Context, q Query, k int) ([]Neighbor, error) {
	if err := h.maybeReload(ctx); err != nil {
		return nil, err
	}

	withDist := q.withDistance()
	var ns []Neighbor
	var err error
	if len(q.Vector) > 0 {
		ns, err = h.SearchByVector(ctx, q.Vector, k, withDist)
	} else {
		ns, err = h.SearchByID(ctx, q.ID, k, withDist)
	}
	if err != nil {
		// An identifier this handle cannot place is only fatal when there
		// is nowhere left to go: with a fallback parent configured the
		// query degrades to a pure backfill.
		if h.fallback == nil || !errors.Is(err, ErrOutOfIndex) {
			return nil, err
		}
		ns = nil
	}

	if len(ns) < k && h.fallback != nil {
		fb, err := h.fallback.resolve(ctx, q, k-len(ns))
		if err != nil {
			// A fallback that cannot resolve the identifier, or cannot
			// load its index at all, leaves the deficit unfilled rather
			// than discarding primary results.
			if !errors.Is(err, ErrOutOfIndex) && !errors.Is(err, ErrNotLoaded) && !errors.Is(err, ErrReload) {
				return nil, err
			}
			h.log.Warn("fallback backfill unavailable",
				"fallback", h.fallback.name, "error", err)
			return ns, nil
		}
		ns = append(ns, fb...)
	}
	return ns, nil
}

// dropBelowScore keeps only neighbors whose score is strictly greater than
// thresh. Neighbors without a distance carry no score and are dropped;
// withDistance guarantees they cannot occur on a thresholded query.
func dropBelowScore(ns []Neighbor, thresh float64) []Neighbor {
	out := ns[:0]
	for _, n := range ns {
		if s, ok := n.Score(); ok && s > thresh {
			out = append(out, n)
		}
	}
	return out
}
