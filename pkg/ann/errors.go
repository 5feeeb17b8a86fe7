package ann

import "errors"

// Sentinel errors for the query-resolution taxonomy. Callers classify
// failures with errors.Is; the HTTP layer maps them to response policy.
var (
	// ErrInvalidQuery marks a malformed query: neither or both of
	// identifier/vector set, or a non-positive k.
	ErrInvalidQuery = errors.New("ann: invalid query")

	// ErrOutOfIndex marks an identifier that is absent from the index and
	// unresolvable through every configured out-of-index source.
	ErrOutOfIndex = errors.New("ann: identifier not resolvable")

	// ErrStoreLookup marks a transient backing-store failure during
	// out-of-index resolution, distinct from a legitimate miss.
	ErrStoreLookup = errors.New("ann: embedding store lookup failed")

	// ErrReload marks a failed fetch/extract/open of a bundle. Non-fatal
	// while a previously loaded generation keeps serving.
	ErrReload = errors.New("ann: index reload failed")

	// ErrEngineQuery marks a failure inside the ANN engine itself.
	ErrEngineQuery = errors.New("ann: engine query failed")

	// ErrNotLoaded marks a handle that has never completed a load.
	ErrNotLoaded = errors.New("ann: index never loaded")
)
