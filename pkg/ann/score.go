package ann

// Score converts an angular distance into a bounded similarity score:
//
//	score = 1 - distance/2
//
// This holds only for the angular metric, whose distances lie in [0, 2];
// it maps 0 → 1 (identical) and 2 → 0 (opposite). Inputs outside that
// range are passed through arithmetically and produce scores outside
// [0, 1]; they are not clamped, since the engine metric is the contract.
func Score(distance float32) float64 {
	return 1 - float64(distance)/2
}

// Neighbor is a single query result: a resolved identifier plus,
// optionally, the engine-native distance it was ranked by.
type Neighbor struct {
	// ID is the identifier of the matched item.
	ID string

	// Distance is the engine-native distance. Valid only when WithDist
	// is true; distances are requested from the engine only when the
	// caller needs them (incl_dist, incl_score, or threshold filtering).
	Distance float32

	// WithDist reports whether Distance carries a value.
	WithDist bool
}

// Score derives the similarity score from the neighbor's distance.
// Returns false when the neighbor carries no distance. The score is
// always recomputed from the distance, never stored.
func (n Neighbor) Score() (float64, bool) {
	if !n.WithDist {
		return 0, false
	}
	return Score(n.Distance), true
}
