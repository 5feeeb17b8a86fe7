package vecindex

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// HNSWConfig configures a new [HNSW] index.
type HNSWConfig struct {
	// Dim is the vector dimension. Required; must be positive.
	// All appended vectors must have exactly this many elements.
	Dim int

	// M is the maximum number of connections per node per layer (except
	// layer 0, which allows 2*M). Higher values improve recall but
	// increase memory usage and build time. Default: 16.
	M int

	// EfConstruction is the size of the dynamic candidate list during
	// index building. Higher values produce a higher-quality graph at
	// the cost of slower appends. Default: 200.
	EfConstruction int

	// EfSearch is the default size of the dynamic candidate list during
	// search queries. Higher values improve recall at the cost of higher
	// latency. Can be adjusted at runtime via [HNSW.SetEfSearch].
	// Default: 50.
	EfSearch int
}

func (c *HNSWConfig) setDefaults() {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
}

// maxConns returns the maximum number of connections at the given layer.
// Layer 0 allows 2*M; higher layers allow M.
func (c *HNSWConfig) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

// ---------------------------------------------------------------------------
// Internal priority-queue types for beam search
// ---------------------------------------------------------------------------

// distItem pairs an ordinal with its distance to a query vector.
type distItem struct {
	ord  uint32
	dist float32
}

// minDistHeap is a min-heap ordered by distance (closest first).
type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxDistHeap is a max-heap ordered by distance (farthest first).
type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ---------------------------------------------------------------------------
// HNSW
// ---------------------------------------------------------------------------

// hnswNode is a single vector in the HNSW graph. Its ordinal is its
// position in the nodes slice.
type hnswNode struct {
	vector  []float32  // the vector data (len == Dim)
	level   int        // highest layer this node appears on (0-based)
	friends [][]uint32 // friends[layer] = neighbor ordinals at that layer
}

// HNSW is a Hierarchical Navigable Small World index implementing [Index]
// and [Appender].
//
// It provides approximate nearest-neighbor search with O(log n) query time
// by organizing vectors into a multi-layer navigable graph. Higher layers
// contain exponentially fewer nodes and act as "express lanes" for fast
// traversal; layer 0 contains all nodes for precise local search.
//
// Vectors are append-only: ordinals are assigned sequentially and never
// recycled. All methods are safe for concurrent use.
type HNSW struct {
	mu       sync.RWMutex
	cfg      HNSWConfig
	nodes    []*hnswNode // ordinal → node
	entryOrd int32       // entry point ordinal; -1 if empty
	maxLevel int         // highest occupied layer in the graph
	levelMul float64     // 1/ln(M), for random level generation
}

// Compile-time interface checks.
var (
	_ Index    = (*HNSW)(nil)
	_ Appender = (*HNSW)(nil)
)

// NewHNSW creates an empty HNSW index with the given configuration.
// Panics if cfg.Dim is not positive.
func NewHNSW(cfg HNSWConfig) *HNSW {
	if cfg.Dim <= 0 {
		panic("vecindex: HNSWConfig.Dim must be positive")
	}
	cfg.setDefaults()
	return &HNSW{
		cfg:      cfg,
		entryOrd: -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}
}

// SetEfSearch adjusts the search-time candidate list size.
// Larger values improve recall at the cost of higher latency.
func (h *HNSW) SetEfSearch(ef int) {
	h.mu.Lock()
	h.cfg.EfSearch = ef
	h.mu.Unlock()
}

// Config returns a copy of the index configuration.
func (h *HNSW) Config() HNSWConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Len returns the number of vectors in the index.
func (h *HNSW) Len() int {
	h.mu.RLock()
	n := len(h.nodes)
	h.mu.RUnlock()
	return n
}

// Dim returns the configured vector dimensionality.
func (h *HNSW) Dim() int { return h.cfg.Dim }

// Close is a no-op. The index should not be used after Close.
func (h *HNSW) Close() error { return nil }

// ---------------------------------------------------------------------------
// Append
// ---------------------------------------------------------------------------

// Append adds a vector to the graph and returns its ordinal.
// Returns an error if the vector dimension does not match the configured Dim.
func (h *HNSW) Append(vector []float32) (int, error) {
	if len(vector) != h.cfg.Dim {
		return 0, fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(vector), h.cfg.Dim)
	}

	// Copy to avoid caller mutation.
	vec := make([]float32, len(vector))
	copy(vec, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	ord := uint32(len(h.nodes))
	level := h.randomLevel()
	nd := &hnswNode{
		vector:  vec,
		level:   level,
		friends: make([][]uint32, level+1),
	}
	h.nodes = append(h.nodes, nd)

	// First node — set as entry point and return.
	if h.entryOrd < 0 {
		h.entryOrd = int32(ord)
		h.maxLevel = level
		return int(ord), nil
	}

	// Phase 1: Greedy descent from the top layer down to level+1.
	// At each layer above the new node's level we only track the single
	// closest node (ef=1 greedy walk).
	cur := uint32(h.entryOrd)
	curDist := AngularDistance(vec, h.nodes[cur].vector)

	for lev := h.maxLevel; lev > level; lev-- {
		changed := true
		for changed {
			changed = false
			curNode := h.nodes[cur]
			if lev >= len(curNode.friends) {
				break
			}
			for _, f := range curNode.friends[lev] {
				d := AngularDistance(vec, h.nodes[f].vector)
				if d < curDist {
					cur = f
					curDist = d
					changed = true
				}
			}
		}
	}

	// Phase 2: At each layer from min(level, maxLevel) down to 0,
	// do a beam search, select neighbors, and connect bidirectionally.
	topInsert := level
	if topInsert > h.maxLevel {
		topInsert = h.maxLevel
	}

	ep := []uint32{cur}
	for lev := topInsert; lev >= 0; lev-- {
		candidates := h.searchLayer(vec, ep, h.cfg.EfConstruction, lev)

		maxC := h.cfg.maxConns(lev)
		neighbors := h.selectClosest(vec, candidates, maxC)
		nd.friends[lev] = neighbors

		// Add bidirectional connections and prune if necessary.
		for _, nOrd := range neighbors {
			nn := h.nodes[nOrd]
			if lev >= len(nn.friends) {
				continue
			}
			nn.friends[lev] = append(nn.friends[lev], ord)
			if len(nn.friends[lev]) > maxC {
				nn.friends[lev] = h.selectClosest(nn.vector, nn.friends[lev], maxC)
			}
		}

		// Use candidates as entry points for the next (lower) layer.
		ep = candidates
	}

	// Update the global entry point if the new node is higher.
	if level > h.maxLevel {
		h.entryOrd = int32(ord)
		h.maxLevel = level
	}

	return int(ord), nil
}

// AppendBatch adds multiple vectors in order.
func (h *HNSW) AppendBatch(vectors [][]float32) error {
	for i, vec := range vectors {
		if _, err := h.Append(vec); err != nil {
			return fmt.Errorf("vecindex: append %d: %w", i, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// SearchByVector returns the top-k nearest items to the query vector,
// ordered by ascending distance (closest first).
func (h *HNSW) SearchByVector(query []float32, k int) ([]Match, error) {
	if len(query) != h.cfg.Dim {
		return nil, fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(query), h.cfg.Dim)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.searchLocked(query, k)
}

// SearchByOrdinal returns the top-k nearest items to the stored item at the
// given ordinal. The item itself appears in the result with distance 0.
func (h *HNSW) SearchByOrdinal(ordinal, k int) ([]Match, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ordinal < 0 || ordinal >= len(h.nodes) {
		return nil, fmt.Errorf("vecindex: ordinal %d: %w", ordinal, ErrOrdinal)
	}
	return h.searchLocked(h.nodes[ordinal].vector, k)
}

// ItemVector returns a copy of the stored vector at the given ordinal.
func (h *HNSW) ItemVector(ordinal int) ([]float32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ordinal < 0 || ordinal >= len(h.nodes) {
		return nil, fmt.Errorf("vecindex: ordinal %d: %w", ordinal, ErrOrdinal)
	}
	vec := h.nodes[ordinal].vector
	cp := make([]float32, len(vec))
	copy(cp, vec)
	return cp, nil
}

// searchLocked runs the two-phase HNSW search. Caller must hold h.mu.
func (h *HNSW) searchLocked(query []float32, k int) ([]Match, error) {
	if len(h.nodes) == 0 || k <= 0 {
		return nil, nil
	}

	// ef must be at least k to guarantee enough candidates.
	ef := h.cfg.EfSearch
	if ef < k {
		ef = k
	}

	// Phase 1: Greedy descent from top layer to layer 1.
	cur := uint32(h.entryOrd)
	curDist := AngularDistance(query, h.nodes[cur].vector)

	for lev := h.maxLevel; lev > 0; lev-- {
		changed := true
		for changed {
			changed = false
			nd := h.nodes[cur]
			if lev >= len(nd.friends) {
				break
			}
			for _, f := range nd.friends[lev] {
				d := AngularDistance(query, h.nodes[f].vector)
				if d < curDist {
					cur = f
					curDist = d
					changed = true
				}
			}
		}
	}

	// Phase 2: Beam search at layer 0 with ef candidates.
	candidateOrds := h.searchLayer(query, []uint32{cur}, ef, 0)

	// Score, sort, and trim to k.
	matches := make([]Match, 0, len(candidateOrds))
	for _, c := range candidateOrds {
		matches = append(matches, Match{
			Ordinal:  int(c),
			Distance: AngularDistance(query, h.nodes[c].vector),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// randomLevel generates a random layer for a new node using an exponential
// distribution: P(level >= l) = exp(-l * ln(M)). Most nodes end up at
// layer 0; higher layers are exponentially rarer.
func (h *HNSW) randomLevel() int {
	// Use max to get (0,1] and avoid log(0).
	r := max(rand.Float64(), math.SmallestNonzeroFloat64)
	level := int(-math.Log(r) * h.levelMul)
	if level > 31 {
		level = 31 // cap to prevent pathological cases
	}
	return level
}

// searchLayer performs a beam search on a single layer, starting from the
// given entry points. It returns up to ef ordinals closest to the query
// vector.
func (h *HNSW) searchLayer(query []float32, entryPoints []uint32, ef int, layer int) []uint32 {
	visited := make(map[uint32]struct{}, ef*2)

	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		visited[ep] = struct{}{}
		d := AngularDistance(query, h.nodes[ep].vector)
		heap.Push(&candidates, distItem{ord: ep, dist: d})
		heap.Push(&results, distItem{ord: ep, dist: d})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(distItem)

		// If the closest unvisited candidate is farther than the farthest
		// result and we already have ef results, stop expanding.
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}

		nd := h.nodes[closest.ord]
		if layer >= len(nd.friends) {
			continue
		}

		for _, f := range nd.friends[layer] {
			if _, seen := visited[f]; seen {
				continue
			}
			visited[f] = struct{}{}

			d := AngularDistance(query, h.nodes[f].vector)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distItem{ord: f, dist: d})
				heap.Push(&results, distItem{ord: f, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].ord
	}
	return out
}

// selectClosest returns up to maxN ordinals from candidates that are
// closest to the query vector.
func (h *HNSW) selectClosest(query []float32, candidates []uint32, maxN int) []uint32 {
	if len(candidates) <= maxN {
		out := make([]uint32, len(candidates))
		copy(out, candidates)
		return out
	}

	items := make([]distItem, len(candidates))
	for i, c := range candidates {
		items[i] = distItem{ord: c, dist: AngularDistance(query, h.nodes[c].vector)}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].dist < items[j].dist
	})
	items = items[:maxN]

	out := make([]uint32, len(items))
	for i := range items {
		out[i] = items[i].ord
	}
	return out
}
