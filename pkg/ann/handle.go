package ann

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haivivi/recserve/pkg/bundle"
	"github.com/haivivi/recserve/pkg/storage"
	"github.com/haivivi/recserve/pkg/vecindex"
)

// generation is one fully loaded index version. It is immutable once
// published: reloads build a complete replacement and swap the pointer.
type generation struct {
	index    vecindex.Index
	ids      []string       // ordinal → identifier
	ordinals map[string]int // identifier → ordinal
	meta     bundle.Metadata
	version  time.Time // remote last-modified observed at fetch
}

// neighbors converts engine matches into resolved neighbors.
// Distances are attached only when withDist is set.
func (g *generation) neighbors(matches []vecindex.Match, withDist bool) []Neighbor {
	ns := make([]Neighbor, len(matches))
	for i, m := range matches {
		ns[i] = Neighbor{ID: g.ids[m.Ordinal]}
		if withDist {
			ns[i].Distance = m.Distance
			ns[i].WithDist = true
		}
	}
	return ns
}

// Config configures a new [Handle].
type Config struct {
	// Name identifies the handle in logs, status output, and peer
	// references. Required.
	Name string

	// Store is the remote store holding the packaged bundle. Required.
	Store storage.FileStore

	// Source is the bundle path within Store. Required.
	Source string

	// CacheDir is the local directory bundles are extracted into.
	// Required; one directory per handle.
	CacheDir string

	// OOI is the ordered list of out-of-index lookup strategies tried
	// when a query identifier is absent from the loaded id space.
	// Optional; empty means out-of-index identifiers are unresolvable
	// by this handle.
	OOI []VectorSource

	// CheckInterval throttles the remote staleness probe: at most one
	// probe per interval across all queries. Zero probes on every query.
	CheckInterval time.Duration

	// Logger receives reload and staleness diagnostics.
	// Nil means slog.Default().
	Logger *slog.Logger
}

// Handle owns one versioned, queryable ANN index: the engine index, its
// identifier universe, and the metadata needed to interpret it.
//
// The loaded state is published through an atomic pointer: searches pin a
// generation for the whole call and are never exposed to a half-built
// replacement. Reloads are serialized per handle and leave the previous
// generation serving on any failure. A handle that has never loaded
// successfully fails fast with [ErrNotLoaded].
type Handle struct {
	name          string
	store         storage.FileStore
	source        string
	cacheDir      string
	ooi           []VectorSource
	checkInterval time.Duration
	log           *slog.Logger

	fallback *Handle

	gen       atomic.Pointer[generation]
	reloadMu  sync.Mutex
	lastProbe atomic.Int64 // unix nanos of the last staleness probe
}

// NewHandle creates an unloaded handle bound to one bundle source.
// Call [Handle.Load] (or let the first query trigger it) before serving.
func NewHandle(cfg Config) (*Handle, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("ann: Config.Name is required")
	case cfg.Store == nil:
		return nil, errors.New("ann: Config.Store is required")
	case cfg.Source == "":
		return nil, errors.New("ann: Config.Source is required")
	case cfg.CacheDir == "":
		return nil, errors.New("ann: Config.CacheDir is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handle{
		name:          cfg.Name,
		store:         cfg.Store,
		source:        cfg.Source,
		cacheDir:      cfg.CacheDir,
		ooi:           cfg.OOI,
		checkInterval: cfg.CheckInterval,
		log:           log.With("index", cfg.Name),
	}, nil
}

// Name returns the handle's configured name.
func (h *Handle) Name() string { return h.name }

// SetFallback links a parent handle consulted to backfill short result
// sets. It rejects links that would close a cycle through the fallback
// chain.
func (h *Handle) SetFallback(parent *Handle) error {
	for p := parent; p != nil; p = p.fallback {
		if p == h {
			return fmt.Errorf("ann: fallback of %q via %q closes a cycle", h.name, parent.name)
		}
	}
	h.fallback = parent
	return nil
}

// Fallback returns the configured fallback parent, or nil.
func (h *Handle) Fallback() *Handle { return h.fallback }

// SetOOI replaces the out-of-index strategy chain. Peer sources may
// reference handles created after this one, so wiring happens in a second
// pass; call before the handle starts serving queries.
func (h *Handle) SetOOI(sources []VectorSource) { h.ooi = sources }

// generationOrErr returns the current generation, failing fast when the
// handle has never loaded.
func (h *Handle) generationOrErr() (*generation, error) {
	gen := h.gen.Load()
	if gen == nil {
		return nil, fmt.Errorf("ann: index %q: %w", h.name, ErrNotLoaded)
	}
	return gen, nil
}

// ---------------------------------------------------------------------------
// Load / reload
// ---------------------------------------------------------------------------

// NeedsReload reports whether the remote bundle is newer than the loaded
// generation. A handle that has never loaded always needs a reload.
// It only probes the remote store; it never mutates handle state.
func (h *Handle) NeedsReload(ctx context.Context) (bool, error) {
	gen := h.gen.Load()
	if gen == nil {
		return true, nil
	}
	remote, err := h.store.ModTime(ctx, h.source)
	if err != nil {
		return false, err
	}
	// Local stamps are second-granular; compare at that resolution.
	return remote.Truncate(time.Second).After(gen.version.Truncate(time.Second)), nil
}

// Load performs the initial load. A still-fresh local extraction left by a
// previous process is reused without refetching; otherwise the bundle is
// fetched from the remote store.
func (h *Handle) Load(ctx context.Context) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	if h.gen.Load() != nil {
		return nil
	}

	fetch := true
	if local, err := bundle.LocalVersion(h.cacheDir); err == nil && !local.IsZero() {
		remote, err := h.store.ModTime(ctx, h.source)
		if err == nil && !remote.Truncate(time.Second).After(local) {
			fetch = false
		}
	}

	gen, err := h.loadGeneration(ctx, fetch)
	if err != nil && !fetch {
		// Local cache was unusable after all; fall back to a fetch.
		h.log.Warn("cached bundle unusable, refetching", "error", err)
		gen, err = h.loadGeneration(ctx, true)
	}
	if err != nil {
		return err
	}
	h.gen.Store(gen)
	h.log.Info("index loaded",
		"source", h.source, "items", len(gen.ids), "version", gen.version)
	return nil
}

// Reload fetches and publishes a new generation. Reloads on the same
// handle are serialized; a request that was queued behind a completed
// reload re-checks staleness and returns without refetching. On failure
// the previously published generation keeps serving.
func (h *Handle) Reload(ctx context.Context) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	// Collapse concurrent reload requests: whoever held the lock may have
	// already published the version we were asked to load.
	if gen := h.gen.Load(); gen != nil {
		remote, err := h.store.ModTime(ctx, h.source)
		if err != nil {
			return fmt.Errorf("%w: probe %s: %v", ErrReload, h.source, err)
		}
		if !remote.Truncate(time.Second).After(gen.version.Truncate(time.Second)) {
			return nil
		}
	}

	gen, err := h.loadGeneration(ctx, true)
	if err != nil {
		return err
	}
	h.gen.Store(gen)
	h.log.Info("index reloaded",
		"source", h.source, "items", len(gen.ids), "version", gen.version)
	return nil
}

// loadGeneration builds a complete generation from the bundle, optionally
// fetching it first. Nothing is published here; the caller swaps the
// pointer only after every piece loaded successfully.
func (h *Handle) loadGeneration(ctx context.Context, fetch bool) (*generation, error) {
	var version time.Time
	var err error
	if fetch {
		version, err = bundle.Fetch(ctx, h.store, h.source, h.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReload, err)
		}
	} else {
		version, err = bundle.LocalVersion(h.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReload, err)
		}
	}

	c, err := bundle.Open(h.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReload, err)
	}

	f, err := os.Open(c.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReload, err)
	}
	defer f.Close()
	idx, err := vecindex.LoadHNSW(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReload, err)
	}

	if idx.Dim() != c.Meta.Dim {
		return nil, fmt.Errorf("%w: index dim %d does not match metadata dim %d",
			ErrReload, idx.Dim(), c.Meta.Dim)
	}
	if idx.Len() != len(c.IDs) {
		return nil, fmt.Errorf("%w: index has %d items but id list has %d",
			ErrReload, idx.Len(), len(c.IDs))
	}

	return &generation{
		index:    idx,
		ids:      c.IDs,
		ordinals: c.Ordinals,
		meta:     c.Meta,
		version:  version,
	}, nil
}

// maybeReload runs the per-query staleness cycle: probe (throttled by
// CheckInterval), reload if stale. A probe or reload failure is logged and
// swallowed as long as a previously loaded generation keeps serving; it is
// returned only when the handle has nothing to serve at all.
func (h *Handle) maybeReload(ctx context.Context) error {
	if h.gen.Load() == nil {
		return h.Load(ctx)
	}

	if h.checkInterval > 0 {
		now := time.Now().UnixNano()
		last := h.lastProbe.Load()
		if now-last < int64(h.checkInterval) {
			return nil
		}
		if !h.lastProbe.CompareAndSwap(last, now) {
			return nil // another query claimed this probe window
		}
	}

	stale, err := h.NeedsReload(ctx)
	if err != nil {
		h.log.Warn("staleness probe failed, serving current generation", "error", err)
		return nil
	}
	if !stale {
		return nil
	}
	if err := h.Reload(ctx); err != nil {
		h.log.Error("reload failed, serving previous generation", "error", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// SearchByVector runs an approximate top-k query for the given vector.
// Distances are attached to the results only when withDist is set.
func (h *Handle) SearchByVector(ctx context.Context, vec []float32, k int, withDist bool) ([]Neighbor, error) {
	gen, err := h.generationOrErr()
	if err != nil {
		return nil, err
	}
	matches, err := gen.index.SearchByVector(vec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineQuery, err)
	}
	return gen.neighbors(matches, withDist), nil
}

// SearchByID runs an approximate top-k query for the given identifier.
//
// An in-index identifier is queried by ordinal, requesting k+1 results
// because the item is certain to rank among its own neighbors; the
// self-match is then dropped. An out-of-index identifier is resolved to a
// vector through the OOI chain and queried with exactly k; no self-match
// can occur since the identifier is not a member of this id space, but the
// result is still filtered defensively against duplicate embeddings.
func (h *Handle) SearchByID(ctx context.Context, id string, k int, withDist bool) ([]Neighbor, error) {
	gen, err := h.generationOrErr()
	if err != nil {
		return nil, err
	}

	var ns []Neighbor
	if ord, ok := gen.ordinals[id]; ok {
		matches, err := gen.index.SearchByOrdinal(ord, k+1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineQuery, err)
		}
		ns = gen.neighbors(matches, withDist)
	} else {
		vec, err := resolveOOI(ctx, h.ooi, id)
		if err != nil {
			return nil, err
		}
		matches, err := gen.index.SearchByVector(vec, k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineQuery, err)
		}
		ns = gen.neighbors(matches, withDist)
	}

	ns = dropID(ns, id)
	if len(ns) > k {
		ns = ns[:k]
	}
	return ns, nil
}

// VectorForID returns the stored embedding for an identifier: from the
// loaded index when the identifier is in-index, otherwise through the OOI
// chain. Returns (nil, nil) when the identifier is unresolvable; store
// failures are returned as errors.
func (h *Handle) VectorForID(ctx context.Context, id string) ([]float32, error) {
	gen, err := h.generationOrErr()
	if err != nil {
		return nil, err
	}

	if ord, ok := gen.ordinals[id]; ok {
		vec, err := gen.index.ItemVector(ord)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineQuery, err)
		}
		return vec, nil
	}

	vec, err := resolveOOI(ctx, h.ooi, id)
	if errors.Is(err, ErrOutOfIndex) {
		return nil, nil
	}
	return vec, err
}

// dropID removes every neighbor whose identifier equals id.
// With at most one self-match this is a single-element removal.
func dropID(ns []Neighbor, id string) []Neighbor {
	out := ns[:0]
	for _, n := range ns {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status is a point-in-time description of a handle, served on the status
// endpoint.
type Status struct {
	Name     string           `json:"name"`
	Source   string           `json:"source"`
	Loaded   bool             `json:"loaded"`
	Version  *time.Time       `json:"version,omitempty"`
	Items    int              `json:"n_ids"`
	HeadIDs  []string         `json:"head_ids,omitempty"`
	Meta     *bundle.Metadata `json:"meta,omitempty"`
	Fallback string           `json:"fallback,omitempty"`
}

// Status reports the handle's current generation.
func (h *Handle) Status() Status {
	st := Status{
		Name:   h.name,
		Source: h.source,
	}
	if h.fallback != nil {
		st.Fallback = h.fallback.name
	}
	gen := h.gen.Load()
	if gen == nil {
		return st
	}
	st.Loaded = true
	v := gen.version
	st.Version = &v
	st.Items = len(gen.ids)
	head := gen.ids
	if len(head) > 5 {
		head = head[:5]
	}
	st.HeadIDs = append([]string(nil), head...)
	m := gen.meta
	st.Meta = &m
	return st
}
