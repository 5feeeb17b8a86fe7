package ann

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haivivi/recserve/pkg/bundle"
	"github.com/haivivi/recserve/pkg/embstore"
	"github.com/haivivi/recserve/pkg/storage"
	"github.com/haivivi/recserve/pkg/vecindex"
)

// ---------------------------------------------------------------------------
// Shared fixtures
//
// The canonical test index holds A, B, C, D as 2D unit vectors chosen so
// that the angular distances from A are exact: B at 0.2, C at 0.6, D at
// 1.5. Querying A for 2 neighbors therefore yields [B, C] with scores
// [0.9, 0.7].
// ---------------------------------------------------------------------------

var (
	testIDs  = []string{"A", "B", "C", "D"}
	testVecs = [][]float32{
		{1, 0},
		{0.8, 0.6},
		{0.4, 0.9165151},
		{-0.5, 0.8660254},
	}
)

// quietLogger discards diagnostics so expected failures don't spam test
// output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildBundle packs an HNSW bundle for the given ids/vectors into a byte
// slice.
func buildBundle(t *testing.T, ids []string, vecs [][]float32) []byte {
	t.Helper()
	dim := len(vecs[0])
	h := vecindex.NewHNSW(vecindex.HNSWConfig{Dim: dim, M: 4, EfConstruction: 32, EfSearch: 32})
	if err := h.AppendBatch(vecs); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := bundle.Pack(&buf, h, ids, bundle.Metadata{Dim: dim}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// testRemote is a local-disk stand-in for the remote bundle store, with
// the root exposed so tests can manipulate object mtimes.
type testRemote struct {
	store *storage.Local
	root  string
}

func newTestRemote(t *testing.T) *testRemote {
	t.Helper()
	root := t.TempDir()
	s, err := storage.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	return &testRemote{store: s, root: root}
}

// put writes a bundle object and pins its mtime.
func (r *testRemote) put(t *testing.T, path string, data []byte, mod time.Time) {
	t.Helper()
	w, err := r.store.Write(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	full := filepath.Join(r.root, path)
	if err := os.Chtimes(full, mod, mod); err != nil {
		t.Fatal(err)
	}
}

// handleOpt tweaks a test handle config.
type handleOpt func(*Config)

func withOOI(sources ...VectorSource) handleOpt {
	return func(c *Config) { c.OOI = sources }
}

// newTestHandle builds a loaded handle backed by a freshly packed bundle.
func newTestHandle(t *testing.T, name string, ids []string, vecs [][]float32, opts ...handleOpt) (*Handle, *testRemote) {
	t.Helper()
	remote := newTestRemote(t)
	path := name + ".tar.gz"
	remote.put(t, path, buildBundle(t, ids, vecs), time.Now().Add(-time.Minute))

	cfg := Config{
		Name:     name,
		Store:    remote.store,
		Source:   path,
		CacheDir: t.TempDir(),
		Logger:   quietLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h, err := NewHandle(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h, remote
}

// faultStore is an embedding store whose lookups always fail, for
// exercising the store-error (not miss) path.
type faultStore struct{ err error }

func (f faultStore) Get(context.Context, string) ([]float32, error) { return nil, f.err }
func (f faultStore) Set(context.Context, string, []float32) error   { return f.err }
func (f faultStore) Delete(context.Context, string) error           { return f.err }
func (f faultStore) Close() error                                   { return nil }

// seededStore builds an in-memory embedding store with the given vectors.
func seededStore(t *testing.T, vectors map[string][]float32) *embstore.Memory {
	t.Helper()
	s := embstore.NewMemory()
	for id, vec := range vectors {
		if err := s.Set(context.Background(), id, vec); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// neighborIDs projects a neighbor list to its identifiers.
func neighborIDs(ns []Neighbor) []string {
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.ID
	}
	return ids
}

// sameIDs reports whether got matches want exactly, in order.
func sameIDs(got []Neighbor, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}
