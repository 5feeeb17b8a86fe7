package embstore

import (
	"context"
	"errors"
	"testing"
)

// storeFactories lets every conformance test run against both backends.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemory()
	},
	"badger": func(t *testing.T) Store {
		s, err := NewBadger(BadgerOptions{InMemory: true})
		if err != nil {
			t.Fatal(err)
		}
		return s
	},
}

func TestStoreSetGet(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			want := []float32{0.25, -1, 3.5}
			if err := s.Set(ctx, "item-1", want); err != nil {
				t.Fatal(err)
			}

			got, err := s.Get(ctx, "item-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(want) {
				t.Fatalf("got %d elements, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("element %d = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestStoreGetNotFound(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			_, err := s.Get(context.Background(), "nope")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreOverwrite(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			_ = s.Set(ctx, "x", []float32{1, 2})
			if err := s.Set(ctx, "x", []float32{3, 4}); err != nil {
				t.Fatal(err)
			}

			got, err := s.Get(ctx, "x")
			if err != nil {
				t.Fatal(err)
			}
			if got[0] != 3 || got[1] != 4 {
				t.Fatalf("got %v, want [3 4]", got)
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			// Delete absent — no error.
			if err := s.Delete(ctx, "ghost"); err != nil {
				t.Fatal(err)
			}

			_ = s.Set(ctx, "x", []float32{1})
			if err := s.Delete(ctx, "x"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestMemoryGetCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_ = s.Set(ctx, "x", []float32{1, 2})
	got, _ := s.Get(ctx, "x")
	got[0] = 99

	again, _ := s.Get(ctx, "x")
	if again[0] != 1 {
		t.Fatalf("stored vector mutated through returned copy: %v", again)
	}
}

func TestBadgerSetBatch(t *testing.T) {
	s, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	ids := []string{"a", "b", "c"}
	vecs := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	if err := s.SetBatch(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}

	for i, id := range ids {
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != vecs[i][0] || got[1] != vecs[i][1] {
			t.Fatalf("id %q: got %v, want %v", id, got, vecs[i])
		}
	}
}

func TestBadgerSetBatchLengthMismatch(t *testing.T) {
	s, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetBatch(context.Background(), []string{"a"}, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadger(BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "durable", []float32{7, 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewBadger(BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "durable")
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 7 || got[1] != 7 {
		t.Fatalf("got %v, want [7 7]", got)
	}
}
