//go:build cgo

package vecindex

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	c, err := newTestStore(t).Collection("test")
	if err != nil {
		t.Fatalf("opening collection: %v", err)
	}
	return c
}

func TestCollectionNameValidation(t *testing.T) {
	s := newTestStore(t)
	for _, bad := range []string{"", "Upper", "has space", "a;drop", "9start"} {
		if _, err := s.Collection(bad); err == nil {
			t.Errorf("Collection(%q) accepted an invalid name", bad)
		}
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	err := c.Upsert(ctx, "a", []float32{1, 0, 0, 0}, "payload a", map[string]string{"src": "doc1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	payload, meta, ok, err := c.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if payload != "payload a" || meta["src"] != "doc1" {
		t.Errorf("got payload=%q meta=%v", payload, meta)
	}

	if _, _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("Get on missing id returned ok")
	}
}

func TestUpsertReplacesVector(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, "a", []float32{1, 0, 0, 0}, "v1", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.Upsert(ctx, "a", []float32{0, 1, 0, 0}, "v2", nil); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}

	n, err := c.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}

	res, err := c.Query(ctx, []float32{0, 1, 0, 0}, QueryOptions{K: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res) != 1 || res[0].Payload != "v2" {
		t.Errorf("results = %+v, want the replaced payload", res)
	}
}

func TestQueryOrderAndThreshold(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	items := map[string][]float32{
		"exact": {1, 0, 0, 0},
		"near":  {0.9, 0.1, 0, 0},
		"far":   {0, 0, 1, 0},
	}
	for id, vec := range items {
		if err := c.Upsert(ctx, id, vec, id, nil); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	res, err := c.Query(ctx, []float32{1, 0, 0, 0}, QueryOptions{K: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res) != 3 || res[0].ID != "exact" || res[1].ID != "near" {
		t.Fatalf("unexpected order: %+v", res)
	}
	if res[0].Score < res[1].Score || res[1].Score < res[2].Score {
		t.Errorf("scores not descending: %+v", res)
	}

	// A high threshold cuts the orthogonal item.
	res, err = c.Query(ctx, []float32{1, 0, 0, 0}, QueryOptions{K: 3, Threshold: 0.5})
	if err != nil {
		t.Fatalf("Query with threshold: %v", err)
	}
	for _, r := range res {
		if r.ID == "far" {
			t.Errorf("threshold failed to drop far item: %+v", res)
		}
	}
}

func TestQueryDedupDeletesStale(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	// Two entries for the same logical question; the closer one must win
	// and the stale one must be removed from the collection.
	meta := map[string]string{"original_q": "how does login work"}
	if err := c.Upsert(ctx, "new", []float32{1, 0, 0, 0}, "fresh answer", meta); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.Upsert(ctx, "old", []float32{0.8, 0.2, 0, 0}, "stale answer", meta); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	res, err := c.Query(ctx, []float32{1, 0, 0, 0}, QueryOptions{K: 5, DedupByMeta: "original_q"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res) != 1 || res[0].ID != "new" {
		t.Fatalf("results = %+v, want only the fresh entry", res)
	}

	if _, _, ok, _ := c.Get(ctx, "old"); ok {
		t.Error("stale duplicate was not deleted")
	}
	n, _ := c.Len(ctx)
	if n != 1 {
		t.Errorf("Len = %d after dedup, want 1", n)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := c.Upsert(ctx, id, []float32{1, 0, 0, 0}, id, nil); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	if err := c.Delete(ctx, "b", "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	n, _ := c.Len(ctx)
	if n != 2 {
		t.Fatalf("Len = %d after delete, want 2", n)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	n, _ = c.Len(ctx)
	if n != 0 {
		t.Errorf("Len = %d after clear, want 0", n)
	}
}

func TestTwoCollectionsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Collection("alpha")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	b, err := s.Collection("beta")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := a.Upsert(ctx, "x", []float32{1, 0, 0, 0}, "in alpha", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Errorf("beta Len = %d, want 0", n)
	}
}
