package entity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.db")
	store, err := NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStoreBasicCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	owner := NameKey("User", "sub-1", nil)

	stored, err := store.Put(ctx, Entity{
		Key:   IncompleteKey("Gallery", owner),
		Props: map[string]any{"title": "holiday", "created_at": "2024-05-01T10:00:00Z"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if stored.Key.ID() == 0 {
		t.Fatal("expected allocated id")
	}
	got, err := store.Get(ctx, stored.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Props["title"] != "holiday" {
		t.Fatalf("unexpected entity %+v", got)
	}
	if err := store.Delete(ctx, stored.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, stored.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBoltStoreIDsAreStable(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	owner := NameKey("User", "sub-1", nil)
	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		e, err := store.Put(ctx, Entity{Key: IncompleteKey("Image", owner), Props: map[string]any{}})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if seen[e.Key.ID()] {
			t.Fatalf("id %d allocated twice", e.Key.ID())
		}
		seen[e.Key.ID()] = true
	}
}

func TestBoltStoreAncestorQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	o1 := NameKey("User", "o1", nil)
	o2 := NameKey("User", "o2", nil)
	g1, err := store.Put(ctx, Entity{Key: IncompleteKey("Gallery", o1), Props: map[string]any{"title": "mine"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, Entity{Key: IncompleteKey("Gallery", o2), Props: map[string]any{"title": "theirs"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, hash := range []string{"h1", "h2"} {
		if _, err := store.Put(ctx, Entity{Key: IncompleteKey("Image", g1.Key), Props: map[string]any{"hash": hash}}); err != nil {
			t.Fatalf("put image: %v", err)
		}
	}

	galleries, err := store.Run(ctx, Query{Kind: "Gallery", Ancestor: o1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(galleries) != 1 || galleries[0].Props["title"] != "mine" {
		t.Fatalf("ancestor scope leaked: %+v", galleries)
	}
	images, err := store.Run(ctx, Query{
		Kind:     "Image",
		Ancestor: g1.Key,
		Filters:  []Filter{{Field: "hash", Op: OpEqual, Value: "h2"}},
	})
	if err != nil {
		t.Fatalf("run images: %v", err)
	}
	if len(images) != 1 || images[0].Props["hash"] != "h2" {
		t.Fatalf("unexpected images %+v", images)
	}
}

func TestBoltStoreQueryUnknownKindIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	out, err := store.Run(ctx, Query{Kind: "Nothing"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %+v", out)
	}
}

func TestBoltTxnCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	owner := NameKey("User", "sub-1", nil)

	txn, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	e, err := txn.Put(ctx, Entity{Key: IncompleteKey("Gallery", owner), Props: map[string]any{"title": "tx"}})
	if err != nil {
		t.Fatalf("txn put: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Get(ctx, e.Key); err != nil {
		t.Fatalf("get after commit: %v", err)
	}

	txn2, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	e2, err := txn2.Put(ctx, Entity{Key: IncompleteKey("Gallery", owner), Props: map[string]any{"title": "gone"}})
	if err != nil {
		t.Fatalf("txn put: %v", err)
	}
	if err := txn2.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := store.Get(ctx, e2.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back entity should be absent, got %v", err)
	}
}

func TestBoltStoreNumericFilterSurvivesJSON(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	owner := NameKey("User", "o1", nil)
	if _, err := store.Put(ctx, Entity{Key: IncompleteKey("Image", owner), Props: map[string]any{"size": int64(42)}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := store.Run(ctx, Query{
		Kind:     "Image",
		Ancestor: owner,
		Filters:  []Filter{{Field: "size", Op: OpEqual, Value: 42}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected numeric match across JSON round trip, got %+v", out)
	}
}
