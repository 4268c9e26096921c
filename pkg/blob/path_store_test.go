package blob

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/jacktea/photostore/pkg/xerrors"
)

func TestPathStorePutOpenDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewPathStore(memfs.New(), "http://blobs.local")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	url, err := store.Put(ctx, strings.NewReader("image bytes"), 11, "sub-1/abc123.jpg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://blobs.local/sub-1/abc123.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
	rc, size, err := store.Open(ctx, "sub-1/abc123.jpg")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	if size != 11 {
		t.Fatalf("unexpected size %d", size)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "image bytes" {
		t.Fatalf("unexpected content %q", data)
	}
	if err := store.Delete(ctx, "sub-1/abc123.jpg"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err := store.Exists(ctx, "sub-1/abc123.jpg")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("object should be gone")
	}
}

func TestPathStoreOverwritesSameName(t *testing.T) {
	ctx := context.Background()
	store, err := NewPathStore(memfs.New(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Put(ctx, strings.NewReader("one"), 3, "a/x.png"); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := store.Put(ctx, strings.NewReader("two"), 3, "a/x.png"); err != nil {
		t.Fatalf("second put: %v", err)
	}
	rc, _, err := store.Open(ctx, "a/x.png")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "two" {
		t.Fatalf("expected overwrite, got %q", data)
	}
}

func TestPathStoreOpenMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewPathStore(memfs.New(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, _, err = store.Open(ctx, "nope/missing.jpg")
	if !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPathStoreList(t *testing.T) {
	ctx := context.Background()
	store, err := NewPathStore(memfs.New(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	names := []string{"o1/a.jpg", "o1/b.png", "o2/c.jpeg"}
	for _, name := range names {
		if _, err := store.Put(ctx, strings.NewReader(name), int64(len(name)), name); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	got, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(got)
	if len(got) != 3 || got[0] != "o1/a.jpg" || got[2] != "o2/c.jpeg" {
		t.Fatalf("unexpected listing %v", got)
	}
}
