package blob

import (
	"context"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/jacktea/photostore/pkg/xerrors"
)

func newTestS3Store(t *testing.T) *S3Store {
	t.Helper()
	backend := s3mem.New()
	if err := backend.CreateBucket("photos"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	store, err := NewS3Store(S3Config{
		Endpoint:  server.Listener.Addr().String(),
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    "photos",
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	return store
}

func TestS3StorePutOpenRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestS3Store(t)
	url, err := store.Put(ctx, strings.NewReader("jpeg bytes"), 10, "sub-1/deadbeef.jpg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasSuffix(url, "/photos/sub-1/deadbeef.jpg") {
		t.Fatalf("unexpected url %q", url)
	}
	rc, size, err := store.Open(ctx, "sub-1/deadbeef.jpg")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	if size != 10 {
		t.Fatalf("unexpected size %d", size)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestS3StoreExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestS3Store(t)
	if _, err := store.Put(ctx, strings.NewReader("x"), 1, "o/h.png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := store.Exists(ctx, "o/h.png")
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
	if err := store.Delete(ctx, "o/h.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = store.Exists(ctx, "o/h.png")
	if err != nil {
		t.Fatalf("exists after delete: %v", err)
	}
	if ok {
		t.Fatal("object should be gone")
	}
	if _, _, err := store.Open(ctx, "o/h.png"); !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestS3StoreList(t *testing.T) {
	ctx := context.Background()
	store := newTestS3Store(t)
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
	if len(got) != 3 || got[0] != "o1/a.jpg" {
		t.Fatalf("unexpected listing %v", got)
	}
}

func TestS3StorePublicBaseOverride(t *testing.T) {
	ctx := context.Background()
	backend := s3mem.New()
	if err := backend.CreateBucket("photos"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	store, err := NewS3Store(S3Config{
		Endpoint:      server.Listener.Addr().String(),
		AccessKey:     "test",
		SecretKey:     "test",
		Bucket:        "photos",
		PublicBaseURL: "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	url, err := store.Put(ctx, strings.NewReader("x"), 1, "o/h.jpg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "https://cdn.example.com/o/h.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
}
