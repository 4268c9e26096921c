package xerrors

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindNotFound, Op: "Repository.GetGallery", Ref: "Gallery/12"}
	want := "Repository.GetGallery: not found Gallery/12"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
	wrapped := &Error{Kind: KindUnavailable, Op: "BoltStore.Put", Err: errors.New("disk full")}
	if wrapped.Error() != "BoltStore.Put: store unavailable: disk full" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindInternal, "op", "ref", nil) != nil {
		t.Fatal("wrapping nil should return nil")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{E(KindDuplicate, "Detector.Check", "h1"), KindDuplicate},
		{fmt.Errorf("outer: %w", E(KindNotFound, "", "")), KindNotFound},
		{os.ErrNotExist, KindNotFound},
		{os.ErrPermission, KindUnauthorized},
		{errors.New("plain"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPredicates(t *testing.T) {
	if !IsNotFound(E(KindNotFound, "", "")) {
		t.Fatal("IsNotFound should match")
	}
	if IsNotFound(nil) {
		t.Fatal("IsNotFound(nil) should be false")
	}
	if !IsDuplicate(fmt.Errorf("wrap: %w", E(KindDuplicate, "", ""))) {
		t.Fatal("IsDuplicate should unwrap")
	}
}
