package fingerprint

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestDigestDeterministicAcrossChunkBoundaries(t *testing.T) {
	payload := bytes.Repeat([]byte("photostore"), 2000) // spans several chunks
	whole, err := Digest(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	byteAtATime, err := Digest(iotest.OneByteReader(bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("digest one byte at a time: %v", err)
	}
	if whole != byteAtATime {
		t.Fatalf("chunk boundaries changed the digest: %s vs %s", whole, byteAtATime)
	}
	if whole != DigestBytes(payload) {
		t.Fatalf("DigestBytes disagrees with Digest")
	}
}

func TestDigestDiffersForDifferentContent(t *testing.T) {
	a, err := Digest(strings.NewReader("image-a"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := Digest(strings.NewReader("image-b"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a == b {
		t.Fatal("different content produced identical digests")
	}
}

func TestDigestConsumesStream(t *testing.T) {
	r := strings.NewReader("some image bytes")
	if _, err := Digest(r); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("stream should be at EOF, %d bytes remain", r.Len())
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek back: %v", err)
	}
	if r.Len() == 0 {
		t.Fatal("seek did not rewind the stream")
	}
}

func TestDigestFailsOnReadError(t *testing.T) {
	broken := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(broken))
	sum, err := Digest(r)
	if !errors.Is(err, broken) {
		t.Fatalf("expected read error, got %v", err)
	}
	if sum != "" {
		t.Fatalf("partial read must not yield a digest, got %q", sum)
	}
}
