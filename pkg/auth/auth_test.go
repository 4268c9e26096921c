package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/photostore/pkg/cache"
	"github.com/jacktea/photostore/pkg/xerrors"
)

type countingVerifier struct {
	claims Claims
	err    error
	calls  int
}

func (v *countingVerifier) Verify(context.Context, string) (Claims, error) {
	v.calls++
	if v.err != nil {
		return Claims{}, v.err
	}
	return v.claims, nil
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]Claims{
		"tok-1": {Subject: "sub-1", Email: "a@example.com"},
	})

	claims, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", claims.Subject)

	_, err = v.Verify(context.Background(), "bogus")
	require.Equal(t, xerrors.KindUnauthorized, xerrors.KindOf(err))
}

func TestCachedVerifierMemoizes(t *testing.T) {
	inner := &countingVerifier{claims: Claims{Subject: "sub-1", Email: "a@example.com"}}
	v := NewCachedVerifier(inner, cache.New(16, time.Minute))

	for i := 0; i < 3; i++ {
		claims, err := v.Verify(context.Background(), "tok-1")
		require.NoError(t, err)
		require.Equal(t, "sub-1", claims.Subject)
	}
	require.Equal(t, 1, inner.calls)

	// A different token is its own cache entry.
	_, err := v.Verify(context.Background(), "tok-2")
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestCachedVerifierDoesNotCacheFailures(t *testing.T) {
	inner := &countingVerifier{err: xerrors.E(xerrors.KindUnauthorized, "test", "")}
	v := NewCachedVerifier(inner, cache.New(16, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := v.Verify(context.Background(), "bad")
		require.Equal(t, xerrors.KindUnauthorized, xerrors.KindOf(err))
	}
	require.Equal(t, 2, inner.calls)
}
