// Package auth verifies bearer tokens and reduces them to the identity the
// rest of the system cares about: a stable subject and an email address.
package auth

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/jacktea/photostore/pkg/cache"
	"github.com/jacktea/photostore/pkg/xerrors"
)

// Claims is the verified identity extracted from a token. Subject is the
// stable per-user identifier that owner keys are built from.
type Claims struct {
	Subject string
	Email   string
}

// Verifier turns a raw bearer token into Claims or an Unauthorized error.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Claims, error)
}

// OIDCVerifier validates ID tokens against an OIDC provider's signing keys.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's configuration and keys. The ctx
// bounds the discovery request only, not later Verify calls.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "auth.NewOIDCVerifier", issuer, err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Claims{}, xerrors.Wrap(xerrors.KindUnauthorized, "OIDCVerifier.Verify", "", err)
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&payload); err != nil {
		return Claims{}, xerrors.Wrap(xerrors.KindUnauthorized, "OIDCVerifier.Verify", "claims", err)
	}
	return Claims{Subject: idToken.Subject, Email: payload.Email}, nil
}

// StaticVerifier maps literal tokens to claims. Development and test use
// only; it performs no cryptographic checks.
type StaticVerifier struct {
	tokens map[string]Claims
}

func NewStaticVerifier(tokens map[string]Claims) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, rawToken string) (Claims, error) {
	claims, ok := v.tokens[rawToken]
	if !ok {
		return Claims{}, xerrors.E(xerrors.KindUnauthorized, "StaticVerifier.Verify", "")
	}
	return claims, nil
}

// CachedVerifier memoizes successful verifications so repeated requests with
// the same token skip the signature check. Failures are never cached; the
// cache TTL bounds how long a revoked token keeps working.
type CachedVerifier struct {
	next  Verifier
	cache *cache.Cache
}

func NewCachedVerifier(next Verifier, c *cache.Cache) *CachedVerifier {
	return &CachedVerifier{next: next, cache: c}
}

func (v *CachedVerifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	if cached, ok := v.cache.Get(rawToken); ok {
		return cached.(Claims), nil
	}
	claims, err := v.next.Verify(ctx, rawToken)
	if err != nil {
		return Claims{}, err
	}
	v.cache.Set(rawToken, claims)
	return claims, nil
}
