package memberjwt

import (
	"context"
	"crypto/rsa"

	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
)

// MembershipIssuer mints membership tokens. Implemented by Issuer on the
// core; nodes never issue.
type MembershipIssuer interface {
	Mint(claims *memberdomain.Claims) (string, error)
	PublicJWKS() (*JWKS, error)
}

// MembershipVerifier verifies membership tokens. Implemented by Verifier on
// nodes and on the core gateway (which verifies before tunnelling).
type MembershipVerifier interface {
	Verify(ctx context.Context, token string) (*memberdomain.Claims, error)
}

// SessionVerifier verifies core-issued user session tokens used for
// social/presence IDENTIFY.
type SessionVerifier interface {
	VerifySession(token string) (*memberdomain.SessionClaims, error)
}

// KeySource resolves the issuer's public key by key id. RemoteKeySource
// fetches a JWKS endpoint; StaticKeySource serves tests and the core's
// self-verification path.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}
