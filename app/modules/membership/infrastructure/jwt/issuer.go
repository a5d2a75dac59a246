package memberjwt

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// membershipClaims is the JWT claims structure for membership tokens.
type membershipClaims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles,omitempty"`
	PlatformRole string   `json:"platform_role,omitempty"`
	CoreServerID string   `json:"core_server_id,omitempty"`
}

// Issuer signs membership tokens with the core's RSA private key.
type Issuer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
}

// NewIssuer creates a membership token issuer. The ttl should stay short
// (~10 minutes): core revokes effective roles simply by not re-minting.
func NewIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) (*Issuer, error) {
	if key == nil {
		return nil, ErrNoSigningKey
	}
	kid, err := keyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key id: %w", err)
	}
	return &Issuer{
		key:    key,
		kid:    kid,
		issuer: issuer,
		ttl:    ttl,
	}, nil
}

// NewIssuerFromPEM loads a PKCS#1 or PKCS#8 RSA private key from a PEM file.
func NewIssuerFromPEM(path, issuer string, ttl time.Duration) (*Issuer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoSigningKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewIssuer(key, issuer, ttl)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNoSigningKey
	}
	return NewIssuer(key, issuer, ttl)
}

// Mint creates a signed membership token from the given claims. The audience
// is the target node's external identity; CoreServerID carries the tenant.
func (i *Issuer) Mint(claims *memberdomain.Claims) (string, error) {
	now := time.Now()
	tokenClaims := &membershipClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   claims.UserID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{claims.ServerID},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Roles:        claims.Roles,
		PlatformRole: string(claims.PlatformRole),
		CoreServerID: claims.CoreServerID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims)
	token.Header["kid"] = i.kid

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign membership token: %w", err)
	}
	return signed, nil
}

// PublicJWKS returns the key set served at /v1/jwks.
func (i *Issuer) PublicJWKS() (*JWKS, error) {
	jwk, err := publicJWK(&i.key.PublicKey, i.kid)
	if err != nil {
		return nil, err
	}
	return &JWKS{Keys: []JWK{*jwk}}, nil
}

// PublicKey exposes the verifying half for in-process verification (the
// core gateway verifies the tokens it tunnels without an HTTP round trip).
func (i *Issuer) PublicKey() *rsa.PublicKey {
	return &i.key.PublicKey
}

// KeyID returns the kid embedded in minted token headers.
func (i *Issuer) KeyID() string {
	return i.kid
}

// keyID is a stable fingerprint of the public key: the base64url-encoded
// SHA-256 of the PKIX encoding, truncated for header brevity.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}

func toDomainClaims(claims *membershipClaims) *memberdomain.Claims {
	out := &memberdomain.Claims{
		UserID:       claims.Subject,
		CoreServerID: claims.CoreServerID,
		Roles:        claims.Roles,
		PlatformRole: permdomain.PlatformRole(claims.PlatformRole),
	}
	if len(claims.Audience) > 0 {
		out.ServerID = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out
}
