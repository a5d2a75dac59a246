package memberjwt

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
)

// Verifier validates membership tokens against the core's published keys.
// Every failure maps to ErrInvalidMembership; callers never learn whether a
// token was expired, forged or mis-addressed.
type Verifier struct {
	keys     KeySource
	issuer   string
	audience string
	logger   *slog.Logger
}

// NewVerifier creates a membership verifier. audience is this node's own
// configured identity; the core gateway passes "" because it accepts tokens
// addressed to any node before tunnelling them onward.
func NewVerifier(keys KeySource, issuer, audience string, logger *slog.Logger) *Verifier {
	return &Verifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		logger:   logger,
	}
}

// Verify checks signature, issuer, audience and expiry, and returns the
// domain claims on success.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*memberdomain.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &membershipClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidMembership
		}
		kid, _ := token.Header["kid"].(string)
		return v.keys.PublicKey(ctx, kid)
	}, opts...)
	if err != nil {
		// Log the class for operators, return the opaque error to callers.
		v.logger.DebugContext(ctx, "membership token rejected", "error", err)
		return nil, ErrInvalidMembership
	}

	claims, ok := token.Claims.(*membershipClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidMembership
	}
	return toDomainClaims(claims), nil
}

// StaticKeySource serves a fixed key set; used by tests and by the core
// gateway, which holds the issuer's public key in process.
type StaticKeySource struct {
	keys map[string]*rsa.PublicKey
}

// NewStaticKeySource creates a key source over the given kid → key map.
func NewStaticKeySource(keys map[string]*rsa.PublicKey) *StaticKeySource {
	return &StaticKeySource{keys: keys}
}

func (s *StaticKeySource) PublicKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	key, ok := s.keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// sessionClaims is the JWT claims structure for core user session tokens.
type sessionClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id,omitempty"`
}

// HMACSessionVerifier validates core-issued user session (access) tokens.
type HMACSessionVerifier struct {
	secret []byte
}

// NewHMACSessionVerifier creates a session token verifier.
func NewHMACSessionVerifier(secret string) *HMACSessionVerifier {
	return &HMACSessionVerifier{secret: []byte(secret)}
}

// VerifySession validates a user session token.
func (p *HMACSessionVerifier) VerifySession(tokenString string) (*memberdomain.SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	out := &memberdomain.SessionClaims{
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// MintSession creates a signed session token; the core's login flow (out of
// scope here) is the production caller, tests are the in-repo one.
func (p *HMACSessionVerifier) MintSession(userID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		DeviceID: deviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
