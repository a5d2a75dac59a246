package memberjwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"testing"
	"time"

	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func testVerifier(t *testing.T, issuer *Issuer, audience string) *Verifier {
	t.Helper()
	keys := NewStaticKeySource(map[string]*rsa.PublicKey{issuer.KeyID(): issuer.PublicKey()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewVerifier(keys, "core.parley.test", audience, logger)
}

func TestMembershipToken_RoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testKey(t), "core.parley.test", 10*time.Minute)
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	token, err := issuer.Mint(&memberdomain.Claims{
		UserID:       "u1",
		ServerID:     "node-a.parley.test",
		CoreServerID: "tenant-1",
		Roles:        []string{"role-1", "role-2"},
		PlatformRole: permdomain.PlatformUser,
	})
	if err != nil {
		t.Fatalf("failed to mint: %v", err)
	}

	claims, err := testVerifier(t, issuer, "node-a.parley.test").Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "u1" {
		t.Errorf("expected subject u1, got %s", claims.UserID)
	}
	if claims.ServerID != "node-a.parley.test" {
		t.Errorf("expected audience node-a.parley.test, got %s", claims.ServerID)
	}
	if claims.CoreServerID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", claims.CoreServerID)
	}
	if len(claims.Roles) != 2 {
		t.Errorf("expected 2 roles, got %d", len(claims.Roles))
	}
	if claims.IsPlatformStaff() {
		t.Error("expected a plain platform user")
	}
}

// Every rejection class must surface the same opaque error.
func TestMembershipToken_OpaqueRejection(t *testing.T) {
	key := testKey(t)
	issuer, err := NewIssuer(key, "core.parley.test", 10*time.Minute)
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	claims := &memberdomain.Claims{
		UserID:       "u1",
		ServerID:     "node-a.parley.test",
		CoreServerID: "tenant-1",
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name: "expired token",
			token: func(t *testing.T) string {
				expired, err := NewIssuer(key, "core.parley.test", -time.Minute)
				if err != nil {
					t.Fatalf("failed to create issuer: %v", err)
				}
				token, err := expired.Mint(claims)
				if err != nil {
					t.Fatalf("failed to mint: %v", err)
				}
				return token
			},
		},
		{
			name: "token signed with an unrelated key",
			token: func(t *testing.T) string {
				other, err := NewIssuer(testKey(t), "core.parley.test", 10*time.Minute)
				if err != nil {
					t.Fatalf("failed to create issuer: %v", err)
				}
				token, err := other.Mint(claims)
				if err != nil {
					t.Fatalf("failed to mint: %v", err)
				}
				return token
			},
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				token, err := issuer.Mint(&memberdomain.Claims{
					UserID:       "u1",
					ServerID:     "node-b.parley.test",
					CoreServerID: "tenant-1",
				})
				if err != nil {
					t.Fatalf("failed to mint: %v", err)
				}
				return token
			},
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				rogue, err := NewIssuer(key, "imposter.parley.test", 10*time.Minute)
				if err != nil {
					t.Fatalf("failed to create issuer: %v", err)
				}
				token, err := rogue.Mint(claims)
				if err != nil {
					t.Fatalf("failed to mint: %v", err)
				}
				return token
			},
		},
		{
			name: "malformed token",
			token: func(t *testing.T) string {
				return "not.a.token"
			},
		},
	}

	verifier := testVerifier(t, issuer, "node-a.parley.test")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), tt.token(t))
			if err != ErrInvalidMembership {
				t.Errorf("expected opaque ErrInvalidMembership, got %v", err)
			}
		})
	}
}

func TestJWK_RoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testKey(t), "core.parley.test", 10*time.Minute)
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	set, err := issuer.PublicJWKS()
	if err != nil {
		t.Fatalf("failed to build jwks: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("expected one key, got %d", len(set.Keys))
	}

	pub, err := set.Keys[0].publicKey()
	if err != nil {
		t.Fatalf("failed to parse jwk: %v", err)
	}
	if pub.N.Cmp(issuer.PublicKey().N) != 0 || pub.E != issuer.PublicKey().E {
		t.Error("expected the parsed key to match the signing key")
	}
}

func TestHMACSessionVerifier(t *testing.T) {
	v := NewHMACSessionVerifier("secret")

	token, err := v.MintSession("u1", "device-1", time.Minute)
	if err != nil {
		t.Fatalf("failed to mint session: %v", err)
	}

	claims, err := v.VerifySession(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "u1" || claims.DeviceID != "device-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := NewHMACSessionVerifier("other").VerifySession(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
