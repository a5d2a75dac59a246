package memberjwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// JWK is the minimal RFC 7517 representation of an RSA public key. Only the
// fields the verifier needs are carried.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the key set served at /v1/jwks.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

func publicJWK(pub *rsa.PublicKey, kid string) (*JWK, error) {
	if pub == nil {
		return nil, ErrNoSigningKey
	}
	return &JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}, nil
}

func (k *JWK) publicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// minRefreshInterval bounds how often an unknown kid can trigger a JWKS
// refetch, so a flood of garbage tokens cannot hammer the core.
const minRefreshInterval = time.Minute

// RemoteKeySource fetches and caches the core's JWKS endpoint. An unknown
// kid triggers one refresh (key rotation); repeated misses within
// minRefreshInterval fail without a network call.
type RemoteKeySource struct {
	url    string
	client *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

// NewRemoteKeySource creates a key source over the given JWKS URL.
func NewRemoteKeySource(url string, client *http.Client) *RemoteKeySource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteKeySource{
		url:    url,
		client: client,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (r *RemoteKeySource) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[kid]; ok {
		return key, nil
	}
	if time.Since(r.lastRefresh) < minRefreshInterval {
		return nil, ErrUnknownKey
	}
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := r.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrUnknownKey
}

func (r *RemoteKeySource) refreshLocked(ctx context.Context) error {
	r.lastRefresh = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build jwks request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for i := range set.Keys {
		key, err := set.Keys[i].publicKey()
		if err != nil {
			continue
		}
		keys[set.Keys[i].Kid] = key
	}
	r.keys = keys
	return nil
}
