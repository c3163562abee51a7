package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

var (
	ErrKeysNotLoaded = errors.New("auth: signing keys not loaded")
	ErrUnknownKey    = errors.New("auth: unknown signing key")
)

// Verifier checks RS256 token signatures against a JWKS document. Keys are
// converted once per refresh and looked up by kid.
type Verifier struct {
	jwksURL string
	issuer  string
	client  *http.Client

	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	loaded bool
}

// NewVerifier creates a verifier for the given JWKS URL. An empty issuer
// disables the issuer check.
func NewVerifier(jwksURL, issuer string, client *http.Client) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{
		jwksURL: jwksURL,
		issuer:  issuer,
		client:  client,
	}
}

// RefreshEvery reloads the key set until ctx is done.
func (v *Verifier) RefreshEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				slog.Error("[AUTH] Error refreshing JWKS", "error", err)
			} else {
				slog.Info("[AUTH] JWKS refreshed successfully")
			}
		}
	}
}

func (v *Verifier) Refresh(ctx context.Context) error {
	slog.Debug("[AUTH] Fetching JWKS", "url", v.jwksURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := signingKeys(jwks)

	v.mu.Lock()
	v.keys = keys
	v.loaded = true
	v.mu.Unlock()

	slog.Info("[AUTH] JWKS loaded", "keys", len(keys), "published", len(jwks.Keys))
	return nil
}

// Verify validates the signature, issuer and expiry of a token.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, ErrTokenEmpty
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}

		return v.publicKey(kid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", v.issuer, claims.Issuer)
	}

	return claims, nil
}

func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.loaded {
		return nil, ErrKeysNotLoaded
	}
	key := v.keys[kid]
	if key == nil {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key, nil
}

// signingKeys keeps the RSA signature keys of a set. Keys of another type or
// with a malformed modulus or exponent are skipped.
func signingKeys(set JWKS) map[string]*rsa.PublicKey {
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if !strings.EqualFold(jwk.Kty, "RSA") || (jwk.Use != "" && jwk.Use != "sig") {
			slog.Debug("[AUTH] Skipping non-signing key", "kid", jwk.Kid, "kty", jwk.Kty, "use", jwk.Use)
			continue
		}
		key, err := rsaKey(jwk)
		if err != nil {
			slog.Warn("[AUTH] Skipping malformed JWK", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = key
	}
	return keys
}

func rsaKey(jwk JWK) (*rsa.PublicKey, error) {
	n, err := base64URLInt(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64URLInt(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > math.MaxInt32 {
		return nil, fmt.Errorf("exponent %s out of range", e)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func base64URLInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty")
	}
	return new(big.Int).SetBytes(b), nil
}
