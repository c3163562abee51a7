package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenEmpty = errors.New("token is empty")

// Claims are the access token claims issued by the API server.
type Claims struct {
	jwt.RegisteredClaims
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

type Token struct {
	Raw      string
	UserID   int64
	Nickname string
	Expiry   time.Time
}

// Bearer returns the value for an Authorization header.
func (t *Token) Bearer() string {
	return "Bearer " + t.Raw
}

// Reissuer exchanges the session's refresh credentials for a new access token.
type Reissuer interface {
	Reissue(ctx context.Context) (string, error)
}

// TokenSource hands out a freshly reissued access token on every call.
// When a Verifier is set the token signature is checked before use.
type TokenSource struct {
	reissuer Reissuer
	verifier *Verifier

	mu      sync.RWMutex
	current *Token
}

func NewTokenSource(reissuer Reissuer, verifier *Verifier) *TokenSource {
	return &TokenSource{reissuer: reissuer, verifier: verifier}
}

func (s *TokenSource) Reissue(ctx context.Context) (*Token, error) {
	raw, err := s.reissuer.Reissue(ctx)
	if err != nil {
		return nil, fmt.Errorf("reissue token: %w", err)
	}

	var claims *Claims
	if s.verifier != nil {
		claims, err = s.verifier.Verify(raw)
	} else {
		claims, err = ParseClaims(raw)
	}
	if err != nil {
		return nil, err
	}

	token, err := newToken(raw, claims)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = token
	s.mu.Unlock()

	slog.Debug("[AUTH] Token reissued", "user", token.UserID, "expires", token.Expiry)
	return token, nil
}

// Current returns the last reissued token, or nil.
func (s *TokenSource) Current() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ParseClaims reads the claims of a token without checking its signature.
// The API server is the authority on signatures; the client only needs the
// subject and expiry.
func ParseClaims(raw string) (*Claims, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "Bearer ")
	if raw == "" {
		return nil, ErrTokenEmpty
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, errors.New("token expired")
	}

	return claims, nil
}

func newToken(raw string, claims *Claims) (*Token, error) {
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("token subject %q is not a user id: %w", claims.Subject, err)
	}

	token := &Token{
		Raw:      strings.TrimPrefix(raw, "Bearer "),
		UserID:   userID,
		Nickname: claims.Nickname,
	}
	if claims.ExpiresAt != nil {
		token.Expiry = claims.ExpiresAt.Time
	}
	return token, nil
}

// ExtractTokenFromRequest extracts a bearer token from the query string or
// the Authorization header.
func ExtractTokenFromRequest(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
