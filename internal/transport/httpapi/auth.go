package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dbsmedya/goforget/internal/access"
)

// Claims are the bearer token claims. Role selects the caller capability.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenValidator checks HS256 bearer tokens.
type TokenValidator struct {
	key    []byte
	issuer string
}

// NewTokenValidator creates a validator for tokens signed with key. An empty
// issuer accepts any issuer.
func NewTokenValidator(key, issuer string) (*TokenValidator, error) {
	if key == "" {
		return nil, errors.New("jwt signing key is required")
	}
	return &TokenValidator{key: []byte(key), issuer: issuer}, nil
}

// Validate parses and verifies a token.
func (v *TokenValidator) Validate(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("token has expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token for role, valid for ttl.
func (v *TokenValidator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(v.key)
}

type capabilityKey struct{}

// CapabilityFrom returns the caller capability set by the auth middleware.
// Unauthenticated contexts get no privilege.
func CapabilityFrom(ctx context.Context) access.Capability {
	c, ok := ctx.Value(capabilityKey{}).(access.Capability)
	if !ok {
		return access.Capability{Level: access.LevelNone}
	}
	return c
}

// requireAuth resolves the caller capability from the bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Description: "missing or invalid Authorization header"})
			return
		}
		claims, err := s.tokens.Validate(token)
		if err != nil {
			s.logger.Warnw("Rejected bearer token", "error", err, "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Description: "invalid or expired token"})
			return
		}
		c := s.app.Capability(claims.Role)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), capabilityKey{}, c)))
	})
}

// requireFull rejects callers without full privilege.
func requireFull(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !CapabilityFrom(r.Context()).Privileged() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Description: "full privilege is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
