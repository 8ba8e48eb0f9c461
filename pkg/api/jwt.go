package api

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// GateClaims are the JWT claims the approve endpoint accepts for binding
// the claimed actor to a verified token subject (grounded on
// pkg/auth/middleware.go's HelmClaims).
type GateClaims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates bearer tokens presented to POST
// /bundles/{id}/approve against a configured Ed25519 public key
// (GATE_JWT_PUBLIC_KEY). A nil *JWTValidator disables actor-binding
// entirely — approve then trusts the request body's actor field as-is.
// JWT binding is ambient enrichment, not required for a baseline deployment.
type JWTValidator struct {
	pub ed25519.PublicKey
}

// NewJWTValidator parses a PEM-encoded Ed25519 public key.
func NewJWTValidator(pemBytes []byte) (*JWTValidator, error) {
	key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("api: parse jwt public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("api: jwt public key is not Ed25519")
	}
	return &JWTValidator{pub: pub}, nil
}

// ActorFromRequest extracts the bearer token's subject. It returns ("",
// nil) when no Authorization header is present (actor binding is
// optional), and an error when a header is present but invalid.
func (v *JWTValidator) ActorFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("malformed Authorization header")
	}

	claims := &GateClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.pub, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	return claims.Subject, nil
}
