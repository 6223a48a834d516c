// Package auth turns bearer capability tokens into a courier or recipient principal.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleCourier   Role = "courier"
	RoleRecipient Role = "recipient"
)

func (r Role) Valid() bool { return r == RoleCourier || r == RoleRecipient }

// Principal is the caller identity. Subject is the courier or recipient id.
type Principal struct {
	Role    Role
	Subject string
}

func (p Principal) IsCourier() bool   { return p.Role == RoleCourier }
func (p Principal) IsRecipient() bool { return p.Role == RoleRecipient }

var (
	ErrNoToken     = errors.New("auth: bearer token missing")
	ErrBadToken    = errors.New("auth: invalid token")
	ErrUnknownMode = errors.New("auth: unsupported mode")
)

// Claims carried by HS256 tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates tokens. Modes: dev (token is "role:subject", no signature) and
// hmac (HS256 JWT with role and sub claims).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	TTL        time.Duration
}

func NewVerifier(mode, secret string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	switch mode {
	case "dev":
	case "hmac":
		if strings.TrimSpace(secret) == "" {
			return nil, errors.New("auth: hmac mode needs a secret")
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), TTL: 12 * time.Hour}, nil
}

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrNoToken
	}
	switch v.Mode {
	case "dev":
		role, subject, ok := strings.Cut(token, ":")
		p := Principal{Role: Role(strings.ToLower(role)), Subject: subject}
		if !ok || subject == "" || !p.Role.Valid() {
			return Principal{}, fmt.Errorf("%w: expected role:subject", ErrBadToken)
		}
		return p, nil
	case "hmac":
		claims := &Claims{}
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		tok, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return v.HMACSecret, nil
		})
		if err != nil || !tok.Valid {
			return Principal{}, fmt.Errorf("%w: %v", ErrBadToken, err)
		}
		if !claims.Role.Valid() || claims.Subject == "" {
			return Principal{}, fmt.Errorf("%w: missing role or sub", ErrBadToken)
		}
		return Principal{Role: claims.Role, Subject: claims.Subject}, nil
	}
	return Principal{}, ErrUnknownMode
}

// Issue mints a token for p in the verifier's mode.
func (v *Verifier) Issue(p Principal, now time.Time) (string, error) {
	if !p.Role.Valid() || p.Subject == "" {
		return "", ErrBadToken
	}
	if v.Mode == "dev" {
		return string(p.Role) + ":" + p.Subject, nil
	}
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.HMACSecret)
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// access_token query parameter for EventSource and WebSocket clients.
func TokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return r.URL.Query().Get("access_token")
}
