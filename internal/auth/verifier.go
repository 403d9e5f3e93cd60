// Package auth validates bearer tokens for protected routes. Tokens
// are HMAC-SHA256 JWTs signed with a secret shared at deploy time;
// there is no server-side session state.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The four ways verification fails. They are distinct on purpose:
// clients react differently to a missing credential than to an
// expired one.
var (
	ErrMissingHeader    = errors.New("missing authorization header")
	ErrMalformedHeader  = errors.New("malformed authorization header")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
)

// Claims is the validated content of a bearer token. Values live for
// one request and are never persisted.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       map[string]any
}

// Verifier checks bearer tokens against a pre-shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates an Authorization header value and returns its
// claims. Expiry is checked before the signature so an expired token
// is reported as expired regardless of how it was signed.
func (v *Verifier) Verify(authorization string) (*Claims, error) {
	if authorization == "" {
		return nil, ErrMissingHeader
	}

	scheme, token, ok := strings.Cut(authorization, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, ErrMalformedHeader
	}

	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return nil, ErrMalformedHeader
	}
	if exp, err := unverified.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return nil, ErrExpired
	}

	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedHeader
		default:
			return nil, ErrInvalidSignature
		}
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidSignature
	}

	out := &Claims{Raw: map[string]any(claims)}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	return v.secret, nil
}
