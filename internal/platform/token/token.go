// Package token verifies bearer credentials presented to the submission
// endpoint and mints them for tests and tooling.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "curbwise/pkg/domain"
)

// Verification failures are distinct so the HTTP layer can answer with the
// right message for each.
var (
	ErrMissing   = errors.New("missing bearer token")
	ErrMalformed = errors.New("malformed bearer token")
	ErrInvalid   = errors.New("invalid or expired bearer token")
)

// Verifier validates HMAC-signed bearer tokens and extracts the actor.
type Verifier struct {
	signingKey []byte
}

func NewVerifier(signingKey string) *Verifier {
	return &Verifier{signingKey: []byte(signingKey)}
}

// Verify parses and validates the raw token, returning the actor id carried
// in the subject claim.
func (v *Verifier) Verify(raw string) (id.UserID, error) {
	if raw == "" {
		return "", ErrMissing
	}

	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: no subject claim", ErrMalformed)
	}
	actorID, err := id.ParseUserID(subject)
	if err != nil {
		return "", fmt.Errorf("%w: subject is not a user id", ErrMalformed)
	}
	return actorID, nil
}

// Mint signs a short-lived token for the given actor. Used by tests and the
// local development tooling; production tokens come from the identity provider.
func (v *Verifier) Mint(actorID id.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   actorID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
}
