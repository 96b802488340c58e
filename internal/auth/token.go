package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/harunnryd/assistly/internal/errors"
)

// TokenIssuer mints and verifies signed session tokens so a client can
// resume across process restarts without re-entering the passphrase. The
// signing secret is separate from the passphrase (falling back to it when
// unset, handled at config level).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

func (t *TokenIssuer) Issue(userID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", apperrors.Internal("sign session token: " + err.Error())
	}
	return signed, nil
}

// Validate checks signature, expiry, and exact subject match.
func (t *TokenIssuer) Validate(token, userID string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return apperrors.Security("invalid session token")
	}
	if claims.Subject != userID {
		return apperrors.Security("session token subject mismatch")
	}
	return nil
}
