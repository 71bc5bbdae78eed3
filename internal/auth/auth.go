// Package auth issues and verifies the server's signed tokens:
// session tokens a client may present instead of a password, and the
// password-reset tokens mailed out on request. Both are
// HS256 JWTs keyed by the configured secret, with a purpose claim so
// one kind can never be replayed as the other.
package auth

import (
	"time"

	"github.com/form3tech-oss/jwt-go"

	"tak-server/internal/apperr"
)

const (
	PurposeSession = "session"
	PurposeReset   = "password-reset"
)

type Tokens struct {
	secret []byte
}

func NewTokens(secret string) Tokens {
	return Tokens{secret: []byte(secret)}
}

// Issue signs a token naming subject, good for ttl.
func (t Tokens) Issue(subject, purpose string, ttl time.Duration) (string, error) {
	if len(t.secret) == 0 {
		return "", apperr.New(apperr.Internal, "no token secret configured")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"pur": purpose,
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "signing token")
	}
	return signed, nil
}

// Verify checks signature, expiry, and purpose, returning the subject.
func (t Tokens) Verify(signed, purpose string) (string, error) {
	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, apperr.New(apperr.Unauthorized, "unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.New(apperr.Unauthorized, "invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.New(apperr.Unauthorized, "invalid token claims")
	}
	if p, _ := claims["pur"].(string); p != purpose {
		return "", apperr.New(apperr.Unauthorized, "token purpose mismatch")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", apperr.New(apperr.Unauthorized, "token missing subject")
	}
	return subject, nil
}
