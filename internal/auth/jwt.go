// Package auth issues and verifies the bearer tokens that decide a request's
// trust class, and verifies operator API keys.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/limiter"
)

const issuer = "snippetbox"

// TokenService signs and validates HS256 JWTs.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService rejects secrets shorter than 16 bytes.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Class   limiter.Class
}

type claims struct {
	Class string `json:"class"`
	jwt.RegisteredClaims
}

// Generate issues a token for subject with the service's default lifetime.
func (s *TokenService) Generate(subject string, class limiter.Class) (string, error) {
	return s.GenerateWithDuration(subject, class, s.ttl)
}

// GenerateWithDuration issues a token that expires after d.
func (s *TokenService) GenerateWithDuration(subject string, class limiter.Class, d time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Class: string(class),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenStr and returns its principal. Unknown class values
// are downgraded to untrusted.
func (s *TokenService) Validate(tokenStr string) (Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, apperror.Unauthorized("token expired")
		}
		return Principal{}, apperror.Unauthorized("invalid token")
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Principal{}, apperror.Unauthorized("invalid token claims")
	}
	if c.Subject == "" {
		return Principal{}, apperror.Unauthorized("token has no subject")
	}

	return Principal{Subject: c.Subject, Class: limiter.ParseClass(c.Class)}, nil
}
