package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/limiter"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!", time.Minute)
	require.NoError(t, err)
	return ts
}

func TestNewTokenService_ShortSecret(t *testing.T) {
	_, err := NewTokenService("short", time.Minute)
	assert.Error(t, err)
}

func TestGenerate_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	for _, class := range []limiter.Class{limiter.ClassTrusted, limiter.ClassUntrusted} {
		token, err := ts.Generate("operator", class)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(token, "."))

		p, err := ts.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "operator", p.Subject)
		assert.Equal(t, class, p.Class)
	}
}

func TestValidate_UnknownClassIsUntrusted(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Generate("someone", "root")
	require.NoError(t, err)

	p, err := ts.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, limiter.ClassUntrusted, p.Class)
}

func TestValidate_Expired(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.GenerateWithDuration("operator", limiter.ClassTrusted, -time.Minute)
	require.NoError(t, err)

	_, err = ts.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
	assert.Contains(t, err.Error(), "expired")
}

func TestValidate_WrongSecret(t *testing.T) {
	ts := newTestTokenService(t)
	other, err := NewTokenService("a-completely-different-secret", time.Minute)
	require.NoError(t, err)

	token, err := other.Generate("operator", limiter.ClassTrusted)
	require.NoError(t, err)

	_, err = ts.Validate(token)
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
}

func TestValidate_RejectsNoneAlgorithm(t *testing.T) {
	ts := newTestTokenService(t)

	c := claims{
		Class: string(limiter.ClassTrusted),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ts.Validate(token)
	assert.Error(t, err)
}

func TestValidate_Garbage(t *testing.T) {
	ts := newTestTokenService(t)
	for _, s := range []string{"", "not-a-token", "a.b.c"} {
		_, err := ts.Validate(s)
		assert.Error(t, err, "token %q", s)
	}
}
