package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/snippetbox/internal/apperror"
)

// Cost 4 is bcrypt's minimum and keeps these tests fast.
func newTestKeyService() *KeyService {
	return newKeyServiceWithCost(4)
}

func TestHashAndVerify(t *testing.T) {
	ks := newTestKeyService()

	hash, err := ks.Hash("operator-key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))

	assert.NoError(t, ks.Verify(hash, "operator-key"))

	err = ks.Verify(hash, "wrong-key")
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
}

func TestHash_SaltsEachCall(t *testing.T) {
	ks := newTestKeyService()

	a, err := ks.Hash("same")
	require.NoError(t, err)
	b, err := ks.Hash("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHash_RejectsBadKeys(t *testing.T) {
	ks := newTestKeyService()

	_, err := ks.Hash("")
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = ks.Hash(strings.Repeat("k", 73))
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestVerify_Unconfigured(t *testing.T) {
	err := newTestKeyService().Verify("", "anything")
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
}

func TestVerify_MalformedHash(t *testing.T) {
	err := newTestKeyService().Verify("not-a-bcrypt-hash", "key")
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperror.ErrUnauthorized))
}
