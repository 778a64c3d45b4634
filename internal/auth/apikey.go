package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/snippetbox/internal/apperror"
)

const defaultCost = 12

// KeyService hashes and verifies operator API keys. Only the bcrypt hash is
// kept in configuration; the key itself is presented when requesting a
// trusted token.
type KeyService struct {
	cost int
}

func NewKeyService() *KeyService {
	return &KeyService{cost: defaultCost}
}

func newKeyServiceWithCost(cost int) *KeyService {
	return &KeyService{cost: cost}
}

// Hash returns the bcrypt hash of key. bcrypt ignores input past 72 bytes,
// so longer keys are rejected.
func (k *KeyService) Hash(key string) (string, error) {
	if key == "" {
		return "", apperror.ValidationFailed("key", "API key must not be empty")
	}
	if len(key) > 72 {
		return "", apperror.ValidationFailed("key", "API key must be 72 bytes or fewer")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), k.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing key: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether key matches hash.
func (k *KeyService) Verify(hash, key string) error {
	if hash == "" {
		return apperror.Unauthorized("operator keys are not configured")
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return apperror.Unauthorized("invalid API key")
		}
		return fmt.Errorf("auth: comparing key hash: %w", err)
	}
	return nil
}
