package credentials

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// BcryptHasher hashes passwords with bcrypt at a fixed cost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher falls back to bcrypt.DefaultCost for an out of range cost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the salted bcrypt hash of password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare reports whether password matches hash. A mismatch is (false, nil);
// a malformed hash is an error.
func (h *BcryptHasher) Compare(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}
