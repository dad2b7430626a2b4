package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/opendsc/opendsc/internal/api"
)

// PasswordHasher abstracts the password hashing scheme so it can be swapped
// without touching account management.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) error
}

// BcryptHasher hashes passwords with bcrypt. A zero Cost uses the bcrypt
// default.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt hash of password.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify checks password against a stored bcrypt hash.
func (h BcryptHasher) Verify(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return api.NewUnauthorizedError("invalid credentials")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return api.NewFieldValidationError("password", "must be at least 8 characters")
	}
	// bcrypt ignores input beyond 72 bytes.
	if len(password) > 72 {
		return api.NewFieldValidationError("password", "must be at most 72 characters")
	}
	return nil
}
