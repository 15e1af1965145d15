// Package auth provides password hashing, JWT access tokens, and opaque
// refresh tokens with single-use rotation.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the bcrypt work factor for password hashing.
const BcryptCost = 10

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
