package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/iliyamo/devauth/internal/utils"
)

// NewEmailCode returns a random 6-digit code for delivery by email.
func NewEmailCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("email code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode is the form in which an emailed code is kept at rest.
func HashCode(code string) string {
	return utils.SHA256Hex(code)
}

// CodeMatches compares a submitted code with a stored hash in constant time.
func CodeMatches(hash, code string) bool {
	if hash == "" || code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashCode(code))) == 1
}
