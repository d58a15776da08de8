package utils // package utils provides helpers for random tokens and hashing

import (
	"crypto/rand"   // secure random number generation
	"crypto/sha256" // SHA-256 digests for codes that must not be stored in clear
	"encoding/hex"  // hex encoding
)

// RandomHex returns a hex-encoded string generated from n bytes of
// cryptographically secure random data. It backs the opaque magic-link and
// password-reset token values.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SHA256Hex returns the SHA-256 digest of s as a hex string.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
