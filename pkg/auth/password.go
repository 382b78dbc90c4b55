package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const saltLength = 16

// HashPassword returns a salted SHA-256 hash in "salt$digest" form.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)
	digest := sha256.Sum256([]byte(saltHex + password))
	return saltHex + "$" + hex.EncodeToString(digest[:]), nil
}

// VerifyPassword checks a password against a stored "salt$digest" hash in
// constant time.
func VerifyPassword(password, stored string) bool {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 {
		return false
	}
	digest := sha256.Sum256([]byte(parts[0] + password))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(digest[:])), []byte(parts[1])) == 1
}
