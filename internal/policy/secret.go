package policy

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const secretHashPrefix = "blake3:"

// HashSecret returns the at-rest form of a client secret.
func HashSecret(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return secretHashPrefix + hex.EncodeToString(sum[:])
}

// CompareSecret reports whether presented hashes to stored. The comparison
// runs in constant time with respect to the digest contents.
func CompareSecret(stored, presented string) bool {
	if !strings.HasPrefix(stored, secretHashPrefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(HashSecret(presented))) == 1
}
