package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex encoded sha256 of b. Used where we need a
// deterministic lookup key for a secret without holding the secret itself.
func Digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
