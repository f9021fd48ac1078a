package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// secretBytes is the size of raw refresh and reset secrets. 48 random bytes
// keep the opaque-token space far beyond brute force.
const secretBytes = 48

func newOpaqueSecret(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSecret is how opaque secrets are stored and looked up; the raw value
// is never persisted.
func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
