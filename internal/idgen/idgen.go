// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// RequesterIDBytes is the entropy of a purchaser identifier.
const RequesterIDBytes = 8

// RequesterID returns a fresh purchaser identifier: 8 random bytes as 16
// lower-case hex characters.
func RequesterID() string {
	return Hex(RequesterIDBytes)
}

// RunID returns a random UUID identifying one assessment run.
func RunID() string {
	return uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
