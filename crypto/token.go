package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MACSize is the length of the truncated token MAC.
const MACSize = 8

// MACKeySize is the length of a token secret.
const MACKeySize = 32

// NewMACKey returns a random token secret.
func NewMACKey() ([]byte, error) {
	k := make([]byte, MACKeySize)
	if _, err := rand.Read(k); err != nil {
		NewLogger("NewMACKey").WithError(err, "rand.Read").Warn("Failed to generate token secret")
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return k, nil
}

// MAC computes a keyed BLAKE2b digest of parts, truncated to MACSize bytes.
func MAC(secret []byte, parts ...[]byte) ([]byte, error) {
	h, err := blake2b.New(MACSize, secret)
	if err != nil {
		NewLogger("MAC").WithError(err, "blake2b.New").
			WithField("secret_size", len(secret)).
			Warn("Rejected token secret")
		return nil, fmt.Errorf("keyed blake2b: %w", err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

// EqualMAC compares two MACs in constant time.
func EqualMAC(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
