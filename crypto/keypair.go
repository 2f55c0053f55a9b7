package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// PublicKeySize is the size of an Ed25519 public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// KeyPair is an Ed25519 key pair used to sign mutable items. Private holds
// the 32-byte seed.
type KeyPair struct {
	Public  [PublicKeySize]byte
	Private [ed25519.SeedSize]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var seed [ed25519.SeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return FromSecretKey(seed)
}

// FromSecretKey derives the key pair of a seed.
func FromSecretKey(secretKey [ed25519.SeedSize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}
	priv := ed25519.NewKeyFromSeed(secretKey[:])
	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
