package crypto

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/limits"
)

var (
	// ErrInvalidSignature is returned for mutable items whose signature does
	// not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrTargetMismatch is returned when an item does not hash to the
	// target it was requested or stored under.
	ErrTargetMismatch = errors.New("item does not match target")
)

// Item is a BEP 44 data item. V holds the bencoded value. Immutable items
// have no key, signature, sequence number or salt.
type Item struct {
	V       []byte
	Mutable bool
	K       [PublicKeySize]byte
	Sig     Signature
	Seq     int64
	Salt    []byte
}

// NewImmutableItem wraps a bencoded value.
func NewImmutableItem(v []byte) (*Item, error) {
	if err := limits.ValidateValue(v); err != nil {
		return nil, err
	}
	return &Item{V: v}, nil
}

// NewMutableItem signs a bencoded value with kp.
func NewMutableItem(v []byte, seq int64, salt []byte, kp *KeyPair) (*Item, error) {
	if err := limits.ValidateValue(v); err != nil {
		return nil, err
	}
	if err := limits.ValidateSalt(salt); err != nil {
		return nil, err
	}
	sig, err := Sign(SignatureBuffer(salt, seq, v), kp.Private)
	if err != nil {
		return nil, fmt.Errorf("sign item: %w", err)
	}
	NewLogger("NewMutableItem").
		WithFields(SecureFieldHash(kp.Public[:], "public_key")).
		WithField("seq", seq).
		Debug("Signed mutable item")
	return &Item{V: v, Mutable: true, K: kp.Public, Sig: sig, Seq: seq, Salt: salt}, nil
}

// ImmutableTarget returns the storage target of an immutable value.
func ImmutableTarget(v []byte) key.Key {
	return key.Key(sha1.Sum(v))
}

// MutableTarget returns the storage target of a public key and salt.
func MutableTarget(k [PublicKeySize]byte, salt []byte) key.Key {
	h := sha1.New()
	h.Write(k[:])
	h.Write(salt)
	var t key.Key
	copy(t[:], h.Sum(nil))
	return t
}

// Target returns the key the item is stored under.
func (it *Item) Target() key.Key {
	if it.Mutable {
		return MutableTarget(it.K, it.Salt)
	}
	return ImmutableTarget(it.V)
}

// SignatureBuffer builds the byte string a mutable item signature covers:
// the bencoded salt (if any), seq and v entries without the enclosing
// dictionary.
func SignatureBuffer(salt []byte, seq int64, v []byte) []byte {
	b := make([]byte, 0, len(salt)+len(v)+32)
	if len(salt) > 0 {
		b = append(b, "4:salt"...)
		b = strconv.AppendInt(b, int64(len(salt)), 10)
		b = append(b, ':')
		b = append(b, salt...)
	}
	b = append(b, "3:seqi"...)
	b = strconv.AppendInt(b, seq, 10)
	b = append(b, "e1:v"...)
	return append(b, v...)
}

// Verify checks the size limits and, for mutable items, the signature.
func (it *Item) Verify() error {
	if err := limits.ValidateValue(it.V); err != nil {
		return err
	}
	if !it.Mutable {
		return nil
	}
	if err := limits.ValidateSalt(it.Salt); err != nil {
		return err
	}
	ok, err := Verify(SignatureBuffer(it.Salt, it.Seq, it.V), it.Sig, it.K)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyTarget is Verify plus a check that the item hashes to target.
func (it *Item) VerifyTarget(target key.Key) error {
	if it.Target() != target {
		return ErrTargetMismatch
	}
	return it.Verify()
}
