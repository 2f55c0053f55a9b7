// Package key implements the 160-bit identifiers of the mainline DHT and
// the bit prefixes that partition the identifier space.
package key

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

const (
	// Bits is the size of a Key in bits.
	Bits = 160
	// Bytes is the size of a Key in bytes.
	Bytes = Bits / 8
)

var (
	// ErrInvalidLength is returned when decoding input that is not exactly Bytes long.
	ErrInvalidLength = errors.New("invalid key length")

	// Min is the all-zero key.
	Min Key
	// Max is the all-ones key.
	Max = func() Key {
		var k Key
		for i := range k {
			k[i] = 0xff
		}
		return k
	}()
)

// Key is a node id, infohash or storage target. Keys order as unsigned
// big-endian integers.
type Key [Bytes]byte

// FromBytes copies b into a Key.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Bytes {
		return k, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// FromHex parses a 40 character hex string.
func FromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	return FromBytes(b)
}

// MustFromHex is like FromHex but panics on malformed input. Intended for
// constants and tests.
func MustFromHex(s string) Key {
	k, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Random returns a uniformly random key.
func Random() Key {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return k
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns a copy of the key as a slice.
func (k Key) Bytes() []byte {
	b := make([]byte, Bytes)
	copy(b, k[:])
	return b
}

// IsZero reports whether k is the all-zero key.
func (k Key) IsZero() bool {
	return k == Min
}

// Compare orders keys as unsigned integers.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k[:], o[:])
}

// Distance returns the XOR metric between k and o.
func (k Key) Distance(o Key) Key {
	var d Key
	for i := range d {
		d[i] = k[i] ^ o[i]
	}
	return d
}

// ThreeWayDistance compares the distances of a and b to k without
// materializing them. It returns -1 if a is closer, 1 if b is closer and 0
// if a == b.
func (k Key) ThreeWayDistance(a, b Key) int {
	for i := 0; i < Bytes; i++ {
		if a[i] == b[i] {
			continue
		}
		da := a[i] ^ k[i]
		db := b[i] ^ k[i]
		if da < db {
			return -1
		}
		return 1
	}
	return 0
}

// CommonPrefixLen returns the number of leading bits k and o share.
func (k Key) CommonPrefixLen(o Key) int {
	for i := 0; i < Bytes; i++ {
		if x := k[i] ^ o[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// Bit returns the bit at index i, counted from the most significant bit.
func (k Key) Bit(i int) bool {
	return k[i/8]&(0x80>>(i%8)) != 0
}

// SetBit returns a key with only the bit at index i set.
func SetBit(i int) Key {
	var k Key
	k[i/8] = 0x80 >> (i % 8)
	return k
}

// Add returns k+o modulo 2^160.
func (k Key) Add(o Key) Key {
	var r Key
	carry := uint(0)
	for i := Bytes - 1; i >= 0; i-- {
		s := uint(k[i]) + uint(o[i]) + carry
		r[i] = byte(s)
		carry = s >> 8
	}
	return r
}

// Derive returns a sibling identifier for the idx-th local endpoint. Index 0
// is k itself; other indexes flip the top bits of k with the bit-reversed
// index, so derived ids land in different top-level subtrees.
func (k Key) Derive(idx int) Key {
	if idx <= 0 {
		return k
	}
	r := bits.Reverse32(uint32(idx))
	d := k
	d[0] ^= byte(r >> 24)
	d[1] ^= byte(r >> 16)
	d[2] ^= byte(r >> 8)
	d[3] ^= byte(r)
	return d
}

// MarshalBencode encodes the key as a 20-byte string.
func (k Key) MarshalBencode() ([]byte, error) {
	out := make([]byte, 0, Bytes+3)
	out = strconv.AppendInt(out, Bytes, 10)
	out = append(out, ':')
	return append(out, k[:]...), nil
}

// UnmarshalBencode decodes a 20-byte bencoded string.
func (k *Key) UnmarshalBencode(b []byte) error {
	i := bytes.IndexByte(b, ':')
	if i < 0 {
		return fmt.Errorf("key: not a bencoded string")
	}
	n, err := strconv.Atoi(string(b[:i]))
	if err != nil {
		return fmt.Errorf("key: bad string length: %w", err)
	}
	if n != Bytes || len(b)-i-1 != n {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidLength, n)
	}
	copy(k[:], b[i+1:])
	return nil
}

// DistanceOrder returns a comparator sorting keys by their distance to
// target, closest first.
func DistanceOrder(target Key) func(a, b Key) int {
	return func(a, b Key) int {
		return target.ThreeWayDistance(a, b)
	}
}
