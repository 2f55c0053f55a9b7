package key

import (
	"crypto/rand"
	"strings"
)

// Prefix is a key whose first Depth()+1 bits are significant. A depth of -1
// denotes the whole keyspace.
type Prefix struct {
	bits  Key
	depth int
}

// Whole is the prefix covering the entire keyspace.
var Whole = Prefix{depth: -1}

// NewPrefix returns the prefix formed by the first depth+1 bits of k.
func NewPrefix(k Key, depth int) Prefix {
	if depth < -1 {
		depth = -1
	}
	if depth > Bits-1 {
		depth = Bits - 1
	}
	return Prefix{bits: trim(k, depth), depth: depth}
}

// trim clears every bit after index depth.
func trim(k Key, depth int) Key {
	n := depth + 1
	for i := 0; i < Bytes; i++ {
		switch {
		case n >= 8:
			n -= 8
		case n <= 0:
			k[i] = 0
		default:
			k[i] &= ^byte(0xff >> n)
			n = 0
		}
	}
	return k
}

// Depth returns the index of the last significant bit.
func (p Prefix) Depth() int {
	return p.depth
}

// Key returns the prefix bits followed by zeros, i.e. the lowest key the
// prefix covers.
func (p Prefix) Key() Key {
	return p.bits
}

// Last returns the highest key the prefix covers.
func (p Prefix) Last() Key {
	k := p.bits
	n := p.depth + 1
	for i := 0; i < Bytes; i++ {
		switch {
		case n >= 8:
			n -= 8
		case n <= 0:
			k[i] = 0xff
		default:
			k[i] |= 0xff >> n
			n = 0
		}
	}
	return k
}

// IsPrefixOf reports whether k lies under p.
func (p Prefix) IsPrefixOf(k Key) bool {
	return trim(k, p.depth) == p.bits
}

// Covers reports whether every key under o is also under p.
func (p Prefix) Covers(o Prefix) bool {
	return o.depth >= p.depth && p.IsPrefixOf(o.bits)
}

// Split returns one of the two children of p. The high child has bit
// depth+1 set.
func (p Prefix) Split(high bool) Prefix {
	if p.depth >= Bits-1 {
		return p
	}
	c := Prefix{bits: p.bits, depth: p.depth + 1}
	if high {
		c.bits[c.depth/8] |= 0x80 >> (c.depth % 8)
	}
	return c
}

// Parent returns the prefix one bit shorter than p.
func (p Prefix) Parent() Prefix {
	if p.depth < 0 {
		return p
	}
	return NewPrefix(p.bits, p.depth-1)
}

// IsSiblingOf reports whether p and o are distinct children of the same
// parent.
func (p Prefix) IsSiblingOf(o Prefix) bool {
	if p.depth != o.depth || p.depth < 0 {
		return false
	}
	return p.bits != o.bits && p.Parent() == o.Parent()
}

// DistanceTo returns the XOR distance from target to the lowest key of p,
// with the bits below the prefix cleared. Every key under p is at least this
// far from target.
func (p Prefix) DistanceTo(target Key) Key {
	return trim(target.Distance(p.bits), p.depth)
}

// RandomKey returns a random key under p.
func (p Prefix) RandomKey() Key {
	var r Key
	if _, err := rand.Read(r[:]); err != nil {
		panic(err)
	}
	// keep the prefix bits of p and the suffix bits of r
	mask := p.Last().Distance(p.bits)
	for i := range r {
		r[i] = p.bits[i] | (r[i] & mask[i])
	}
	return r
}

// Compare orders prefixes by their lowest key, then by depth.
func (p Prefix) Compare(o Prefix) int {
	if c := p.bits.Compare(o.bits); c != 0 {
		return c
	}
	return p.depth - o.depth
}

func (p Prefix) String() string {
	if p.depth < 0 {
		return "all"
	}
	var sb strings.Builder
	sb.Grow(p.depth + 4)
	for i := 0; i <= p.depth; i++ {
		if p.bits.Bit(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	sb.WriteString("...")
	return sb.String()
}
