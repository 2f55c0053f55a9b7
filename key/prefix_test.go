package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWholeKeyspace(t *testing.T) {
	assert.Equal(t, -1, Whole.Depth())
	assert.True(t, Whole.IsPrefixOf(Random()))
	assert.Equal(t, Min, Whole.Key())
	assert.Equal(t, Max, Whole.Last())
	assert.Equal(t, "all", Whole.String())
}

func TestSplitAndParent(t *testing.T) {
	lo := Whole.Split(false)
	hi := Whole.Split(true)

	assert.Equal(t, 0, lo.Depth())
	assert.Equal(t, "0...", lo.String())
	assert.Equal(t, "1...", hi.String())
	assert.True(t, lo.IsSiblingOf(hi))
	assert.True(t, hi.IsSiblingOf(lo))
	assert.False(t, lo.IsSiblingOf(lo))
	assert.Equal(t, Whole, lo.Parent())
	assert.Equal(t, Whole, hi.Parent())

	k := Random()
	if k.Bit(0) {
		assert.True(t, hi.IsPrefixOf(k))
		assert.False(t, lo.IsPrefixOf(k))
	} else {
		assert.True(t, lo.IsPrefixOf(k))
		assert.False(t, hi.IsPrefixOf(k))
	}
}

func TestChildrenPartitionParent(t *testing.T) {
	p := NewPrefix(Random(), 13)
	lo, hi := p.Split(false), p.Split(true)

	for i := 0; i < 200; i++ {
		k := p.RandomKey()
		assert.True(t, p.IsPrefixOf(k))
		assert.NotEqual(t, lo.IsPrefixOf(k), hi.IsPrefixOf(k), "exactly one child covers %s", k)
	}
	assert.True(t, p.Covers(lo))
	assert.True(t, p.Covers(hi))
	assert.False(t, lo.Covers(p))
	assert.Equal(t, p, hi.Parent())
}

func TestNonSiblings(t *testing.T) {
	a := NewPrefix(keyWithTopByte(0x00), 1) // 00
	b := NewPrefix(keyWithTopByte(0x80), 1) // 10
	assert.False(t, a.IsSiblingOf(b), "same depth, different parents")
	assert.False(t, a.IsSiblingOf(a.Parent()), "different depth")
}

func TestLastAndDistance(t *testing.T) {
	p := NewPrefix(keyWithTopByte(0xa0), 3) // 1010
	last := p.Last()
	assert.Equal(t, byte(0xaf), last[0])
	assert.Equal(t, byte(0xff), last[Bytes-1])

	target := keyWithTopByte(0x20) // 0010
	d := p.DistanceTo(target)
	assert.Equal(t, keyWithTopByte(0x80), d)

	for i := 0; i < 100; i++ {
		k := p.RandomKey()
		assert.True(t, target.Distance(k).Compare(d) >= 0)
	}
}

func TestFullDepthPrefix(t *testing.T) {
	k := Random()
	p := NewPrefix(k, Bits-1)
	assert.True(t, p.IsPrefixOf(k))
	assert.Equal(t, k, p.Key())
	assert.Equal(t, k, p.Last())
	assert.Equal(t, p, p.Split(true), "cannot split past the last bit")
}
