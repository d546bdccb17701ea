package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, n := range []uint32{0, 1, 7, 8, 9, 16, 100} {
		bf := New(n)
		for i := uint32(0); i < n; i += 3 {
			bf.Set(i)
		}
		b := bf.Bytes()
		parsed, err := NewBytes(b, n)
		require.NoError(t, err)
		for i := uint32(0); i < n; i++ {
			assert.Equal(t, bf.Test(i), parsed.Test(i), "index %d", i)
		}
	}
}

func TestPadBitsAreZeroOnSerialize(t *testing.T) {
	bf := New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	assert.Equal(t, byte(0b11100000), bf.Bytes()[0])
}

func TestMalformedPadBitRejected(t *testing.T) {
	_, err := NewBytes([]byte{0xFF}, 3)
	assert.ErrorIs(t, err, ErrMalformedBitfield)

	_, err = NewBytes([]byte{0b11100000}, 3)
	assert.NoError(t, err)
}

func TestWrongLengthRejected(t *testing.T) {
	_, err := NewBytes([]byte{0x00}, 9)
	assert.ErrorIs(t, err, ErrMalformedBitfield)
}

func TestSetAlgebra(t *testing.T) {
	a := New(8)
	a.Set(0)
	a.Set(1)
	b := New(8)
	b.Set(1)
	b.Set(2)

	diff := a.Difference(b) // pieces b has that a doesn't
	assert.True(t, diff.Test(2))
	assert.False(t, diff.Test(0))
	assert.False(t, diff.Test(1))

	inter := a.Intersection(b)
	assert.True(t, inter.Test(1))
	assert.Equal(t, uint32(1), inter.Count())

	union := a.Union(b)
	assert.Equal(t, uint32(3), union.Count())
}

func TestFullAndEmpty(t *testing.T) {
	bf := New(4)
	assert.True(t, bf.Empty())
	assert.False(t, bf.Full())
	for i := uint32(0); i < 4; i++ {
		bf.Set(i)
	}
	assert.True(t, bf.Full())
	assert.False(t, bf.Empty())
}

func TestOutOfRangeIgnored(t *testing.T) {
	bf := New(4)
	bf.Set(10)
	assert.False(t, bf.Test(10))
	bf.Clear(10)
}
