package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_TinyBitsetCount(t *testing.T) {
	b := TinyBitset{}

	assert.Equal(t, uint(0), b.Count())

	b.Insert(0)
	b.Insert(42)
	assert.Equal(t, uint(2), b.Count())
}

func Test_TinyBitsetContains(t *testing.T) {
	b := TinyBitset{}
	b.Insert(7)

	assert.True(t, b.Contains(7))
	assert.False(t, b.Contains(8))
	assert.False(t, b.Contains(64*MaxBitsetWords))
}

func Test_TinyBitsetRemove(t *testing.T) {
	b := TinyBitset{}
	b.Insert(7)
	b.Insert(100)

	b.Remove(7)

	assert.False(t, b.Contains(7))
	assert.True(t, b.Contains(100))
	assert.Equal(t, uint(1), b.Count())
}

func Test_TinyBitsetFirstClear(t *testing.T) {
	b := TinyBitset{}

	assert.Equal(t, uint32(0), b.FirstClear())

	b.Insert(0)
	b.Insert(2)
	assert.Equal(t, uint32(1), b.FirstClear())

	b.Insert(1)
	assert.Equal(t, uint32(3), b.FirstClear())
}

func Test_TinyBitsetFirstClearFullWord(t *testing.T) {
	b := TinyBitset{}
	for idx := uint32(0); idx < 64; idx++ {
		b.Insert(idx)
	}

	assert.Equal(t, uint32(64), b.FirstClear())
}

func Test_TinyBitsetAsSlice(t *testing.T) {
	b := TinyBitset{}
	b.Insert(0)
	b.Insert(42)
	b.Insert(200)

	assert.Equal(t, []uint32{0, 42, 200}, b.AsSlice())
}

func Test_TinyBitsetPanicsOnLargeIndex(t *testing.T) {
	b := TinyBitset{}

	assert.NotPanics(t, func() { b.Insert(0) })
	assert.NotPanics(t, func() { b.Insert(64*MaxBitsetWords - 1) })
	assert.Panics(t, func() { b.Insert(64 * MaxBitsetWords) })
}
