// Package bitset provides a constant-length bitset sized for substrate
// segment-id spaces.
package bitset

import (
	"fmt"
	"math/bits"
)

// MaxBitsetWords specifies the number of 64-bit words in the bitset.
//
// 4 words cover ids 0 through 255; larger indices are rejected.
const MaxBitsetWords = 4

// TinyBitset implements a constant-length bitset.
type TinyBitset struct {
	words [MaxBitsetWords]uint64
}

// Count returns the number of bits set in the bitset.
func (m *TinyBitset) Count() uint {
	count := uint(0)
	for _, word := range m.words {
		count += uint(bits.OnesCount64(word))
	}

	return count
}

// Insert inserts the given index into the bitset.
func (m *TinyBitset) Insert(idx uint32) {
	if idx >= 64*MaxBitsetWords {
		panic(fmt.Sprintf("index %d is too big: must be less than %d", idx, 64*MaxBitsetWords))
	}

	m.words[idx/64] |= 1 << (idx % 64)
}

// Remove clears the given index.
func (m *TinyBitset) Remove(idx uint32) {
	if idx >= 64*MaxBitsetWords {
		return
	}

	m.words[idx/64] &^= 1 << (idx % 64)
}

// Contains reports whether the given index is set.
func (m *TinyBitset) Contains(idx uint32) bool {
	if idx >= 64*MaxBitsetWords {
		return false
	}

	return m.words[idx/64]&(1<<(idx%64)) != 0
}

// FirstClear returns the smallest index not set in the bitset.
//
// Gaps are filled first: with bits {0, 2} set the result is 1.
func (m *TinyBitset) FirstClear() uint32 {
	for idx, word := range m.words {
		if word != ^uint64(0) {
			return 64*uint32(idx) + uint32(bits.TrailingZeros64(^word))
		}
	}

	return 64 * MaxBitsetWords
}

// Traverse traverses the bitset and calls the given function for each bit
// set, from the least significant bit to the most significant one.
func (m *TinyBitset) Traverse(fn func(uint32) bool) {
	for idx, word := range m.words {
		for word > 0 {
			r := bits.TrailingZeros64(word)
			word &= word - 1

			if !fn(64*uint32(idx) + uint32(r)) {
				return
			}
		}
	}
}

// AsSlice returns the set indices in ascending order.
func (m *TinyBitset) AsSlice() []uint32 {
	out := make([]uint32, 0, m.Count())

	m.Traverse(func(idx uint32) bool {
		out = append(out, idx)
		return true
	})

	return out
}
