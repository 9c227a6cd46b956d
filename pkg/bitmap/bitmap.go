// Package bitmap implements the fixed-width rule bitmap shared by every
// lookup table. Bit i stands for rule i of the compiled rule list.
package bitmap

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	// Words is the number of 32-bit words in a Bitmap.
	Words = 64
	// Width is the number of rule bits a Bitmap can hold.
	Width = Words * 32
)

// Bitmap is a fixed-width bit set. The layout matches the value type of
// the dataplane bitmap maps, so a Bitmap can be written to them as-is.
type Bitmap [Words]uint32

// Single returns a Bitmap with only bit i set. Out-of-range indices
// produce an empty Bitmap.
func Single(i int) Bitmap {
	var b Bitmap
	b.Set(i)
	return b
}

// Full returns a Bitmap with every bit set.
func Full() Bitmap {
	var b Bitmap
	for i := range b {
		b[i] = ^uint32(0)
	}
	return b
}

// Set sets bit i. Indices outside [0, Width) are ignored.
func (b *Bitmap) Set(i int) {
	if i < 0 || i >= Width {
		return
	}
	b[i>>5] |= 1 << (uint(i) & 31)
}

// Has reports whether bit i is set.
func (b Bitmap) Has(i int) bool {
	if i < 0 || i >= Width {
		return false
	}
	return b[i>>5]&(1<<(uint(i)&31)) != 0
}

// And intersects b with o in place.
func (b *Bitmap) And(o Bitmap) {
	for i := range b {
		b[i] &= o[i]
	}
}

// Or unions o into b in place.
func (b *Bitmap) Or(o Bitmap) {
	for i := range b {
		b[i] |= o[i]
	}
}

// AndNot clears from b every bit set in o.
func (b *Bitmap) AndNot(o Bitmap) {
	for i := range b {
		b[i] &^= o[i]
	}
}

// Not returns the complement of b.
func (b Bitmap) Not() Bitmap {
	for i := range b {
		b[i] = ^b[i]
	}
	return b
}

// Equal reports whether b and o have identical bits.
func (b Bitmap) Equal(o Bitmap) bool {
	return b == o
}

// IsEmpty reports whether no bit is set.
func (b Bitmap) IsEmpty() bool {
	return b == Bitmap{}
}

// Count returns the number of set bits.
func (b Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount32(w)
	}
	return n
}

// Bits returns the indices of the set bits in ascending order.
func (b Bitmap) Bits() []int {
	var out []int
	for i, w := range b {
		for w != 0 {
			j := bits.TrailingZeros32(w)
			out = append(out, i*32+j)
			w &= w - 1
		}
	}
	return out
}

// First returns the lowest set bit, or -1 when b is empty.
func (b Bitmap) First() int {
	for i, w := range b {
		if w != 0 {
			return i*32 + bits.TrailingZeros32(w)
		}
	}
	return -1
}

// Hash mixes the first non-zero word with Thomas Wang's 32-bit integer
// hash and shifts the result by that word's index. Equal bitmaps hash
// equally; the empty bitmap hashes to 0.
func (b Bitmap) Hash() uint64 {
	for i, w := range b {
		if w != 0 {
			return uint64(wangMix(w)) << uint(i)
		}
	}
	return 0
}

func wangMix(key uint32) uint32 {
	key += ^(key << 15)
	key ^= key >> 10
	key += key << 3
	key ^= key >> 6
	key += ^(key << 11)
	key ^= key >> 16
	return key
}

// String renders the set bits as a compact list of indices and runs,
// for example "{0,3-5,17}".
func (b Bitmap) String() string {
	set := b.Bits()
	var sb strings.Builder
	sb.WriteByte('{')
	for i := 0; i < len(set); {
		j := i
		for j+1 < len(set) && set[j+1] == set[j]+1 {
			j++
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&sb, "%d-%d", set[i], set[j])
		} else {
			fmt.Fprintf(&sb, "%d", set[i])
		}
		i = j + 1
	}
	sb.WriteByte('}')
	return sb.String()
}
