package iprange

import (
	"bytes"
	"fmt"
	"net/netip"
)

// Addr6 is a 128-bit address in network byte order.
type Addr6 [16]byte

// BitAt returns bit i of a, counting from the most significant bit
// (i = 0) to the least significant (i = 127).
func BitAt(a Addr6, i int) bool {
	if i < 0 || i > 127 {
		return false
	}
	return (a[i/8]>>(7-uint(i%8)))&1 == 1
}

// SetBit sets or clears bit i of a. Out-of-range indices are ignored.
func SetBit(a *Addr6, i int, v bool) {
	if i < 0 || i > 127 {
		return
	}
	mask := byte(1) << (7 - uint(i%8))
	if v {
		a[i/8] |= mask
	} else {
		a[i/8] &^= mask
	}
}

// Compare returns -1, 0 or +1 comparing a and b as unsigned integers.
func Compare(a, b Addr6) int {
	return bytes.Compare(a[:], b[:])
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b Addr6) int {
	for i := 0; i < 128; i++ {
		if BitAt(a, i) != BitAt(b, i) {
			return i
		}
	}
	return 128
}

// Mask clears every bit of a after the first prefixLen bits.
func Mask(a Addr6, prefixLen int) Addr6 {
	for i := prefixLen; i < 128; i++ {
		SetBit(&a, i, false)
	}
	return a
}

func trailingZeros(a Addr6) int {
	n := 0
	for i := 127; i >= 0 && !BitAt(a, i); i-- {
		n++
	}
	return n
}

// fillLow returns a with its k least significant bits set to one.
func fillLow(a Addr6, k int) Addr6 {
	for i := 127; i > 127-k; i-- {
		SetBit(&a, i, true)
	}
	return a
}

// increment adds one to a and reports whether it wrapped around.
func increment(a Addr6) (Addr6, bool) {
	for i := 15; i >= 0; i-- {
		a[i]++
		if a[i] != 0 {
			return a, false
		}
	}
	return a, true
}

// Block6 is an IPv6 CIDR block.
type Block6 struct {
	Addr      Addr6
	PrefixLen uint8
}

// Prefix converts the block to a netip.Prefix.
func (b Block6) Prefix() netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom16(b.Addr), int(b.PrefixLen))
}

func (b Block6) String() string {
	return b.Prefix().String()
}

// DecomposeV6 returns the minimal list of blocks covering [start, end],
// in ascending address order. At each step the block starting at the
// current address is grown while it stays aligned and inside the range.
func DecomposeV6(start, end Addr6) ([]Block6, error) {
	if Compare(start, end) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrRange,
			netip.AddrFrom16(start), netip.AddrFrom16(end))
	}
	var out []Block6
	cur := start
	for {
		k := trailingZeros(cur)
		for k > 0 && Compare(fillLow(cur, k), end) > 0 {
			k--
		}
		out = append(out, Block6{Addr: cur, PrefixLen: uint8(128 - k)})

		last := fillLow(cur, k)
		if Compare(last, end) == 0 {
			return out, nil
		}
		next, wrapped := increment(last)
		if wrapped {
			return out, nil
		}
		cur = next
	}
}
