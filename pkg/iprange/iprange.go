// Package iprange decomposes inclusive address ranges into the minimal
// ordered set of CIDR blocks that covers them exactly.
package iprange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
)

var (
	// ErrRange is returned when a range start is above its end.
	ErrRange = errors.New("invalid range: start greater than end")
	// ErrUnsupportedFamily is returned for addresses that are neither
	// IPv4 nor IPv6, or for ranges whose ends differ in family.
	ErrUnsupportedFamily = errors.New("unsupported address family")
)

// Block4 is an IPv4 CIDR block.
type Block4 struct {
	Addr      uint32
	PrefixLen uint8
}

// Prefix converts the block to a netip.Prefix.
func (b Block4) Prefix() netip.Prefix {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], b.Addr)
	return netip.PrefixFrom(netip.AddrFrom4(a), int(b.PrefixLen))
}

func (b Block4) String() string {
	return b.Prefix().String()
}

// DecomposeV4 returns the minimal list of blocks covering [start, end],
// in ascending address order.
func DecomposeV4(start, end uint32) ([]Block4, error) {
	if start > end {
		return nil, fmt.Errorf("%w: %s > %s", ErrRange, v4String(start), v4String(end))
	}
	var out []Block4
	cur, last := uint64(start), uint64(end)
	for cur <= last {
		tz := 32
		if cur != 0 {
			tz = bits.TrailingZeros32(uint32(cur))
		}
		// Largest power of two not exceeding the remaining span.
		span := last - cur + 1
		k := bits.Len64(span) - 1
		if tz < k {
			k = tz
		}
		out = append(out, Block4{Addr: uint32(cur), PrefixLen: uint8(32 - k)})
		cur += 1 << uint(k)
	}
	return out, nil
}

func v4String(a uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a)
	return netip.AddrFrom4(b).String()
}

// Decompose dispatches to DecomposeV4 or DecomposeV6 by family and
// returns the blocks as prefixes. IPv4-mapped IPv6 addresses are
// treated as IPv4.
func Decompose(start, end netip.Addr) ([]netip.Prefix, error) {
	start, end = start.Unmap(), end.Unmap()
	switch {
	case !start.IsValid() || !end.IsValid():
		return nil, ErrUnsupportedFamily
	case start.Is4() && end.Is4():
		s, e := start.As4(), end.As4()
		blocks, err := DecomposeV4(binary.BigEndian.Uint32(s[:]), binary.BigEndian.Uint32(e[:]))
		if err != nil {
			return nil, err
		}
		out := make([]netip.Prefix, len(blocks))
		for i, b := range blocks {
			out[i] = b.Prefix()
		}
		return out, nil
	case start.Is6() && end.Is6():
		blocks, err := DecomposeV6(Addr6(start.As16()), Addr6(end.As16()))
		if err != nil {
			return nil, err
		}
		out := make([]netip.Prefix, len(blocks))
		for i, b := range blocks {
			out[i] = b.Prefix()
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: range %s-%s mixes families", ErrUnsupportedFamily, start, end)
}
