package compiler

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/iprange"
)

// DimensionMap maps exact keys of one rule dimension to rule bitmaps and
// carries a catch-all bitmap used for keys with no entry of their own.
type DimensionMap[K comparable] struct {
	entries map[K]bitmap.Bitmap
	other   bitmap.Bitmap
}

// NewDimensionMap returns an empty map whose catch-all is empty.
func NewDimensionMap[K comparable]() *DimensionMap[K] {
	return &DimensionMap[K]{entries: make(map[K]bitmap.Bitmap)}
}

// OrInsert ORs b into the entry for k, creating it if needed.
func (m *DimensionMap[K]) OrInsert(k K, b bitmap.Bitmap) {
	cur := m.entries[k]
	cur.Or(b)
	m.entries[k] = cur
}

// OrOther ORs b into the catch-all.
func (m *DimensionMap[K]) OrOther(b bitmap.Bitmap) {
	m.other.Or(b)
}

// OrForEach ORs b into every entry and into the catch-all.
func (m *DimensionMap[K]) OrForEach(b bitmap.Bitmap) {
	for k, cur := range m.entries {
		cur.Or(b)
		m.entries[k] = cur
	}
	m.other.Or(b)
}

// Lookup returns the bitmap for k, or the catch-all if k has no entry.
func (m *DimensionMap[K]) Lookup(k K) bitmap.Bitmap {
	if b, ok := m.entries[k]; ok {
		return b
	}
	return m.other
}

// Get returns the entry for k without catch-all fallback.
func (m *DimensionMap[K]) Get(k K) (bitmap.Bitmap, bool) {
	b, ok := m.entries[k]
	return b, ok
}

// Other returns the catch-all bitmap.
func (m *DimensionMap[K]) Other() bitmap.Bitmap {
	return m.other
}

// Len returns the number of explicit entries.
func (m *DimensionMap[K]) Len() int {
	return len(m.entries)
}

// Range calls fn for each explicit entry until fn returns false. The
// iteration order is unspecified.
func (m *DimensionMap[K]) Range(fn func(K, bitmap.Bitmap) bool) {
	for k, b := range m.entries {
		if !fn(k, b) {
			return
		}
	}
}

// SortedKeys returns the explicit keys of m in ascending order.
func SortedKeys[K cmp.Ordered](m *DimensionMap[K]) []K {
	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// PrefixEntry is one row of a PrefixMap.
type PrefixEntry struct {
	Prefix netip.Prefix
	Bitmap bitmap.Bitmap
}

func (e PrefixEntry) String() string {
	return fmt.Sprintf("%s %s", e.Prefix, e.Bitmap)
}

// PrefixMap is a DimensionMap keyed by masked prefixes of one address
// family. Two inserts share an entry only if both the masked address and
// the prefix length are equal.
type PrefixMap struct {
	*DimensionMap[netip.Prefix]
	bits int
}

// NewPrefixMap4 returns an empty IPv4 prefix map.
func NewPrefixMap4() *PrefixMap {
	return &PrefixMap{DimensionMap: NewDimensionMap[netip.Prefix](), bits: 32}
}

// NewPrefixMap6 returns an empty IPv6 prefix map.
func NewPrefixMap6() *PrefixMap {
	return &PrefixMap{DimensionMap: NewDimensionMap[netip.Prefix](), bits: 128}
}

// Family returns 4 or 6.
func (m *PrefixMap) Family() int {
	if m.bits == 32 {
		return 4
	}
	return 6
}

// OrInsert masks addr to prefixLen and ORs b into that entry.
// An IPv4-mapped address of at least /96 is taken as the IPv4 prefix it
// covers.
func (m *PrefixMap) OrInsert(addr netip.Addr, prefixLen int, b bitmap.Bitmap) error {
	if addr.Is4In6() && prefixLen >= 96 {
		addr, prefixLen = addr.Unmap(), prefixLen-96
	}
	if !addr.IsValid() || addr.BitLen() != m.bits {
		return fmt.Errorf("%w: %s in IPv%d table", iprange.ErrUnsupportedFamily, addr, m.Family())
	}
	pfx, err := addr.Prefix(prefixLen)
	if err != nil {
		return fmt.Errorf("prefix %s/%d: %w", addr, prefixLen, err)
	}
	m.DimensionMap.OrInsert(pfx, b)
	return nil
}

// OrInsertPrefix ORs b into the entry for the masked form of p.
func (m *PrefixMap) OrInsertPrefix(p netip.Prefix, b bitmap.Bitmap) error {
	return m.OrInsert(p.Addr(), p.Bits(), b)
}

// Entries returns the explicit entries ordered by address, then by
// prefix length.
func (m *PrefixMap) Entries() []PrefixEntry {
	out := make([]PrefixEntry, 0, m.Len())
	m.Range(func(p netip.Prefix, b bitmap.Bitmap) bool {
		out = append(out, PrefixEntry{Prefix: p, Bitmap: b})
		return true
	})
	slices.SortFunc(out, func(a, b PrefixEntry) int {
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
	})
	return out
}
