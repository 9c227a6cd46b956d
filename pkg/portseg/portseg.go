// Package portseg maintains a sorted list of disjoint port segments, each
// carrying the OR of the bitmaps of every range that covers it.
package portseg

import (
	"fmt"
	"sort"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/iprange"
)

// ErrRange is returned for port ranges whose start is above the end. It
// is the same sentinel as iprange.ErrRange.
var ErrRange = iprange.ErrRange

// ValidateRange checks that [start, end] is a well-formed port range.
func ValidateRange(start, end uint16) error {
	if start > end {
		return fmt.Errorf("%w: port %d > %d", ErrRange, start, end)
	}
	return nil
}

// Segment is an inclusive port range with its bitmap.
type Segment struct {
	Start  uint16
	End    uint16
	Bitmap bitmap.Bitmap
}

// Segmenter accumulates overlapping port ranges. Adjacent segments with
// equal bitmaps are kept separate.
type Segmenter struct {
	segs []Segment
}

// AddMap overlays [start, end] with b: every covered part of an existing
// segment has b OR'ed in (splitting the segment at the range edges) and
// every uncovered gap becomes a new segment holding b. A reversed range
// is ignored.
func (s *Segmenter) AddMap(start, end uint16, b bitmap.Bitmap) {
	if start > end {
		return
	}
	lo, hi := uint32(start), uint32(end)
	out := make([]Segment, 0, len(s.segs)+2)
	cur := lo // first port of [lo, hi] not yet accounted for
	for _, seg := range s.segs {
		ss, se := uint32(seg.Start), uint32(seg.End)
		if se < lo || ss > hi {
			if ss > hi && cur <= hi {
				out = append(out, Segment{Start: uint16(cur), End: uint16(hi), Bitmap: b})
				cur = hi + 1
			}
			out = append(out, seg)
			continue
		}
		if ss < lo {
			out = append(out, Segment{Start: seg.Start, End: uint16(lo - 1), Bitmap: seg.Bitmap})
			ss = lo
		}
		if cur < ss {
			out = append(out, Segment{Start: uint16(cur), End: uint16(ss - 1), Bitmap: b})
		}
		overlapEnd := min(se, hi)
		merged := seg.Bitmap
		merged.Or(b)
		out = append(out, Segment{Start: uint16(ss), End: uint16(overlapEnd), Bitmap: merged})
		cur = overlapEnd + 1
		if se > hi {
			out = append(out, Segment{Start: uint16(hi + 1), End: seg.End, Bitmap: seg.Bitmap})
		}
	}
	if cur <= hi {
		out = append(out, Segment{Start: uint16(cur), End: uint16(hi), Bitmap: b})
	}
	s.segs = out
}

// Segments returns a copy of the segments, sorted by start port.
func (s *Segmenter) Segments() []Segment {
	out := make([]Segment, len(s.segs))
	copy(out, s.segs)
	return out
}

// Len returns the number of segments.
func (s *Segmenter) Len() int {
	return len(s.segs)
}

// Lookup returns the bitmap of the segment containing port.
func (s *Segmenter) Lookup(port uint16) (bitmap.Bitmap, bool) {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].End >= port })
	if i < len(s.segs) && s.segs[i].Start <= port {
		return s.segs[i].Bitmap, true
	}
	return bitmap.Bitmap{}, false
}

// Flatten calls fn for every concrete port covered by a segment. Port 0
// is skipped: it is reserved for the catch-all key of port tables.
func (s *Segmenter) Flatten(fn func(port uint16, b bitmap.Bitmap)) {
	for _, seg := range s.segs {
		start := uint32(max(seg.Start, 1))
		for p := start; p <= uint32(seg.End); p++ {
			fn(uint16(p), seg.Bitmap)
		}
	}
}
