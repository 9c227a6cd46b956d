package compiler

import (
	"strconv"

	"github.com/psaab/netfw/pkg/bitmap"
)

// OtherKey labels the catch-all row in a dump.
const OtherKey = "other"

// Row is one table entry in printable form.
type Row struct {
	Key   string `json:"key"`
	Rules []int  `json:"rules"`
}

// Dump returns every table of ts keyed by table name. Each table lists
// its explicit entries in key order followed by the catch-all row. The
// action table has a single row listing the deny rules.
func (ts *TableSet) Dump() map[string][]Row {
	return map[string][]Row{
		TableSrcV4:   dumpPrefixes(ts.SrcV4),
		TableSrcV6:   dumpPrefixes(ts.SrcV6),
		TableDstV4:   dumpPrefixes(ts.DstV4),
		TableDstV6:   dumpPrefixes(ts.DstV6),
		TableSrcPort: dumpDimension(ts.SrcPort),
		TableDstPort: dumpDimension(ts.DstPort),
		TableProto:   dumpDimension(ts.Proto),
		TableAppUID:  dumpDimension(ts.AppUID),
		TableUserID:  dumpDimension(ts.UserID),
		TableAction:  {{Key: "deny", Rules: ts.Deny.Bits()}},
	}
}

func dumpPrefixes(m *PrefixMap) []Row {
	entries := m.Entries()
	rows := make([]Row, 0, len(entries)+1)
	for _, e := range entries {
		rows = append(rows, Row{Key: e.Prefix.String(), Rules: e.Bitmap.Bits()})
	}
	return append(rows, otherRow(m.Other()))
}

type integer interface {
	~uint8 | ~uint16 | ~uint32
}

func dumpDimension[K integer](m *DimensionMap[K]) []Row {
	keys := SortedKeys(m)
	rows := make([]Row, 0, len(keys)+1)
	for _, k := range keys {
		rows = append(rows, Row{Key: strconv.FormatUint(uint64(k), 10), Rules: m.Lookup(k).Bits()})
	}
	return append(rows, otherRow(m.Other()))
}

func otherRow(b bitmap.Bitmap) Row {
	return Row{Key: OtherKey, Rules: b.Bits()}
}
