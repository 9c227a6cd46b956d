// Package compiler turns an ordered rule list into per-dimension bitmap
// tables for one traffic direction.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/iprange"
	"github.com/psaab/netfw/pkg/portseg"
	"github.com/psaab/netfw/pkg/rule"
)

var (
	// ErrCapacityExceeded is returned when more rules are submitted than
	// a bitmap has bits.
	ErrCapacityExceeded = errors.New("rule count exceeds bitmap capacity")

	// ErrRange and ErrUnsupportedFamily are re-exported so callers can
	// check compile failures without importing iprange.
	ErrRange             = iprange.ErrRange
	ErrUnsupportedFamily = iprange.ErrUnsupportedFamily
)

// Table names, shared by sinks, metrics and the API.
const (
	TableSrcV4   = "saddr"
	TableSrcV6   = "saddr6"
	TableDstV4   = "daddr"
	TableDstV6   = "daddr6"
	TableSrcPort = "sport"
	TableDstPort = "dport"
	TableProto   = "proto"
	TableAppUID  = "appuid"
	TableUserID  = "uid"
	TableAction  = "action"
)

// TableNames lists every table of a TableSet in flush order.
var TableNames = []string{
	TableSrcV4, TableSrcV6, TableDstV4, TableDstV6,
	TableSrcPort, TableDstPort, TableProto, TableAppUID, TableUserID,
	TableAction,
}

// TableSet is the compiled output for one direction. It is built fresh
// by every Compile and is not modified afterwards.
type TableSet struct {
	Direction rule.Direction
	Rules     int

	SrcV4 *PrefixMap
	SrcV6 *PrefixMap
	DstV4 *PrefixMap
	DstV6 *PrefixMap

	SrcPort *DimensionMap[uint16]
	DstPort *DimensionMap[uint16]
	Proto   *DimensionMap[uint8]
	AppUID  *DimensionMap[uint32]
	UserID  *DimensionMap[uint32]

	// Deny has bit i set when rule i denies.
	Deny bitmap.Bitmap
}

// Stats returns the number of explicit entries per table.
func (ts *TableSet) Stats() map[string]int {
	return map[string]int{
		TableSrcV4:   ts.SrcV4.Len(),
		TableSrcV6:   ts.SrcV6.Len(),
		TableDstV4:   ts.DstV4.Len(),
		TableDstV6:   ts.DstV6.Len(),
		TableSrcPort: ts.SrcPort.Len(),
		TableDstPort: ts.DstPort.Len(),
		TableProto:   ts.Proto.Len(),
		TableAppUID:  ts.AppUID.Len(),
		TableUserID:  ts.UserID.Len(),
		TableAction:  1,
	}
}

// Empty returns a table set with no rules for dir. Every lookup on it
// yields an empty bitmap.
func Empty(dir rule.Direction) *TableSet {
	return New(dir).tables()
}

// Compiler holds the working state of one compile. A Compiler must not
// be reused.
type Compiler struct {
	dir rule.Direction

	srcV4, srcV6, dstV4, dstV6 *PrefixMap

	srcSeg, dstSeg portseg.Segmenter

	srcPort, dstPort *DimensionMap[uint16]
	proto            *DimensionMap[uint8]
	appUID, userID   *DimensionMap[uint32]

	deny bitmap.Bitmap
}

// New returns a Compiler for dir.
func New(dir rule.Direction) *Compiler {
	return &Compiler{
		dir:     dir,
		srcV4:   NewPrefixMap4(),
		srcV6:   NewPrefixMap6(),
		dstV4:   NewPrefixMap4(),
		dstV6:   NewPrefixMap6(),
		srcPort: NewDimensionMap[uint16](),
		dstPort: NewDimensionMap[uint16](),
		proto:   NewDimensionMap[uint8](),
		appUID:  NewDimensionMap[uint32](),
		userID:  NewDimensionMap[uint32](),
	}
}

// Compile builds the tables for rules. Rule i owns bit i. Any range or
// family error aborts the compile and no TableSet is returned.
func Compile(rules []rule.Rule, dir rule.Direction) (*TableSet, error) {
	return New(dir).Compile(rules)
}

// Compile runs the compile passes over rules.
func (c *Compiler) Compile(rules []rule.Rule) (*TableSet, error) {
	if len(rules) > bitmap.Width {
		return nil, fmt.Errorf("%w: %d rules, capacity %d", ErrCapacityExceeded, len(rules), bitmap.Width)
	}

	// Pass 1: explicit values.
	for i := range rules {
		if err := c.insert(i, &rules[i]); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rules[i].Name, err)
		}
	}
	c.srcSeg.Flatten(c.srcPort.OrInsert)
	c.dstSeg.Flatten(c.dstPort.OrInsert)

	// Pass 2: wildcard back-fill, once every explicit key exists.
	for i := range rules {
		c.backfill(i, &rules[i])
	}

	ts := c.tables()
	ts.Rules = len(rules)
	slog.Debug("rules compiled",
		"direction", c.dir,
		"rules", len(rules),
		"saddr", ts.SrcV4.Len(), "saddr6", ts.SrcV6.Len(),
		"daddr", ts.DstV4.Len(), "daddr6", ts.DstV6.Len(),
		"sport", ts.SrcPort.Len(), "dport", ts.DstPort.Len(),
		"deny_rules", ts.Deny.Count())
	return ts, nil
}

func (c *Compiler) tables() *TableSet {
	return &TableSet{
		Direction: c.dir,
		SrcV4:     c.srcV4,
		SrcV6:     c.srcV6,
		DstV4:     c.dstV4,
		DstV6:     c.dstV6,
		SrcPort:   c.srcPort,
		DstPort:   c.dstPort,
		Proto:     c.proto,
		AppUID:    c.appUID,
		UserID:    c.userID,
		Deny:      c.deny,
	}
}

func (c *Compiler) insert(i int, r *rule.Rule) error {
	bit := bitmap.Single(i)

	if err := insertAddrs(r.RemoteAddrs, c.srcV4, c.srcV6, bit); err != nil {
		return fmt.Errorf("remote address: %w", err)
	}
	if err := insertAddrs(r.LocalAddrs, c.dstV4, c.dstV6, bit); err != nil {
		return fmt.Errorf("local address: %w", err)
	}

	if !r.IgnoresPorts() {
		if err := addPorts(&c.srcSeg, r.RemotePorts, bit); err != nil {
			return fmt.Errorf("remote port: %w", err)
		}
		if err := addPorts(&c.dstSeg, r.LocalPorts, bit); err != nil {
			return fmt.Errorf("local port: %w", err)
		}
	}

	if r.Protocol != rule.ProtoAny {
		c.proto.OrInsert(uint8(r.Protocol), bit)
	}
	if r.AppUID != 0 {
		c.appUID.OrInsert(r.AppUID, bit)
	}
	if r.UserID != 0 {
		c.userID.OrInsert(r.UserID, bit)
	}
	if r.Action == rule.Deny {
		c.deny.Or(bit)
	}
	return nil
}

func (c *Compiler) backfill(i int, r *rule.Rule) {
	bit := bitmap.Single(i)
	if len(r.RemoteAddrs) == 0 {
		c.srcV4.OrForEach(bit)
		c.srcV6.OrForEach(bit)
	}
	if len(r.LocalAddrs) == 0 {
		c.dstV4.OrForEach(bit)
		c.dstV6.OrForEach(bit)
	}
	if len(r.RemotePorts) == 0 || r.IgnoresPorts() {
		c.srcPort.OrForEach(bit)
	}
	if len(r.LocalPorts) == 0 || r.IgnoresPorts() {
		c.dstPort.OrForEach(bit)
	}
	if r.Protocol == rule.ProtoAny {
		c.proto.OrForEach(bit)
	}
	if r.AppUID == 0 {
		c.appUID.OrForEach(bit)
	}
	if r.UserID == 0 {
		c.userID.OrForEach(bit)
	}
}

func insertAddrs(params []rule.IPParam, v4, v6 *PrefixMap, bit bitmap.Bitmap) error {
	for _, p := range params {
		var m *PrefixMap
		switch p.Family() {
		case 4:
			m = v4
		case 6:
			m = v6
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedFamily, p)
		}
		prefixes, err := p.Prefixes()
		if err != nil {
			return err
		}
		for _, pfx := range prefixes {
			if err := m.OrInsertPrefix(pfx, bit); err != nil {
				return err
			}
		}
	}
	return nil
}

func addPorts(seg *portseg.Segmenter, ports []rule.PortRange, bit bitmap.Bitmap) error {
	for _, p := range ports {
		if err := p.Validate(); err != nil {
			return err
		}
		seg.AddMap(p.Start, p.End, bit)
	}
	return nil
}
