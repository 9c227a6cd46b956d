// Package classifier evaluates packets against published rule tables.
package classifier

import (
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/rule"
)

// Packet is the part of a packet the rule tables are keyed on. Src and
// Dst are as seen on the wire; the matcher swaps them for egress so that
// the remote endpoint is always looked up in the source tables.
type Packet struct {
	Direction rule.Direction
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  rule.Protocol
	AppUID    uint32
	UserID    uint32
}

// Remote returns the remote endpoint of the packet.
func (p *Packet) Remote() (netip.Addr, uint16) {
	if p.Direction == rule.Egress {
		return p.Dst, p.DstPort
	}
	return p.Src, p.SrcPort
}

// Local returns the local endpoint of the packet.
func (p *Packet) Local() (netip.Addr, uint16) {
	if p.Direction == rule.Egress {
		return p.Src, p.SrcPort
	}
	return p.Dst, p.DstPort
}

// Matcher answers candidate-rule queries for one compiled TableSet.
// It is immutable once built and safe for concurrent use.
type Matcher struct {
	ts *compiler.TableSet

	src4, src6 *bart.Table[bitmap.Bitmap]
	dst4, dst6 *bart.Table[bitmap.Bitmap]
}

// NewMatcher indexes the prefix tables of ts for longest-prefix match.
func NewMatcher(ts *compiler.TableSet) *Matcher {
	return &Matcher{
		ts:   ts,
		src4: prefixTrie(ts.SrcV4),
		src6: prefixTrie(ts.SrcV6),
		dst4: prefixTrie(ts.DstV4),
		dst6: prefixTrie(ts.DstV6),
	}
}

func prefixTrie(m *compiler.PrefixMap) *bart.Table[bitmap.Bitmap] {
	t := new(bart.Table[bitmap.Bitmap])
	for _, e := range m.Entries() {
		t.Insert(e.Prefix, e.Bitmap)
	}
	return t
}

// Tables returns the TableSet the matcher was built from.
func (m *Matcher) Tables() *compiler.TableSet {
	return m.ts
}

// Candidates returns the bitmap of rules whose every dimension matches p.
func (m *Matcher) Candidates(p Packet) bitmap.Bitmap {
	cand := bitmap.Full()

	remote, remotePort := p.Remote()
	local, localPort := p.Local()
	remote, local = remote.Unmap(), local.Unmap()

	if remote.Is4() {
		cand.And(lpm(m.src4, m.ts.SrcV4, remote))
	} else {
		cand.And(lpm(m.src6, m.ts.SrcV6, remote))
	}
	if local.Is4() {
		cand.And(lpm(m.dst4, m.ts.DstV4, local))
	} else {
		cand.And(lpm(m.dst6, m.ts.DstV6, local))
	}

	if !p.Protocol.PortLess() {
		cand.And(m.ts.SrcPort.Lookup(remotePort))
		cand.And(m.ts.DstPort.Lookup(localPort))
	}
	cand.And(m.ts.Proto.Lookup(uint8(p.Protocol)))
	cand.And(m.ts.AppUID.Lookup(p.AppUID))
	cand.And(m.ts.UserID.Lookup(p.UserID))
	return cand
}

func lpm(t *bart.Table[bitmap.Bitmap], pm *compiler.PrefixMap, a netip.Addr) bitmap.Bitmap {
	if b, ok := t.Lookup(a); ok {
		return b
	}
	return pm.Other()
}

// Resolve turns a candidate bitmap into an action given the default for
// the direction. Under default allow any candidate deny rule denies;
// under default deny any candidate allow rule allows. ruleIdx is the lowest
// deciding rule index, or -1 when the default applied.
func Resolve(cand, deny bitmap.Bitmap, def rule.Action) (act rule.Action, ruleIdx int) {
	hit := cand
	if def == rule.Deny {
		hit.AndNot(deny)
		if hit.IsEmpty() {
			return rule.Deny, -1
		}
		return rule.Allow, hit.First()
	}
	hit.And(deny)
	if hit.IsEmpty() {
		return rule.Allow, -1
	}
	return rule.Deny, hit.First()
}
