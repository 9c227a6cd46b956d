package classifier

import (
	"net/netip"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/rule"
)

// Reason says which mechanism decided a verdict.
type Reason string

const (
	ReasonRule     Reason = "rule"
	ReasonDefault  Reason = "default"
	ReasonDomain   Reason = "domain"
	ReasonLoopback Reason = "loopback"
)

// Verdict is the outcome of classifying one packet.
type Verdict struct {
	Action     rule.Action
	Reason     Reason
	Rule       int // deciding rule index, -1 unless Reason is ReasonRule
	Candidates bitmap.Bitmap
}

// MatcherSource returns the currently published matcher for a
// direction, or nil if none has been published.
type MatcherSource interface {
	Matcher(dir rule.Direction) *Matcher
}

// DomainChecker reports whether addr was resolved from a domain the user
// (and app, or any app) is allowed to reach.
type DomainChecker interface {
	Permitted(addr netip.Addr, userID, appUID uint32) bool
}

// Classifier resolves packets to allow or deny.
type Classifier struct {
	src      MatcherSource
	defaults *Defaults
	domains  DomainChecker

	loopback atomic.Pointer[bart.Table[struct{}]]
}

// New returns a Classifier reading tables from src. domains may be nil.
func New(src MatcherSource, defaults *Defaults, domains DomainChecker) *Classifier {
	c := &Classifier{src: src, defaults: defaults, domains: domains}
	c.SetLoopback(DefaultLoopback)
	return c
}

// SetLoopback replaces the set of prefixes whose traffic bypasses the
// rule tables.
func (c *Classifier) SetLoopback(prefixes []netip.Prefix) {
	t := new(bart.Table[struct{}])
	for _, p := range prefixes {
		t.Insert(p.Masked(), struct{}{})
	}
	c.loopback.Store(t)
}

func (c *Classifier) isLoopback(a netip.Addr) bool {
	_, ok := c.loopback.Load().Lookup(a.Unmap())
	return ok
}

// Classify returns the verdict for p. It never fails: a lookup miss in
// any table falls back to that table's catch-all, and a direction with
// no published tables gets the default action.
func (c *Classifier) Classify(p Packet) Verdict {
	if p.UserID == 0 {
		p.UserID = c.defaults.CurrentUser()
	}
	remote, _ := p.Remote()
	if c.isLoopback(remote) {
		return Verdict{Action: rule.Allow, Reason: ReasonLoopback, Rule: -1}
	}

	def := c.defaults.Get(p.UserID, p.Direction)
	v := Verdict{Action: def, Reason: ReasonDefault, Rule: -1}

	if m := c.src.Matcher(p.Direction); m != nil {
		v.Candidates = m.Candidates(p)
		act, idx := Resolve(v.Candidates, m.Tables().Deny, def)
		v.Action = act
		if idx >= 0 {
			v.Reason, v.Rule = ReasonRule, idx
		}
	}

	if v.Action == rule.Deny && p.Direction == rule.Egress && c.domains != nil &&
		c.domains.Permitted(remote, p.UserID, p.AppUID) {
		v.Action, v.Reason = rule.Allow, ReasonDomain
	}
	return v
}
