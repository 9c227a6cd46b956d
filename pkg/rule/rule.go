// Package rule defines the firewall rule model consumed by the compiler.
package rule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/psaab/netfw/pkg/portseg"
)

// Limits on submitted rule sets.
const (
	MaxRulesPerUser = 1000
	MaxDomainRules  = 2000
)

// ErrTooManyRules is returned when a rule set exceeds MaxRulesPerUser or
// MaxDomainRules.
var ErrTooManyRules = errors.New("too many rules")

// Direction is the traffic direction a rule applies to.
type Direction uint8

const (
	Ingress Direction = 1
	Egress  Direction = 2
)

// Directions lists every direction in table order.
var Directions = []Direction{Ingress, Egress}

func (d Direction) String() string {
	switch d {
	case Ingress:
		return "ingress"
	case Egress:
		return "egress"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Valid reports whether d is Ingress or Egress.
func (d Direction) Valid() bool {
	return d == Ingress || d == Egress
}

// ParseDirection accepts "ingress"/"in" and "egress"/"out".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "ingress", "in", "inbound":
		return Ingress, nil
	case "egress", "out", "outbound":
		return Egress, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Action is the verdict a rule or default applies.
type Action uint8

const (
	Allow Action = 1
	Deny  Action = 2
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Valid reports whether a is Allow or Deny.
func (a Action) Valid() bool {
	return a == Allow || a == Deny
}

// ParseAction accepts "allow"/"permit"/"accept" and "deny"/"drop"/"reject".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow", "permit", "accept", "pass":
		return Allow, nil
	case "deny", "drop", "reject", "block":
		return Deny, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Rule is one firewall rule. Its position in the submitted list decides
// its bit in the compiled bitmaps.
//
// Remote endpoint constraints are matched against the source tables and
// local endpoint constraints against the destination tables; the matcher
// swaps egress packets so that the remote endpoint is always the source.
// An empty list, a zero Protocol, a zero AppUID or a zero UserID leaves
// that dimension unconstrained.
type Rule struct {
	Name        string
	Direction   Direction
	Action      Action
	Protocol    Protocol
	AppUID      uint32
	UserID      uint32
	RemoteAddrs []IPParam
	LocalAddrs  []IPParam
	RemotePorts []PortRange
	LocalPorts  []PortRange
}

// IgnoresPorts reports whether the rule's protocol has no ports.
func (r *Rule) IgnoresPorts() bool {
	return r.Protocol.PortLess()
}

// Validate checks direction, action and every address and port value.
// Range errors wrap iprange.ErrRange and bad families wrap
// iprange.ErrUnsupportedFamily.
func (r *Rule) Validate() error {
	if !r.Direction.Valid() {
		return fmt.Errorf("rule %q: invalid direction %d", r.Name, r.Direction)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: invalid action %d", r.Name, r.Action)
	}
	for _, ip := range r.RemoteAddrs {
		if err := ip.Validate(); err != nil {
			return fmt.Errorf("rule %q: remote address: %w", r.Name, err)
		}
	}
	for _, ip := range r.LocalAddrs {
		if err := ip.Validate(); err != nil {
			return fmt.Errorf("rule %q: local address: %w", r.Name, err)
		}
	}
	if r.IgnoresPorts() {
		return nil
	}
	for _, p := range r.RemotePorts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rule %q: remote port: %w", r.Name, err)
		}
	}
	for _, p := range r.LocalPorts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rule %q: local port: %w", r.Name, err)
		}
	}
	return nil
}

// CheckLimits rejects rule sets that exceed MaxRulesPerUser for any user.
func CheckLimits(rules []Rule) error {
	perUser := make(map[uint32]int)
	for i := range rules {
		perUser[rules[i].UserID]++
		if n := perUser[rules[i].UserID]; n > MaxRulesPerUser {
			return fmt.Errorf("%w: user %d has more than %d rules", ErrTooManyRules, rules[i].UserID, MaxRulesPerUser)
		}
	}
	return nil
}

// PortRange is an inclusive transport port range. A single port has
// Start == End.
type PortRange struct {
	Start uint16
	End   uint16
}

// Validate returns an error wrapping iprange.ErrRange if Start > End.
func (p PortRange) Validate() error {
	return portseg.ValidateRange(p.Start, p.End)
}

func (p PortRange) String() string {
	if p.Start == p.End {
		return fmt.Sprintf("%d", p.Start)
	}
	return fmt.Sprintf("%d-%d", p.Start, p.End)
}
