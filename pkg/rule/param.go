package rule

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/psaab/netfw/pkg/iprange"
)

// Protocol is an IP protocol number; zero matches any protocol.
type Protocol uint8

const (
	ProtoAny    Protocol = 0
	ProtoICMP   Protocol = 1
	ProtoTCP    Protocol = 6
	ProtoUDP    Protocol = 17
	ProtoGRE    Protocol = 47
	ProtoESP    Protocol = 50
	ProtoAH     Protocol = 51
	ProtoICMPv6 Protocol = 58
	ProtoL2TP   Protocol = 115
)

var protoNames = map[string]Protocol{
	"any":    ProtoAny,
	"icmp":   ProtoICMP,
	"tcp":    ProtoTCP,
	"udp":    ProtoUDP,
	"gre":    ProtoGRE,
	"esp":    ProtoESP,
	"ah":     ProtoAH,
	"icmpv6": ProtoICMPv6,
	"icmp6":  ProtoICMPv6,
	"l2tp":   ProtoL2TP,
}

// PortLess reports whether the protocol carries no transport ports.
func (p Protocol) PortLess() bool {
	return p == ProtoICMP || p == ProtoICMPv6
}

func (p Protocol) String() string {
	for name, v := range protoNames {
		if v == p && name != "icmp6" {
			return name
		}
	}
	return strconv.Itoa(int(p))
}

// ParseProtocol accepts a protocol name or number.
func ParseProtocol(s string) (Protocol, error) {
	if s == "" {
		return ProtoAny, nil
	}
	if p, ok := protoNames[strings.ToLower(s)]; ok {
		return p, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return Protocol(n), nil
}

// IPKind distinguishes prefix parameters from address ranges.
type IPKind uint8

const (
	IPSingle IPKind = 1
	IPRange  IPKind = 2
)

// IPParam is one address constraint: either an address with a prefix
// length (a host when the length is the full width) or an inclusive
// address range.
type IPParam struct {
	Kind      IPKind
	Addr      netip.Addr
	PrefixLen int
	Start     netip.Addr
	End       netip.Addr
}

// Family returns 4 or 6, or 0 when the parameter has no valid address.
func (p IPParam) Family() int {
	a := p.Addr
	if p.Kind == IPRange {
		a = p.Start
	}
	a = a.Unmap()
	switch {
	case a.Is4():
		return 4
	case a.Is6():
		return 6
	}
	return 0
}

// unmapPrefix turns an IPv4-mapped IPv6 prefix of at least /96 into the
// IPv4 prefix it covers. Other prefixes are returned unchanged.
func unmapPrefix(a netip.Addr, bits int) (netip.Addr, int) {
	if a.Is4In6() && bits >= 96 {
		return a.Unmap(), bits - 96
	}
	return a, bits
}

// Prefix returns the masked prefix of a single-address parameter.
func (p IPParam) Prefix() (netip.Prefix, error) {
	if !p.Addr.IsValid() {
		return netip.Prefix{}, iprange.ErrUnsupportedFamily
	}
	a, bits := unmapPrefix(p.Addr, p.PrefixLen)
	if a.Is4In6() {
		return netip.Prefix{}, fmt.Errorf("%w: %s/%d spans beyond the IPv4-mapped block", iprange.ErrUnsupportedFamily, a, bits)
	}
	pfx, err := a.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("prefix %s/%d: %w", a, bits, err)
	}
	return pfx, nil
}

// Prefixes expands the parameter into the prefixes it covers.
func (p IPParam) Prefixes() ([]netip.Prefix, error) {
	switch p.Kind {
	case IPSingle:
		pfx, err := p.Prefix()
		if err != nil {
			return nil, err
		}
		return []netip.Prefix{pfx}, nil
	case IPRange:
		return iprange.Decompose(p.Start, p.End)
	}
	return nil, fmt.Errorf("%w: unknown address kind %d", iprange.ErrUnsupportedFamily, p.Kind)
}

// Validate checks the family and, for ranges, the ordering.
func (p IPParam) Validate() error {
	_, err := p.Prefixes()
	return err
}

func (p IPParam) String() string {
	if p.Kind == IPRange {
		return p.Start.String() + "-" + p.End.String()
	}
	return netip.PrefixFrom(p.Addr, p.PrefixLen).String()
}

// Host returns a single-address parameter covering only a.
func Host(a netip.Addr) IPParam {
	a = a.Unmap()
	return IPParam{Kind: IPSingle, Addr: a, PrefixLen: a.BitLen()}
}

// ParseIPParam parses "addr", "addr/len" or "start-end".
func ParseIPParam(s string) (IPParam, error) {
	s = strings.TrimSpace(s)
	if start, end, ok := strings.Cut(s, "-"); ok {
		sa, err := netip.ParseAddr(strings.TrimSpace(start))
		if err != nil {
			return IPParam{}, fmt.Errorf("parse range start: %w", err)
		}
		ea, err := netip.ParseAddr(strings.TrimSpace(end))
		if err != nil {
			return IPParam{}, fmt.Errorf("parse range end: %w", err)
		}
		return IPParam{Kind: IPRange, Start: sa.Unmap(), End: ea.Unmap()}, nil
	}
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return IPParam{}, fmt.Errorf("parse prefix: %w", err)
		}
		a, bits := unmapPrefix(pfx.Addr(), pfx.Bits())
		return IPParam{Kind: IPSingle, Addr: a, PrefixLen: bits}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IPParam{}, fmt.Errorf("parse address: %w", err)
	}
	return Host(a), nil
}

// ParsePortRange parses "port" or "start-end".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	start, end, isRange := strings.Cut(s, "-")
	lo, err := strconv.ParseUint(strings.TrimSpace(start), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("parse port %q: %w", s, err)
	}
	hi := lo
	if isRange {
		hi, err = strconv.ParseUint(strings.TrimSpace(end), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("parse port %q: %w", s, err)
		}
	}
	return PortRange{Start: uint16(lo), End: uint16(hi)}, nil
}
