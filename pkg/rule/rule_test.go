package rule

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/psaab/netfw/pkg/iprange"
)

func TestParseIPParam(t *testing.T) {
	tests := []struct {
		in     string
		kind   IPKind
		family int
		str    string
	}{
		{"10.0.0.1", IPSingle, 4, "10.0.0.1/32"},
		{"10.1.2.3/8", IPSingle, 4, "10.1.2.3/8"},
		{"2001:db8::/32", IPSingle, 6, "2001:db8::/32"},
		{"10.0.0.1 - 10.0.0.9", IPRange, 4, "10.0.0.1-10.0.0.9"},
		{"::1-::ff", IPRange, 6, "::1-::ff"},
		{"::ffff:1.2.3.4", IPSingle, 4, "1.2.3.4/32"},
		{"::ffff:10.0.0.1/128", IPSingle, 4, "10.0.0.1/32"},
		{"::ffff:10.0.0.0/104", IPSingle, 4, "10.0.0.0/8"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseIPParam(tt.in)
			if err != nil {
				t.Fatalf("ParseIPParam: %v", err)
			}
			if p.Kind != tt.kind {
				t.Errorf("Kind = %d, want %d", p.Kind, tt.kind)
			}
			if p.Family() != tt.family {
				t.Errorf("Family() = %d, want %d", p.Family(), tt.family)
			}
			if p.String() != tt.str {
				t.Errorf("String() = %q, want %q", p.String(), tt.str)
			}
		})
	}
	for _, bad := range []string{"", "10.0.0.256", "10.0.0.0/33x", "a-b"} {
		if _, err := ParseIPParam(bad); err == nil {
			t.Errorf("ParseIPParam(%q) succeeded", bad)
		}
	}
}

func TestIPParamPrefixes(t *testing.T) {
	p, _ := ParseIPParam("10.1.2.3/8")
	got, err := p.Prefixes()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != netip.MustParsePrefix("10.0.0.0/8") {
		t.Errorf("Prefixes() = %v, want [10.0.0.0/8]", got)
	}

	r, _ := ParseIPParam("10.0.0.9-10.0.0.1")
	if _, err := r.Prefixes(); !errors.Is(err, iprange.ErrRange) {
		t.Errorf("reversed range: err = %v, want ErrRange", err)
	}

	mixed := IPParam{Kind: IPRange, Start: netip.MustParseAddr("10.0.0.1"), End: netip.MustParseAddr("::1")}
	if err := mixed.Validate(); !errors.Is(err, iprange.ErrUnsupportedFamily) {
		t.Errorf("mixed range: err = %v, want ErrUnsupportedFamily", err)
	}
	// Built directly, so the mapped form reaches Prefix.
	mapped := IPParam{Kind: IPSingle, Addr: netip.MustParseAddr("::ffff:10.0.0.1"), PrefixLen: 120}
	if pfx, err := mapped.Prefix(); err != nil || pfx != netip.MustParsePrefix("10.0.0.0/24") {
		t.Errorf("mapped /120 Prefix() = %v, %v; want 10.0.0.0/24", pfx, err)
	}
	short := IPParam{Kind: IPSingle, Addr: netip.MustParseAddr("::ffff:10.0.0.1"), PrefixLen: 64}
	if _, err := short.Prefix(); !errors.Is(err, iprange.ErrUnsupportedFamily) {
		t.Errorf("mapped /64: err = %v, want ErrUnsupportedFamily", err)
	}
	long := IPParam{Kind: IPSingle, Addr: netip.MustParseAddr("10.0.0.1"), PrefixLen: 40}
	if _, err := long.Prefix(); err == nil || errors.Is(err, iprange.ErrRange) {
		t.Errorf("IPv4 /40: err = %v, want a non-range error", err)
	}
	if err := (IPParam{Kind: IPSingle}).Validate(); !errors.Is(err, iprange.ErrUnsupportedFamily) {
		t.Errorf("zero address: err = %v, want ErrUnsupportedFamily", err)
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in   string
		want PortRange
	}{
		{"80", PortRange{80, 80}},
		{"8000-8080", PortRange{8000, 8080}},
		{" 1 - 65535 ", PortRange{1, 65535}},
	}
	for _, tt := range tests {
		got, err := ParsePortRange(tt.in)
		if err != nil {
			t.Fatalf("ParsePortRange(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePortRange(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParsePortRange("70000"); err == nil {
		t.Error("ParsePortRange(70000) succeeded")
	}
}

func TestRuleValidate(t *testing.T) {
	base := Rule{Name: "r", Direction: Egress, Action: Deny, Protocol: ProtoTCP}

	r := base
	r.RemotePorts = []PortRange{{Start: 90, End: 80}}
	if err := r.Validate(); !errors.Is(err, iprange.ErrRange) {
		t.Errorf("reversed port: err = %v, want ErrRange", err)
	}

	// Ports are not meaningful for ICMP and are not checked.
	r.Protocol = ProtoICMP
	if err := r.Validate(); err != nil {
		t.Errorf("ICMP rule: %v", err)
	}

	r = base
	r.Direction = 0
	if err := r.Validate(); err == nil {
		t.Error("missing direction accepted")
	}

	r = base
	r.LocalAddrs = []IPParam{{Kind: IPRange, Start: netip.MustParseAddr("::2"), End: netip.MustParseAddr("::1")}}
	if err := r.Validate(); !errors.Is(err, iprange.ErrRange) {
		t.Errorf("reversed local range: err = %v, want ErrRange", err)
	}
}

func TestCheckLimits(t *testing.T) {
	rules := make([]Rule, MaxRulesPerUser+1)
	for i := range rules {
		rules[i].UserID = 100
	}
	if err := CheckLimits(rules); !errors.Is(err, ErrTooManyRules) {
		t.Errorf("err = %v, want ErrTooManyRules", err)
	}
	rules[0].UserID = 101
	if err := CheckLimits(rules); err != nil {
		t.Errorf("split across users: %v", err)
	}
}

func TestParseHelpers(t *testing.T) {
	if d, err := ParseDirection("out"); err != nil || d != Egress {
		t.Errorf("ParseDirection(out) = %v, %v", d, err)
	}
	if a, err := ParseAction("drop"); err != nil || a != Deny {
		t.Errorf("ParseAction(drop) = %v, %v", a, err)
	}
	if p, err := ParseProtocol("TCP"); err != nil || p != ProtoTCP {
		t.Errorf("ParseProtocol(TCP) = %v, %v", p, err)
	}
	if p, err := ParseProtocol("132"); err != nil || p != 132 {
		t.Errorf("ParseProtocol(132) = %v, %v", p, err)
	}
	if ProtoICMPv6.String() != "icmpv6" {
		t.Errorf("ProtoICMPv6.String() = %q", ProtoICMPv6.String())
	}
	d := ParseDomainParam("*.example.com")
	if !d.Wildcard || d.Name != "example.com" || d.String() != "*.example.com" {
		t.Errorf("ParseDomainParam = %+v", d)
	}
	if k, err := ParseKind("default-action"); err != nil || k != KindDefaultAction {
		t.Errorf("ParseKind = %v, %v", k, err)
	}
}

func TestTextEncoding(t *testing.T) {
	in := struct {
		Direction Direction `json:"direction"`
		Action    Action    `json:"action"`
	}{Egress, Deny}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"direction":"egress","action":"deny"}` {
		t.Errorf("json = %s", data)
	}
	out := in
	out.Direction, out.Action = 0, 0
	if err := json.Unmarshal([]byte(`{"direction":"in","action":"permit"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.Direction != Ingress || out.Action != Allow {
		t.Errorf("decoded %+v", out)
	}
	if err := json.Unmarshal([]byte(`{"action":"maybe"}`), &out); err == nil {
		t.Error("unknown action decoded")
	}
}
