package dataplane

import (
	"net/netip"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/rule"
)

// MapMaxEntries is the capacity of every per-direction rule table.
const MapMaxEntries = 65536

// DomainNameLen is the key width of the domain maps: a wire-format name
// is at most 255 bytes including the root label.
const DomainNameLen = 256

// ActionKey is the only key of the action table.
const ActionKey uint32 = 0

// Reserved keys under which each table's catch-all bitmap is stored.
const (
	OtherPort   uint16 = 0
	OtherProto  uint8  = 0
	OtherUID    uint32 = 0
	OtherAppUID uint32 = 0
)

// DefaultActionGlobalKey keys the global entry of the default action map.
// Per-user entries are keyed by user id.
const DefaultActionGlobalKey uint32 = 0xffffffff

// CurrentUserKey is the only key of the current user map.
const CurrentUserKey uint32 = 0

// LPMKeyV4 mirrors the C struct ipv4_lpm_key.
type LPMKeyV4 struct {
	PrefixLen uint32
	Addr      [4]byte // network byte order
}

// LPMKeyV6 mirrors the C struct ipv6_lpm_key.
type LPMKeyV6 struct {
	PrefixLen uint32
	Addr      [16]byte
}

// OtherKeyV4 and OtherKeyV6 are the host routes reserved for the address
// catch-all entries.
var (
	OtherKeyV4 = LPMKeyV4{PrefixLen: 32, Addr: [4]byte{0xff, 0xff, 0xff, 0xff}}
	OtherKeyV6 = LPMKeyV6{PrefixLen: 128, Addr: [16]byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}}
)

// KeyV4 converts an IPv4 prefix to its LPM key.
func KeyV4(p netip.Prefix) LPMKeyV4 {
	return LPMKeyV4{PrefixLen: uint32(p.Bits()), Addr: p.Masked().Addr().As4()}
}

// KeyV6 converts an IPv6 prefix to its LPM key.
func KeyV6(p netip.Prefix) LPMKeyV6 {
	return LPMKeyV6{PrefixLen: uint32(p.Bits()), Addr: p.Masked().Addr().As16()}
}

// BitmapValue is the value of every rule table. Its layout is the C
// struct bitmap: 64 native-endian 32-bit words.
type BitmapValue = bitmap.Bitmap

// DefaultActionValue mirrors the C struct default_action_value.
type DefaultActionValue struct {
	Ingress uint8
	Egress  uint8
	Pad     [2]byte
}

// Packet-path action codes.
const (
	SkPass uint8 = 1
	SkDrop uint8 = 0
)

func skAction(a rule.Action) uint8 {
	if a == rule.Deny {
		return SkDrop
	}
	return SkPass
}

// DomainKey mirrors the C struct domain_hash_key: a wire-format name
// padded with zeros.
type DomainKey struct {
	Data [DomainNameLen]byte
}

// DomainValue mirrors the C struct domain_value.
type DomainValue struct {
	UID    uint32
	AppUID uint32
}

// MapStats describes one kernel map.
type MapStats struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MaxEntries uint32 `json:"max_entries"`
	Entries    int    `json:"entries"`
}
