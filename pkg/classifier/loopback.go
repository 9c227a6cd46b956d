package classifier

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// DefaultLoopback is the loopback set used until interface addresses
// have been discovered.
var DefaultLoopback = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// DiscoverLoopback returns DefaultLoopback plus every address configured
// on the named loopback link.
func DiscoverLoopback(linkName string) ([]netip.Prefix, error) {
	out := append([]netip.Prefix(nil), DefaultLoopback...)

	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return out, fmt.Errorf("link %s: %w", linkName, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return out, fmt.Errorf("list addresses on %s: %w", linkName, err)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IPNet.IP)
		if !ok {
			continue
		}
		ones, _ := a.IPNet.Mask.Size()
		ip = ip.Unmap()
		pfx, err := ip.Prefix(ones)
		if err != nil {
			continue
		}
		out = append(out, pfx)
	}
	return out, nil
}
