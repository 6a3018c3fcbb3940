package peer

import (
	"net"
	"net/netip"
	"strings"
)

// Carrier-grade NAT range, also used by WARP and Tailscale.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp", "utun"}

// BehindRestrictiveNAT guesses whether this host sits behind a VPN or CGNAT,
// where direct paths rarely work and relaying from the start saves the
// escalation delay.
func BehindRestrictiveNAT() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTunnelName(iface.Name) {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if prefix, err := netip.ParsePrefix(addr.String()); err == nil && cgnat.Contains(prefix.Addr()) {
				return true
			}
		}
	}
	return false
}

func isTunnelName(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range tunnelNames {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
