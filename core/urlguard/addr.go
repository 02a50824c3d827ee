package urlguard

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var metadataAddrs = map[netip.Addr]struct{}{
	netip.MustParseAddr("169.254.169.254"): {},
	netip.MustParseAddr("169.254.170.2"):   {},
	netip.MustParseAddr("100.100.100.200"): {},
	netip.MustParseAddr("fd00:ec2::254"):   {},
}

var reservedPrefixes = mustPrefixes(
	// IPv4
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	// IPv6
	"::/128",
	"::1/128",
	"100::/64",
	"2001::/32",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"fec0::/10",
	"ff00::/8",
)

var (
	nat64Prefix  = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour    = netip.MustParsePrefix("2002::/16")
	v4Compatible = netip.MustParsePrefix("::/96")
)

func mustPrefixes(values ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		out = append(out, netip.MustParsePrefix(v))
	}
	return out
}

// CheckAddr returns a rejection reason for addr, or "" when it is a public
// unicast address. Cloud metadata endpoints are reported ahead of the
// generic private ranges.
func CheckAddr(addr netip.Addr) string {
	addr = addr.WithZone("").Unmap()
	if _, ok := metadataAddrs[addr]; ok {
		return fmt.Sprintf("cloud metadata address %s", addr)
	}
	if embedded, ok := embeddedIPv4(addr); ok {
		if reason := CheckAddr(embedded); reason != "" {
			return fmt.Sprintf("%s embedded in %s", reason, addr)
		}
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return fmt.Sprintf("private or reserved address %s", addr)
		}
	}
	return ""
}

// embeddedIPv4 extracts the IPv4 address carried by NAT64, 6to4 and
// IPv4-compatible IPv6 forms.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	switch {
	case nat64Prefix.Contains(addr):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case sixToFour.Contains(addr):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	case v4Compatible.Contains(addr) && addr != netip.IPv6Unspecified() && addr != netip.IPv6Loopback():
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	}
	return netip.Addr{}, false
}

// parseHostAddr recognises literal IPv4/IPv6 hosts and the legacy numeric
// IPv4 spellings accepted by inet_aton: 2130706433, 0x7f000001,
// 0177.0.0.1, 127.1.
func parseHostAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseNumericIPv4(host)
}

func parseNumericIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, part := range parts {
		v, ok := parseNumericPart(part)
		if !ok {
			return netip.Addr{}, false
		}
		vals[i] = v
	}
	last := len(vals) - 1
	for i := 0; i < last; i++ {
		if vals[i] > 0xff {
			return netip.Addr{}, false
		}
	}
	// the final part fills every remaining byte
	if vals[last] >= uint64(1)<<(8*(4-last)) {
		return netip.Addr{}, false
	}
	var n uint64
	for i := 0; i < last; i++ {
		n |= vals[i] << (8 * (3 - i))
	}
	n |= vals[last]
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

func parseNumericPart(part string) (uint64, bool) {
	if part == "" {
		return 0, false
	}
	base := 10
	digits := part
	switch {
	case strings.HasPrefix(part, "0x") || strings.HasPrefix(part, "0X"):
		base = 16
		digits = part[2:]
		if digits == "" {
			return 0, false
		}
	case len(part) > 1 && part[0] == '0':
		base = 8
		digits = part[1:]
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}
