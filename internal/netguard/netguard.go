// Package netguard classifies outbound request destinations as private or
// public so the fetch executor can refuse requests aimed at internal networks.
//
// Classification works on literal hosts only: IPv4 literals are matched
// against a fixed table of reserved ranges, and the names localhost and
// broadcasthost are always private. DNS names are not resolved here; use
// [Guard.CheckAddr] from a dialer to check the addresses a name resolves to.
package netguard

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrPrivateDestination is returned by [Guard.CheckAddr] and [Guard.CheckHost]
// for refused destinations.
var ErrPrivateDestination = errors.New("netguard: private destination")

// privateRanges are the reserved and private IPv4 blocks.
var privateRanges = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.0.0/29",
	"192.0.0.8/32",
	"192.0.0.9/32",
	"192.0.0.10/32",
	"192.0.0.170/32",
	"192.0.0.171/32",
	"192.0.2.0/24",
	"192.31.196.0/24",
	"192.52.193.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"192.175.48.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"255.255.255.255/32",
)

var privateNames = map[string]struct{}{
	"localhost":     {},
	"broadcasthost": {},
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsPrivateDestination reports whether host is a private or reserved
// destination. host may be a hostname or an IP literal, optionally in square
// brackets. IPv4 literals are also accepted in the shorthand, integer, hex,
// and octal forms that inet_aton understands (127.1, 2130706433, 0x7f.0.0.1).
// Inputs that are neither a known private name nor a parsable IPv4 address
// (including IPv4-mapped IPv6) are reported as not private.
//
// IsPrivateDestination is pure and safe for concurrent use.
func IsPrivateDestination(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if _, ok := privateNames[h]; ok {
		return true
	}
	addr, ok := parseHost(h)
	return ok && isPrivateAddr(addr)
}

// parseHost parses an IP literal, optionally bracketed, falling back to the
// legacy IPv4 notations.
func parseHost(host string) (netip.Addr, bool) {
	h := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(h); err == nil {
		return addr, true
	}
	return parseLegacyIPv4(h)
}

// parseLegacyIPv4 parses the inet_aton forms a.b.c.d, a.b.c (c is 16 bits),
// a.b (b is 24 bits) and a (32 bits). Each part is decimal, 0x-prefixed hex,
// or 0-prefixed octal.
func parseLegacyIPv4(s string) (netip.Addr, bool) {
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, ok := parseLegacyPart(p)
		if !ok {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	last := len(vals) - 1
	var n uint64
	for _, v := range vals[:last] {
		if v > 0xff {
			return netip.Addr{}, false
		}
		n = n<<8 | v
	}
	tailBits := uint(8 * (4 - last))
	if vals[last] >= 1<<tailBits {
		return netip.Addr{}, false
	}
	n = n<<tailBits | vals[last]

	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

func parseLegacyPart(p string) (uint64, bool) {
	base := 10
	switch {
	case len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X"):
		p, base = p[2:], 16
	case len(p) > 1 && p[0] == '0':
		p, base = p[1:], 8
	}
	if p == "" || p[0] == '+' || p[0] == '-' {
		return 0, false
	}
	v, err := strconv.ParseUint(p, base, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if !addr.Is4() {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Guard applies the destination policy. The zero value classifies literal
// hosts only.
type Guard struct {
	// BlockIPv6Private additionally refuses IPv6 loopback, link-local, and
	// unique-local addresses.
	BlockIPv6Private bool
}

// CheckHost returns [ErrPrivateDestination] if host is private.
func (g Guard) CheckHost(host string) error {
	if IsPrivateDestination(host) {
		return fmt.Errorf("%w: %s", ErrPrivateDestination, host)
	}
	if g.BlockIPv6Private {
		if addr, ok := parseHost(strings.ToLower(host)); ok && g.isPrivateV6(addr) {
			return fmt.Errorf("%w: %s", ErrPrivateDestination, host)
		}
	}
	return nil
}

// CheckAddr returns [ErrPrivateDestination] if addr is private. It is meant
// for connect-time checks after DNS resolution.
func (g Guard) CheckAddr(addr netip.Addr) error {
	if isPrivateAddr(addr) || (g.BlockIPv6Private && g.isPrivateV6(addr)) {
		return fmt.Errorf("%w: %s", ErrPrivateDestination, addr)
	}
	return nil
}

func (g Guard) isPrivateV6(addr netip.Addr) bool {
	if addr.Is4() || addr.Is4In6() {
		return false
	}
	return addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalMulticast()
}
