package util

import (
	"net/netip"
	"strings"
)

// CanonicalHost lowercases a hostname and strips any brackets from IPv6
// literals so map keys and comparisons agree.
func CanonicalHost(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}

// NetworkFor returns the dial network for an address: tcp4 or tcp6 when
// the family is known, plain tcp otherwise.
func NetworkFor(addr netip.AddrPort) string {
	switch {
	case addr.Addr().Is4() || addr.Addr().Is4In6():
		return "tcp4"
	case addr.Addr().IsValid():
		return "tcp6"
	default:
		return "tcp"
	}
}
