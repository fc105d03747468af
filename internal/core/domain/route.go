package domain

import (
	"fmt"
	"net/netip"
)

type ProxyType int

const (
	ProxyDirect ProxyType = iota
	ProxyHTTP
	ProxySOCKS
)

func (t ProxyType) String() string {
	switch t {
	case ProxyHTTP:
		return "http"
	case ProxySOCKS:
		return "socks"
	default:
		return "direct"
	}
}

// Proxy is a forwarding hop selected for a route. The zero value is the
// direct (no proxy) hop.
type Proxy struct {
	Type ProxyType

	// Host and Port locate the proxy itself. Unset for direct hops.
	Host string
	Port int
}

var NoProxy = Proxy{Type: ProxyDirect}

func (p Proxy) IsDirect() bool {
	return p.Type == ProxyDirect
}

func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p Proxy) String() string {
	if p.IsDirect() {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
}

// Route is one concrete way to reach an origin: the address, the proxy
// hop and the resolved socket address of whichever of the two is dialled
// first. Routes are immutable and compared by value.
type Route struct {
	Address    *Address
	Proxy      Proxy
	SocketAddr netip.AddrPort
}

func (r Route) String() string {
	return fmt.Sprintf("%s via %s -> %s", r.Address.HostPort(), r.Proxy, r.SocketAddr)
}

// RequiresTunnel reports whether this route needs an HTTP CONNECT
// exchange before the origin can be spoken to: an HTTP proxy in front of
// a TLS origin.
func (r Route) RequiresTunnel() bool {
	return r.Proxy.Type == ProxyHTTP && r.Address.IsTLS()
}

// Equal compares all three fields.
func (r Route) Equal(o Route) bool {
	return r.Address.Equal(o.Address) && r.Proxy == o.Proxy && r.SocketAddr == o.SocketAddr
}

// ProxySelector picks the proxies to attempt for an origin, in order. An
// empty result is treated as direct-only by the planner.
type ProxySelector interface {
	Select(host string, port int) []Proxy
}

// DirectOnlySelector is the default selector: no proxy, ever.
type DirectOnlySelector struct{}

func (DirectOnlySelector) Select(string, int) []Proxy {
	return []Proxy{NoProxy}
}
