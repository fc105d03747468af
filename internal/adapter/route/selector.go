package route

import (
	"context"
	"net/netip"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

// Selector expands an address into batches of routes, one batch per
// proxy, resolving through the address's DNS as it goes. Routes known
// bad by the database are held back and offered as one final batch
// after every proxy's fresh routes, so healthy candidates are dialled
// first.
type Selector struct {
	addr     *domain.Address
	db       *Database
	events   ports.EventListener

	proxies   []domain.Proxy
	nextProxy int

	// postponed accumulates known-bad routes across batches; they are
	// emitted as a final batch once everything else is exhausted.
	postponed []domain.Route
}

func NewSelector(addr *domain.Address, db *Database, events ports.EventListener) *Selector {
	s := &Selector{addr: addr, db: db, events: events}
	s.proxies = s.selectProxies()
	return s
}

func (s *Selector) selectProxies() []domain.Proxy {
	if s.addr.FixedProxy != nil {
		return []domain.Proxy{*s.addr.FixedProxy}
	}
	if s.addr.ProxySelector != nil {
		if proxies := s.addr.ProxySelector.Select(s.addr.Host, s.addr.Port); len(proxies) > 0 {
			return proxies
		}
	}
	return []domain.Proxy{domain.NoProxy}
}

// HasNext reports whether another batch of routes remains.
func (s *Selector) HasNext() bool {
	return s.nextProxy < len(s.proxies) || len(s.postponed) > 0
}

// Next produces the next batch of routes. DNS failures surface as-is;
// the caller treats them like a connect failure on the whole proxy.
func (s *Selector) Next(ctx context.Context) ([]domain.Route, error) {
	for s.nextProxy < len(s.proxies) {
		proxy := s.proxies[s.nextProxy]
		s.nextProxy++

		addrs, err := s.resolve(ctx, proxy)
		if err != nil {
			return nil, err
		}

		var fresh []domain.Route
		for _, ip := range addrs {
			r := domain.Route{Address: s.addr, Proxy: proxy, SocketAddr: ip}
			if s.db.ShouldPostpone(r) {
				s.postponed = append(s.postponed, r)
			} else {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) > 0 {
			return fresh, nil
		}
	}

	if len(s.postponed) > 0 {
		batch := s.postponed
		s.postponed = nil
		return batch, nil
	}
	return nil, domain.ErrRoutesExhausted
}

// resolve produces the socket addresses dialled for a proxy choice. A
// direct hop resolves the origin host; HTTP and SOCKS hops resolve the
// proxy's own name, and the origin stays opaque until CONNECT or the
// SOCKS handshake resolves it from the proxy's network.
func (s *Selector) resolve(ctx context.Context, proxy domain.Proxy) ([]netip.AddrPort, error) {
	host := s.addr.Host
	port := s.addr.Port
	if proxy.Type != domain.ProxyDirect {
		host = proxy.Host
		port = proxy.Port
	}

	// An IP literal skips the resolver entirely.
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, uint16(port))}, nil
	}

	s.events.DNSStart(host)
	ips, err := s.addr.DNS.Lookup(ctx, host)
	s.events.DNSEnd(host, ips)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &domain.DNSError{Host: host}
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip, uint16(port)))
	}
	return out, nil
}
