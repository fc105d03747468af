package domain

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/netip"
)

// The engine never resolves names, opens sockets, or judges certificates
// itself. Addresses carry these collaborators and the connect path calls
// them at defined points, always outside internal locks.

// DNS resolves a hostname to candidate addresses, provider order
// preserved. Blocking is allowed; the caller applies its own deadline.
type DNS interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemDNS resolves through the platform resolver.
type SystemDNS struct{}

func (SystemDNS) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, &DNSError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &DNSError{Host: host}
	}
	return addrs, nil
}

// SocketFactory opens raw TCP sockets. The context carries the connect
// deadline.
type SocketFactory interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type defaultSocketFactory struct{}

func (defaultSocketFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func DefaultSocketFactory() SocketFactory {
	return defaultSocketFactory{}
}

// TLSConn is the handshake surface the connect path needs from a TLS
// socket. *tls.Conn satisfies it.
type TLSConn interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
	ConnectionState() tls.ConnectionState
}

// TLSSocketFactory layers TLS over an established raw socket. A nil
// factory on an Address means the origin is cleartext.
type TLSSocketFactory interface {
	CreateSocket(raw net.Conn, cfg *tls.Config) TLSConn
}

type defaultTLSSocketFactory struct{}

func (defaultTLSSocketFactory) CreateSocket(raw net.Conn, cfg *tls.Config) TLSConn {
	return tls.Client(raw, cfg)
}

func DefaultTLSSocketFactory() TLSSocketFactory {
	return defaultTLSSocketFactory{}
}

// HostnameVerifier decides whether a completed handshake actually
// identifies the requested host.
type HostnameVerifier interface {
	Verify(host string, state tls.ConnectionState) bool
}

// StrictHostnameVerifier applies the platform hostname rules. It is the
// only verifier under which connection coalescing is permitted.
type StrictHostnameVerifier struct{}

func (StrictHostnameVerifier) Verify(host string, state tls.ConnectionState) bool {
	if len(state.PeerCertificates) == 0 {
		return false
	}
	return state.PeerCertificates[0].VerifyHostname(host) == nil
}

// CertificatePinner restricts which peer chains are acceptable for a
// host. Check returns a PinMismatchError on violation. The zero pinner
// accepts everything.
type CertificatePinner interface {
	Check(host string, chain []*x509.Certificate) error

	// HasPins reports whether any pin is registered for host. Used to
	// decide coalescing eligibility cheaply.
	HasPins(host string) bool
}

type noPinner struct{}

func (noPinner) Check(string, []*x509.Certificate) error { return nil }
func (noPinner) HasPins(string) bool                     { return false }

func NoCertificatePinner() CertificatePinner { return noPinner{} }

// TunnelResponse is the slice of an HTTP response a proxy authenticator
// sees: the status and headers of a 407 reply to CONNECT.
type TunnelResponse struct {
	Code   int
	Header map[string][]string
}

// ProxyAuthenticator reacts to a proxy authentication challenge by
// returning replacement CONNECT headers, or nil to give up.
type ProxyAuthenticator interface {
	Authenticate(route Route, resp *TunnelResponse) (map[string][]string, error)
}

type noProxyAuth struct{}

func (noProxyAuth) Authenticate(Route, *TunnelResponse) (map[string][]string, error) {
	return nil, nil
}

func NoProxyAuthenticator() ProxyAuthenticator { return noProxyAuth{} }
