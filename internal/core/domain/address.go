package domain

import (
	"fmt"
	"reflect"
	"slices"
)

// Address is the immutable fingerprint of a logical origin: everything
// that determines whether two requests may share a carrier. Two addresses
// that differ only by host may still coalesce onto one multiplexed
// carrier when the certificate covers both names.
type Address struct {
	Host string
	Port int

	DNS              DNS
	SocketFactory    SocketFactory
	TLSFactory       TLSSocketFactory // nil means cleartext
	HostnameVerifier HostnameVerifier
	Pinner           CertificatePinner
	ProxyAuth        ProxyAuthenticator

	// FixedProxy, when non-nil, bypasses the selector entirely.
	FixedProxy    *Proxy
	ProxySelector ProxySelector

	// Protocols in preference order. Cleartext addresses may list
	// h2_prior_knowledge alone; TLS addresses list ALPN candidates.
	Protocols []Protocol

	// ConnectionSpecs in fallback order for TLS handshakes.
	ConnectionSpecs []ConnectionSpec
}

func (a *Address) IsTLS() bool {
	return a.TLSFactory != nil
}

func (a *Address) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a *Address) String() string {
	scheme := "http"
	if a.IsTLS() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, a.Host, a.Port)
}

// EqualNonHost compares every field that governs carrier sharing except
// the host itself. This is the coalescing precondition: a carrier for one
// host may serve another only when the rest of the fingerprint matches
// exactly.
func (a *Address) EqualNonHost(o *Address) bool {
	return a.Port == o.Port &&
		interfaceEqual(a.DNS, o.DNS) &&
		interfaceEqual(a.SocketFactory, o.SocketFactory) &&
		interfaceEqual(a.TLSFactory, o.TLSFactory) &&
		interfaceEqual(a.HostnameVerifier, o.HostnameVerifier) &&
		interfaceEqual(a.Pinner, o.Pinner) &&
		interfaceEqual(a.ProxyAuth, o.ProxyAuth) &&
		proxyPtrEqual(a.FixedProxy, o.FixedProxy) &&
		interfaceEqual(a.ProxySelector, o.ProxySelector) &&
		slices.Equal(a.Protocols, o.Protocols) &&
		specsEqual(a.ConnectionSpecs, o.ConnectionSpecs)
}

// Equal is EqualNonHost plus a host match.
func (a *Address) Equal(o *Address) bool {
	if a == o {
		return true
	}
	if a == nil || o == nil {
		return false
	}
	return a.Host == o.Host && a.EqualNonHost(o)
}

// SupportsProtocol reports whether p appears in the address's list.
func (a *Address) SupportsProtocol(p Protocol) bool {
	return slices.Contains(a.Protocols, p)
}

// Collaborators are compared by identity: swapping in a different DNS or
// verifier makes the origin a different sharing domain even when the
// implementations behave alike. A value whose type cannot be compared with
// == (one holding a slice or map) is compared field by field instead.
func interfaceEqual(x, y any) bool {
	t := reflect.TypeOf(x)
	if t != reflect.TypeOf(y) {
		return false
	}
	if t != nil && !t.Comparable() {
		return reflect.DeepEqual(x, y)
	}
	return x == y
}

func proxyPtrEqual(x, y *Proxy) bool {
	if x == nil || y == nil {
		return x == y
	}
	return *x == *y
}

func specsEqual(x, y []ConnectionSpec) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i].Name != y[i].Name {
			return false
		}
	}
	return true
}
