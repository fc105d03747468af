// Package porter is an HTTP client connection engine: it plans routes,
// races connects, pools carriers, and multiplexes HTTP/2 streams so a
// higher-level call surface does not have to. HTTP semantics such as
// redirects, cookies and caching belong to the layer above.
package porter

import (
	"github.com/thushan/porter/internal/core/domain"
)

// Request is the wire-level request the engine transmits verbatim.
type Request = domain.Request

// Response is the decoded response; its Body streams from the carrier.
type Response = domain.Response

// Handshake describes the TLS session a response arrived over.
type Handshake = domain.Handshake

// Protocol identifies the negotiated application protocol.
type Protocol = domain.Protocol

const (
	ProtocolHTTP11           = domain.ProtocolHTTP11
	ProtocolHTTP2            = domain.ProtocolHTTP2
	ProtocolH2PriorKnowledge = domain.ProtocolH2PriorKnowledge
)

// AddressPolicy asks the pool to keep warm capacity for an origin.
type AddressPolicy = domain.AddressPolicy

// Collaborator interfaces the engine composes but never implements.
type (
	DNS                = domain.DNS
	SocketFactory      = domain.SocketFactory
	TLSSocketFactory   = domain.TLSSocketFactory
	HostnameVerifier   = domain.HostnameVerifier
	CertificatePinner  = domain.CertificatePinner
	ProxyAuthenticator = domain.ProxyAuthenticator
	ProxySelector      = domain.ProxySelector
	Proxy              = domain.Proxy
)
