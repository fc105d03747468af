package domain

// Protocol is an application-level protocol negotiated for a carrier,
// either via ALPN during the TLS handshake or assumed for cleartext.
type Protocol string

const (
	ProtocolHTTP11 Protocol = "http/1.1"
	ProtocolHTTP2  Protocol = "h2"

	// ProtocolH2PriorKnowledge is cleartext HTTP/2 with no upgrade round
	// trip. Only valid as the sole protocol of a plaintext address.
	ProtocolH2PriorKnowledge Protocol = "h2_prior_knowledge"
)

func (p Protocol) String() string {
	return string(p)
}

// ALPNValue returns the identifier sent in the TLS ALPN extension, or ""
// for protocols that are never negotiated over TLS.
func (p Protocol) ALPNValue() string {
	switch p {
	case ProtocolHTTP11:
		return "http/1.1"
	case ProtocolHTTP2:
		return "h2"
	default:
		return ""
	}
}

// Multiplexed reports whether carriers speaking this protocol can host
// concurrent exchanges.
func (p Protocol) Multiplexed() bool {
	return p == ProtocolHTTP2 || p == ProtocolH2PriorKnowledge
}

func ParseProtocol(s string) (Protocol, bool) {
	switch s {
	case "http/1.1":
		return ProtocolHTTP11, true
	case "h2":
		return ProtocolHTTP2, true
	case "h2_prior_knowledge":
		return ProtocolH2PriorKnowledge, true
	default:
		return "", false
	}
}
