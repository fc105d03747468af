package domain

import (
	"crypto/tls"
)

// ConnectionSpec is one TLS profile a connect attempt may offer: the
// protocol versions and cipher suites enabled on the handshake. Specs are
// ordered most- to least-preferred on an Address; a retryable handshake
// failure falls back to the next compatible spec.
type ConnectionSpec struct {
	Name string

	// TLSVersions in preference order. Empty means the spec is cleartext.
	TLSVersions []uint16

	// CipherSuites enabled for this profile. Empty enables the platform
	// defaults.
	CipherSuites []uint16

	// SupportsTLSExtensions gates ALPN and SNI. Modern specs set this;
	// the compatibility fallback spec does not.
	SupportsTLSExtensions bool

	IsTLS bool
}

var (
	// SpecModernTLS is the default profile: TLS 1.2+ with the platform's
	// cipher suites.
	SpecModernTLS = ConnectionSpec{
		Name:                  "modern_tls",
		TLSVersions:           []uint16{tls.VersionTLS13, tls.VersionTLS12},
		SupportsTLSExtensions: true,
		IsTLS:                 true,
	}

	// SpecCompatibleTLS is the widest profile: every cipher suite Go
	// implements, the insecure ones included, used as a fallback when
	// modern_tls is rejected mid-handshake.
	SpecCompatibleTLS = ConnectionSpec{
		Name:                  "compatible_tls",
		TLSVersions:           []uint16{tls.VersionTLS13, tls.VersionTLS12},
		CipherSuites:          compatibleCipherSuites(),
		SupportsTLSExtensions: true,
		IsTLS:                 true,
	}

	// SpecCleartext matches plaintext addresses only.
	SpecCleartext = ConnectionSpec{
		Name: "cleartext",
	}
)

// DefaultConnectionSpecs is the spec list applied to addresses that do
// not provide their own.
func DefaultConnectionSpecs() []ConnectionSpec {
	return []ConnectionSpec{SpecModernTLS, SpecCompatibleTLS}
}

// IsCompatible reports whether this spec can be offered on the given
// handshake surface. A cleartext spec never matches a TLS socket and
// vice versa.
func (s ConnectionSpec) IsCompatible(isTLS bool) bool {
	return s.IsTLS == isTLS
}

// MinVersion returns the lowest enabled TLS version, or 0 for cleartext.
func (s ConnectionSpec) MinVersion() uint16 {
	var min uint16
	for _, v := range s.TLSVersions {
		if min == 0 || v < min {
			min = v
		}
	}
	return min
}

// MaxVersion returns the highest enabled TLS version, or 0 for cleartext.
func (s ConnectionSpec) MaxVersion() uint16 {
	var max uint16
	for _, v := range s.TLSVersions {
		if v > max {
			max = v
		}
	}
	return max
}

func compatibleCipherSuites() []uint16 {
	var ids []uint16
	for _, cs := range tls.CipherSuites() {
		ids = append(ids, cs.ID)
	}
	// Insecure suites widen compatibility with legacy middleboxes. They
	// are only offered once the modern profile has already failed.
	for _, cs := range tls.InsecureCipherSuites() {
		ids = append(ids, cs.ID)
	}
	return ids
}
