package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testAddress(host string) *Address {
	return &Address{
		Host:             host,
		Port:             443,
		DNS:              SystemDNS{},
		SocketFactory:    DefaultSocketFactory(),
		HostnameVerifier: StrictHostnameVerifier{},
		Pinner:           NoCertificatePinner(),
		ProxyAuth:        NoProxyAuthenticator(),
		ProxySelector:    DirectOnlySelector{},
		Protocols:        []Protocol{ProtocolHTTP2, ProtocolHTTP11},
		ConnectionSpecs:  DefaultConnectionSpecs(),
	}
}

func TestAddressEqualNonHost(t *testing.T) {
	a := testAddress("one.example")
	b := testAddress("two.example")

	assert.True(t, a.EqualNonHost(b), "addresses differing only by host should match non-host")
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(testAddress("one.example")))
}

func TestAddressEqualNonHostMismatches(t *testing.T) {
	base := testAddress("h.example")

	tests := []struct {
		name   string
		mutate func(*Address)
	}{
		{"port", func(a *Address) { a.Port = 8443 }},
		{"protocols", func(a *Address) { a.Protocols = []Protocol{ProtocolHTTP11} }},
		{"fixed proxy", func(a *Address) { a.FixedProxy = &Proxy{Type: ProxyHTTP, Host: "p", Port: 3128} }},
		{"specs", func(a *Address) { a.ConnectionSpecs = []ConnectionSpec{SpecModernTLS} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := testAddress("h.example")
			tt.mutate(other)
			assert.False(t, base.EqualNonHost(other))
		})
	}
}

func TestProtocolParsing(t *testing.T) {
	p, ok := ParseProtocol("h2")
	assert.True(t, ok)
	assert.Equal(t, ProtocolHTTP2, p)
	assert.True(t, p.Multiplexed())

	p, ok = ParseProtocol("http/1.1")
	assert.True(t, ok)
	assert.False(t, p.Multiplexed())

	_, ok = ParseProtocol("spdy/3")
	assert.False(t, ok)

	assert.Equal(t, "", ProtocolH2PriorKnowledge.ALPNValue())
}

func TestStreamResetRetryable(t *testing.T) {
	refused := &StreamResetError{StreamID: 3, Code: ErrCodeRefusedStream}
	assert.True(t, refused.Retryable())

	canceled := &StreamResetError{StreamID: 3, Code: ErrCodeCancel}
	assert.False(t, canceled.Retryable())

	internal := &StreamResetError{StreamID: 3, Code: ErrCodeInternal}
	assert.False(t, internal.Retryable())
}

func TestRouteExhaustedErrorSuppression(t *testing.T) {
	err := &RouteExhaustedError{}
	err.Suppress(assert.AnError)
	err.Suppress(&PeerUnverifiedError{Host: "h"})

	assert.Equal(t, assert.AnError, err.First)
	assert.Len(t, err.Suppressed, 1)
	assert.ErrorIs(t, err, assert.AnError)
}
