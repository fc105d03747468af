package connect

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/core/domain"
)

// fakeTLSConn pretends the handshake succeeded with the given state.
type fakeTLSConn struct {
	net.Conn
	state tls.ConnectionState
	err   error
}

func (c *fakeTLSConn) HandshakeContext(context.Context) error     { return c.err }
func (c *fakeTLSConn) ConnectionState() tls.ConnectionState       { return c.state }

type fakeTLSFactory struct {
	state tls.ConnectionState
	err   error
}

func (f *fakeTLSFactory) CreateSocket(raw net.Conn, _ *tls.Config) domain.TLSConn {
	return &fakeTLSConn{Conn: raw, state: f.state, err: f.err}
}

type permissiveVerifier struct{}

func (permissiveVerifier) Verify(string, tls.ConnectionState) bool { return true }

// scriptFactory returns a canned conn for any dial.
type scriptFactory struct {
	conn *scriptConn
}

func (f *scriptFactory) DialContext(context.Context, string, string) (net.Conn, error) {
	return f.conn, nil
}

type countingAuthenticator struct {
	calls int
}

func (a *countingAuthenticator) Authenticate(_ domain.Route, resp *domain.TunnelResponse) (map[string][]string, error) {
	a.calls++
	return map[string][]string{
		"Proxy-Authorization": {"Basic dXNlcjpwYXNz"},
	}, nil
}

func tunnelRoute(factory domain.SocketFactory, auth domain.ProxyAuthenticator, maxAttempts int) (*Plan, *Options) {
	addr := &domain.Address{
		Host:             "secure.example",
		Port:             443,
		DNS:              domain.SystemDNS{},
		SocketFactory:    factory,
		TLSFactory:       &fakeTLSFactory{},
		HostnameVerifier: permissiveVerifier{},
		Pinner:           domain.NoCertificatePinner(),
		ProxyAuth:        auth,
		Protocols:        []domain.Protocol{domain.ProtocolHTTP11},
		ConnectionSpecs:  domain.DefaultConnectionSpecs(),
	}
	route := domain.Route{
		Address:    addr,
		Proxy:      domain.Proxy{Type: domain.ProxyHTTP, Host: "proxy.example", Port: 3128},
		SocketAddr: netip.MustParseAddrPort("203.0.113.5:3128"),
	}
	opts := testOptions()
	opts.MaxTunnelAttempts = maxAttempts
	return newPlan(route, opts), opts
}

func TestTunnelAuthRetriesWithCredentials(t *testing.T) {
	script := newScriptConn(
		"HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"proxy\"\r\n" +
			"Content-Length: 0\r\n\r\n" +
			"HTTP/1.1 200 Connection Established\r\n\r\n")
	auth := &countingAuthenticator{}
	plan, _ := tunnelRoute(&scriptFactory{conn: script}, auth, 0)

	res := plan.ConnectTCP(context.Background())
	require.NoError(t, res.Err)

	res = plan.ConnectTLSEtc(context.Background())
	require.NoError(t, res.Err)
	require.NotNil(t, plan.Carrier())
	assert.Equal(t, 1, auth.calls)

	wire := script.Written()
	connects := strings.Count(wire, "CONNECT secure.example:443 HTTP/1.1\r\n")
	assert.Equal(t, 2, connects, "second CONNECT carries the credentials")
	assert.Contains(t, wire, "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n")
}

func TestTunnelAuthGivesUpWhenAuthenticatorDeclines(t *testing.T) {
	script := newScriptConn(
		"HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Content-Length: 0\r\n\r\n")
	plan, _ := tunnelRoute(&scriptFactory{conn: script}, domain.NoProxyAuthenticator(), 0)

	res := plan.ConnectTCP(context.Background())
	require.NoError(t, res.Err)

	res = plan.ConnectTLSEtc(context.Background())
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "failed to authenticate")
}

func TestTunnelAttemptCapIsProtocolError(t *testing.T) {
	var script strings.Builder
	for i := 0; i < 25; i++ {
		script.WriteString("HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Content-Length: 0\r\n\r\n")
	}
	plan, _ := tunnelRoute(&scriptFactory{conn: newScriptConn(script.String())}, &countingAuthenticator{}, 0)

	res := plan.ConnectTCP(context.Background())
	require.NoError(t, res.Err)

	res = plan.ConnectTLSEtc(context.Background())
	require.Error(t, res.Err)
	var protoErr *domain.ProtocolError
	assert.ErrorAs(t, res.Err, &protoErr)
}

func TestTunnelConnectionCloseYieldsNextPlan(t *testing.T) {
	script := newScriptConn(
		"HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Connection: close\r\n" +
			"Content-Length: 0\r\n\r\n")
	plan, _ := tunnelRoute(&scriptFactory{conn: script}, &countingAuthenticator{}, 0)

	res := plan.ConnectTCP(context.Background())
	require.NoError(t, res.Err)

	res = plan.ConnectTLSEtc(context.Background())
	require.NoError(t, res.Err)
	require.NotNil(t, res.NextPlan, "the retry continues on a fresh socket")
	assert.Equal(t, 1, res.NextPlan.attempt, "attempt count carries over")
	assert.True(t, script.closed)
}

func TestUnexpectedTunnelStatusFails(t *testing.T) {
	script := newScriptConn("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\n\r\n")
	plan, _ := tunnelRoute(&scriptFactory{conn: script}, domain.NoProxyAuthenticator(), 0)

	res := plan.ConnectTCP(context.Background())
	require.NoError(t, res.Err)

	res = plan.ConnectTLSEtc(context.Background())
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "503")
}

func TestRetryTLSHandshakePolicy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"generic handshake error", errors.New("tls: handshake failure"), true},
		{"protocol error", &domain.ProtocolError{Reason: "x"}, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"pin mismatch", &domain.PinMismatchError{Host: "h"}, false},
		{"peer unverified", &domain.PeerUnverifiedError{Host: "h"}, false},
		{"cert verification", &tls.CertificateVerificationError{Err: errors.New("bad chain")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, retryTLSHandshake(tt.err))
		})
	}
}

func TestCanceledPlanClosesSocket(t *testing.T) {
	script := newScriptConn("")
	plan, _ := tunnelRoute(&scriptFactory{conn: script}, domain.NoProxyAuthenticator(), 0)

	res := plan.ConnectTCP(context.Background())
	require.NoError(t, res.Err)

	plan.Cancel()
	plan.Cancel() // idempotent

	assert.True(t, script.closed)
	res = plan.ConnectTLSEtc(context.Background())
	assert.ErrorIs(t, res.Err, domain.ErrCanceled)
}

func TestConnectTimeoutApplies(t *testing.T) {
	factory := &raceFactory{blackholed: map[string]bool{"[2001:db8::9]:443": true}}
	addr := connectAddress("slow.example", factory, fakeDNS{})
	route := domain.Route{
		Address:    addr,
		Proxy:      domain.NoProxy,
		SocketAddr: netip.MustParseAddrPort("[2001:db8::9]:443"),
	}
	opts := testOptions()
	opts.ConnectTimeout = 30 * time.Millisecond

	plan := newPlan(route, opts)
	start := time.Now()
	res := plan.ConnectTCP(context.Background())
	assert.Error(t, res.Err)
	assert.Less(t, time.Since(start), time.Second)
}
