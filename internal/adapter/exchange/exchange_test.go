package exchange

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/connect"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/route"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

type fakeDNS struct{}

func (fakeDNS) Lookup(context.Context, string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("192.0.2.50")}, nil
}

// scriptConn replays canned bytes and swallows writes.
type scriptConn struct {
	read   *bytes.Reader
	closed bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.read.Read(p)
}

func (c *scriptConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	return len(p), nil
}

func (c *scriptConn) Close() error {
	c.closed = true
	return nil
}

func (c *scriptConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *scriptConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

// connectOnceFactory serves one scripted conn per dial.
type connectOnceFactory struct {
	response string
}

func (f *connectOnceFactory) DialContext(context.Context, string, string) (net.Conn, error) {
	return &scriptConn{read: bytes.NewReader([]byte(f.response))}, nil
}

func exchangeAddress(factory domain.SocketFactory) *domain.Address {
	return &domain.Address{
		Host:             "x.example",
		Port:             80,
		DNS:              fakeDNS{},
		SocketFactory:    factory,
		HostnameVerifier: domain.StrictHostnameVerifier{},
		Pinner:           domain.NoCertificatePinner(),
		ProxyAuth:        domain.NoProxyAuthenticator(),
		ProxySelector:    domain.DirectOnlySelector{},
		Protocols:        []domain.Protocol{domain.ProtocolHTTP11},
	}
}

func exchangeDeps(p *pool.Pool) Deps {
	return Deps{
		Pool: p,
		ConnectOpts: &connect.Options{
			Events:   ports.NoopEventListener{},
			Listener: ports.NoopConnectionListener{},
		},
		Events:       ports.NoopEventListener{},
		FastFallback: true,
		PoolEvents:   carrier.NoopEvents{},
	}
}

func newExchangeForTest(t *testing.T, response string) (*Exchange, *pool.Pool) {
	t.Helper()
	factory := &connectOnceFactory{response: response}
	addr := exchangeAddress(factory)
	p := pool.New(pool.Config{MaxIdleConnections: pool.DefaultMaxIdleConnections})
	t.Cleanup(p.Close)

	token := &carrier.CallToken{Host: addr.Host}
	deps := exchangeDeps(p)
	planner := connect.NewPlanner(addr, deps.ConnectOpts, p, route.NewDatabase(), token)
	return New(deps, planner, token), p
}

func TestExchangeReleasesCarrierWhenBothStreamsClose(t *testing.T) {
	e, p := newExchangeForTest(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	require.NoError(t, e.FindCarrier(context.Background()))
	c := e.Carrier()
	require.NotNil(t, c)
	assert.Equal(t, 1, c.ActiveCalls())

	u, _ := url.Parse("http://x.example/")
	resp, err := e.Run(&domain.Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
	require.NoError(t, err)

	// Headers in hand, the carrier is still held: the response body is
	// an open stream.
	assert.Equal(t, 1, c.ActiveCalls())

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 0, c.ActiveCalls(), "both streams closed releases the hold")
	assert.Equal(t, 1, c.SuccessCount())
	assert.Equal(t, 1, p.IdleConnectionCount())
}

func TestExchangeCancelBeforeFindPoisonsIt(t *testing.T) {
	e, _ := newExchangeForTest(t, "")

	e.Cancel()
	e.Cancel() // idempotent

	err := e.FindCarrier(context.Background())
	assert.ErrorIs(t, err, domain.ErrCanceled)
	assert.True(t, e.IsCanceled())
}

func TestExchangeFailureMarksCarrier(t *testing.T) {
	// The server hangs up before sending a full response head.
	e, _ := newExchangeForTest(t, "HTTP/1.1 2")

	require.NoError(t, e.FindCarrier(context.Background()))
	c := e.Carrier()

	u, _ := url.Parse("http://x.example/")
	_, err := e.Run(&domain.Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
	require.Error(t, err)

	assert.True(t, c.IsRetired(), "a broken read retires the carrier")
	assert.Equal(t, 0, c.ActiveCalls())
	e.NoMoreExchanges()
}
