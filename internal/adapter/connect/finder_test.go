package connect

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/route"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

// scriptConn replays canned bytes and swallows writes.
type scriptConn struct {
	mu     sync.Mutex
	read   *bytes.Reader
	wrote  bytes.Buffer
	closed bool
}

func newScriptConn(response string) *scriptConn {
	return &scriptConn{read: bytes.NewReader([]byte(response))}
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.read.Read(p)
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.wrote.Write(p)
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrote.String()
}

func (c *scriptConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *scriptConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

type fakeDNS struct {
	addrs []string
}

func (d fakeDNS) Lookup(_ context.Context, host string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, s := range d.addrs {
		out = append(out, netip.MustParseAddr(s))
	}
	return out, nil
}

// raceFactory hangs on blackholed addresses until the context dies and
// connects instantly otherwise.
type raceFactory struct {
	blackholed map[string]bool

	mu     sync.Mutex
	dialed []string
}

func (f *raceFactory) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, addr)
	f.mu.Unlock()

	if f.blackholed[addr] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return newScriptConn(""), nil
}

func connectAddress(host string, factory domain.SocketFactory, dns domain.DNS) *domain.Address {
	return &domain.Address{
		Host:             host,
		Port:             443,
		DNS:              dns,
		SocketFactory:    factory,
		HostnameVerifier: domain.StrictHostnameVerifier{},
		Pinner:           domain.NoCertificatePinner(),
		ProxyAuth:        domain.NoProxyAuthenticator(),
		ProxySelector:    domain.DirectOnlySelector{},
		Protocols:        []domain.Protocol{domain.ProtocolHTTP11},
	}
}

func testOptions() *Options {
	return &Options{
		ConnectTimeout: 5 * time.Second,
		Events:         ports.NoopEventListener{},
		Listener:       ports.NoopConnectionListener{},
	}
}

func TestFastFallbackRacesPastBlackholedRoute(t *testing.T) {
	factory := &raceFactory{blackholed: map[string]bool{"[2001:db8::1]:443": true}}
	dns := fakeDNS{addrs: []string{"2001:db8::1", "198.51.100.7"}}
	addr := connectAddress("dual.example", factory, dns)

	p := pool.New(pool.Config{})
	defer p.Close()
	token := &carrier.CallToken{}
	planner := NewPlanner(addr, testOptions(), p, route.NewDatabase(), token)
	finder := NewFinder(planner, p, true, carrier.NoopEvents{})

	start := time.Now()
	c, err := finder.Find(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "198.51.100.7:443", c.Route().SocketAddr.String())
	assert.Less(t, elapsed, time.Second, "fallback should win long before the connect timeout")
	assert.Equal(t, 1, p.ConnectionCount())
	assert.Equal(t, 1, c.ActiveCalls(), "the finder attaches the call token")
}

func TestSequentialConnectWithFallbackDisabled(t *testing.T) {
	factory := &raceFactory{}
	dns := fakeDNS{addrs: []string{"192.0.2.1"}}
	addr := connectAddress("h.example", factory, dns)

	p := pool.New(pool.Config{})
	defer p.Close()
	planner := NewPlanner(addr, testOptions(), p, route.NewDatabase(), &carrier.CallToken{})
	finder := NewFinder(planner, p, false, carrier.NoopEvents{})

	c, err := finder.Find(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolHTTP11, c.Protocol())
}

// failFactory refuses every dial.
type failFactory struct{}

func (failFactory) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, assert.AnError
}

func TestExhaustionAccumulatesSuppressedFailures(t *testing.T) {
	dns := fakeDNS{addrs: []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}}
	addr := connectAddress("down.example", failFactory{}, dns)

	p := pool.New(pool.Config{})
	defer p.Close()
	planner := NewPlanner(addr, testOptions(), p, route.NewDatabase(), &carrier.CallToken{})
	finder := NewFinder(planner, p, true, carrier.NoopEvents{})

	_, err := finder.Find(context.Background())
	require.Error(t, err)

	var exhausted *domain.RouteExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, exhausted.First, assert.AnError)
	assert.Len(t, exhausted.Suppressed, 2, "later failures ride along as suppressed")
}

func TestPlannerPrefersPooledCarrier(t *testing.T) {
	factory := &raceFactory{}
	dns := fakeDNS{addrs: []string{"192.0.2.1"}}
	addr := connectAddress("h.example", factory, dns)

	p := pool.New(pool.Config{})
	defer p.Close()

	pooled := carrier.New(domain.Route{
		Address:    addr,
		Proxy:      domain.NoProxy,
		SocketAddr: netip.MustParseAddrPort("192.0.2.1:443"),
	}, newScriptConn(""), newScriptConn(""), nil, domain.ProtocolHTTP11, nil)
	p.Put(pooled)

	planner := NewPlanner(addr, testOptions(), p, route.NewDatabase(), &carrier.CallToken{})
	finder := NewFinder(planner, p, true, carrier.NoopEvents{})

	c, err := finder.Find(context.Background())
	require.NoError(t, err)
	assert.Same(t, pooled, c)
	assert.Empty(t, factory.dialed, "no dial when the pool can serve")
}

func TestFinderCancellation(t *testing.T) {
	factory := &raceFactory{blackholed: map[string]bool{"[2001:db8::5]:443": true}}
	dns := fakeDNS{addrs: []string{"2001:db8::5"}}
	addr := connectAddress("stuck.example", factory, dns)

	p := pool.New(pool.Config{})
	defer p.Close()
	opts := testOptions()
	opts.ConnectTimeout = time.Minute
	planner := NewPlanner(addr, opts, p, route.NewDatabase(), &carrier.CallToken{})
	finder := NewFinder(planner, p, true, carrier.NoopEvents{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := finder.Find(ctx)
	assert.ErrorIs(t, err, domain.ErrCanceled)
}
