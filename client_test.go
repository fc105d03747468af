package porter

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/core/domain"
)

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

// scriptedFactory serves one canned conn per dial, in order.
type scriptedFactory struct {
	mu    sync.Mutex
	conns []*scriptConn
	next  int
}

func (f *scriptedFactory) DialContext(context.Context, string, string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.conns) {
		return nil, net.ErrClosed
	}
	c := f.conns[f.next]
	f.next++
	return c, nil
}

type staticDNS struct{}

func (staticDNS) Lookup(_ context.Context, _ string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("192.0.2.10")}, nil
}

func getRequest(target string) *Request {
	u, _ := url.Parse(target)
	return &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

func newScriptedClient(responses ...string) (*Client, *scriptedFactory) {
	factory := &scriptedFactory{}
	for _, r := range responses {
		factory.conns = append(factory.conns, newScriptConn(r))
	}
	opts := DefaultOptions()
	opts.DNS = staticDNS{}
	opts.SocketFactory = factory
	opts.Protocols = []Protocol{ProtocolHTTP11}
	opts.ReadTimeout = 0
	opts.WriteTimeout = 0
	return NewClient(opts), factory
}

func TestSimpleGet(t *testing.T) {
	client, factory := newScriptedClient("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	defer client.Close()

	resp, err := client.NewCall(getRequest("http://h1.example/")).Execute()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, ProtocolHTTP11, resp.Protocol)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 1, client.ConnectionCount())
	assert.Equal(t, 1, client.IdleConnectionCount(), "carrier returns to the pool after the body closes")

	wire := factory.conns[0].Written()
	assert.Contains(t, wire, "GET / HTTP/1.1\r\n")
	assert.Contains(t, wire, "Host: h1.example\r\n")
}

func TestConnectionReuseAcrossCalls(t *testing.T) {
	client, factory := newScriptedClient(
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\na" +
			"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nb")
	defer client.Close()

	for _, want := range []string{"a", "b"} {
		resp, err := client.NewCall(getRequest("http://h1.example/")).Execute()
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, 1, factory.next, "the second call reuses the pooled carrier")
	assert.Equal(t, 1, client.ConnectionCount())
}

func TestIdleEviction(t *testing.T) {
	factory := &scriptedFactory{conns: []*scriptConn{
		newScriptConn("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
	}}
	opts := DefaultOptions()
	opts.DNS = staticDNS{}
	opts.SocketFactory = factory
	opts.Protocols = []Protocol{ProtocolHTTP11}
	opts.MaxIdleConnections = 0
	opts.KeepAliveDuration = time.Millisecond
	opts.ReadTimeout = 0
	client := NewClient(opts)
	defer client.Close()

	resp, err := client.NewCall(getRequest("http://h1.example/")).Execute()
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())

	require.Eventually(t, func() bool {
		return client.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond, "zero-idle pool closes the carrier immediately")
}

func TestEnqueueDeliversExactlyOneCallback(t *testing.T) {
	client, _ := newScriptedClient("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	defer client.Close()

	done := make(chan struct{})
	var responses, failures int
	client.NewCall(getRequest("http://h1.example/")).Enqueue(
		func(_ *Call, resp *Response) {
			responses++
			_, _ = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			close(done)
		},
		func(_ *Call, err error) {
			failures++
			close(done)
		},
	)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no callback delivered")
	}
	assert.Equal(t, 1, responses)
	assert.Equal(t, 0, failures)
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	client, _ := newScriptedClient()
	client.Dispatcher().Shutdown()

	errCh := make(chan error, 1)
	client.NewCall(getRequest("http://h1.example/")).Enqueue(
		func(*Call, *Response) { errCh <- nil },
		func(_ *Call, err error) { errCh <- err },
	)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrExecutorShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection never surfaced")
	}
}

func TestCallExecutesOnlyOnce(t *testing.T) {
	client, _ := newScriptedClient("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	defer client.Close()

	call := client.NewCall(getRequest("http://h1.example/"))
	resp, err := call.Execute()
	require.NoError(t, err)
	_ = resp.Body.Close()

	_, err = call.Execute()
	assert.Error(t, err)
	assert.True(t, call.IsExecuted())
}

func TestCancelBeforeExecute(t *testing.T) {
	client, _ := newScriptedClient("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	defer client.Close()

	call := client.NewCall(getRequest("http://h1.example/"))
	call.Cancel()
	call.Cancel() // idempotent

	_, err := call.Execute()
	assert.ErrorIs(t, err, domain.ErrCanceled)
	assert.True(t, call.IsCanceled())
}

func TestRouteExhaustionSurfacesConnectError(t *testing.T) {
	client, _ := newScriptedClient() // factory with no conns refuses dials
	defer client.Close()

	_, err := client.NewCall(getRequest("http://unreachable.example/")).Execute()
	require.Error(t, err)
	var exhausted *domain.RouteExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestPostWithBody(t *testing.T) {
	client, factory := newScriptedClient("HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n")
	defer client.Close()

	req := getRequest("http://h1.example/items")
	req.Method = http.MethodPost
	req.Body = bytes.NewReader([]byte(`{"k":"v"}`))
	req.ContentLength = 9

	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Code)
	_ = resp.Body.Close()

	wire := factory.conns[0].Written()
	assert.Contains(t, wire, "POST /items HTTP/1.1\r\n")
	assert.Contains(t, wire, "Content-Length: 9\r\n")
	assert.Contains(t, wire, `{"k":"v"}`)
}
