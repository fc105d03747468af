// Package connect builds carriers: one plan per route attempt, raced by
// the fast-fallback finder, sequenced by the planner.
package connect

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/codec/http1"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/util"
)

// DefaultMaxTunnelAttempts bounds the CONNECT auth loop. Proxies that
// keep answering 407 with fresh challenges get this many tries before
// the loop is declared a protocol error.
const DefaultMaxTunnelAttempts = 21

// Options carries the connect-time tuning shared by every plan.
type Options struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxTunnelAttempts int

	Logger   logger.StyledLogger
	Events   ports.EventListener
	Listener ports.ConnectionListener
}

func (o *Options) maxTunnelAttempts() int {
	if o.MaxTunnelAttempts > 0 {
		return o.MaxTunnelAttempts
	}
	return DefaultMaxTunnelAttempts
}

// Result is the outcome of one plan operation. NextPlan, when set, is a
// follow-up attempt on the same route (TLS fallback or tunnel retry)
// that should be tried before any fresh route.
type Result struct {
	Plan     *Plan
	NextPlan *Plan
	Err      error
}

// Plan is one attempt at one route: TCP connect, optional CONNECT
// tunnel, optional TLS handshake.
type Plan struct {
	route domain.Route
	opts  *Options

	// tunnelHeaders is non-nil when the route needs an HTTP CONNECT
	// before TLS. Replaced by the proxy authenticator on 407.
	tunnelHeaders map[string][]string

	// specIndex is the connection spec used by the previous attempt on
	// this route, or -1 before the first TLS attempt.
	specIndex     int
	isTLSFallback bool
	attempt       int

	mu       sync.Mutex
	canceled bool
	raw      net.Conn
	cancelFn context.CancelFunc

	result *carrier.Carrier
}

func newPlan(route domain.Route, opts *Options) *Plan {
	p := &Plan{route: route, opts: opts, specIndex: -1}
	if route.RequiresTunnel() {
		p.tunnelHeaders = map[string][]string{}
	}
	return p
}

func (p *Plan) Route() domain.Route { return p.route }

// Carrier returns the built carrier after a successful ConnectTLSEtc.
func (p *Plan) Carrier() *carrier.Carrier { return p.result }

// Cancel closes the in-flight socket to break any blocking I/O, and
// aborts a dial that has not produced a socket yet. The cancel flag is
// checked after every blocking step.
func (p *Plan) Cancel() {
	p.mu.Lock()
	p.canceled = true
	raw := p.raw
	cancelFn := p.cancelFn
	p.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
	if raw != nil {
		_ = raw.Close()
	}
}

func (p *Plan) isCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// ConnectTCP opens the raw socket: directly or through a SOCKS hop for
// direct-style routes, or to the proxy itself when tunnelling.
func (p *Plan) ConnectTCP(ctx context.Context) Result {
	if p.isCanceled() {
		return Result{Plan: p, Err: domain.ErrCanceled}
	}

	p.opts.Events.ConnectStart(p.route)
	p.opts.Listener.ConnectStart(p.route)

	if p.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}
	ctx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	p.mu.Lock()
	p.cancelFn = dialCancel
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.opts.Events.ConnectFailed(p.route, err)
		p.opts.Listener.ConnectFailed(p.route, err)
		return Result{Plan: p, Err: err}
	}

	p.mu.Lock()
	if p.canceled {
		p.mu.Unlock()
		_ = conn.Close()
		return Result{Plan: p, Err: domain.ErrCanceled}
	}
	p.raw = conn
	p.mu.Unlock()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return Result{Plan: p}
}

func (p *Plan) dial(ctx context.Context) (net.Conn, error) {
	factory := p.route.Address.SocketFactory
	target := p.route.SocketAddr.String()
	network := util.NetworkFor(p.route.SocketAddr)

	if p.route.Proxy.Type == domain.ProxySOCKS {
		// The route's socket address is the resolved SOCKS proxy; the
		// origin name is handed to the proxy to resolve on its side.
		// The hop is dialled through the socket factory too, so tests
		// and custom factories see every connection.
		dialer, err := xproxy.SOCKS5("tcp", target, nil, factoryDialer{ctx: ctx, factory: factory})
		if err != nil {
			return nil, err
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer does not support context")
		}
		return cd.DialContext(ctx, "tcp", p.route.Address.HostPort())
	}

	return factory.DialContext(ctx, network, target)
}

// factoryDialer adapts a domain.SocketFactory to x/net/proxy's dialer.
type factoryDialer struct {
	ctx     context.Context
	factory domain.SocketFactory
}

func (d factoryDialer) Dial(network, addr string) (net.Conn, error) {
	return d.factory.DialContext(d.ctx, network, addr)
}

func (d factoryDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.factory.DialContext(ctx, network, addr)
}

// ConnectTLSEtc finishes the carrier: CONNECT tunnel when the route
// needs one, then the TLS handshake with spec fallback, then carrier
// construction.
func (p *Plan) ConnectTLSEtc(ctx context.Context) Result {
	if p.isCanceled() {
		p.closeRaw()
		return Result{Plan: p, Err: domain.ErrCanceled}
	}

	if p.tunnelHeaders != nil {
		if res := p.connectTunnel(ctx); res.Err != nil || res.NextPlan != nil {
			return res
		}
	}

	addr := p.route.Address
	conn := p.rawConn()
	var handshake *domain.Handshake
	protocol := domain.ProtocolHTTP11
	if addr.SupportsProtocol(domain.ProtocolH2PriorKnowledge) {
		protocol = domain.ProtocolH2PriorKnowledge
	}

	if addr.IsTLS() {
		tlsConn, hs, specIdx, err := p.handshake(ctx, conn)
		if err != nil {
			p.closeRaw()
			p.opts.Events.ConnectFailed(p.route, err)
			p.opts.Listener.ConnectFailed(p.route, err)
			if next := p.nextSpecPlan(specIdx, err); next != nil {
				return Result{Plan: p, NextPlan: next, Err: err}
			}
			return Result{Plan: p, Err: err}
		}
		handshake = hs
		conn = tlsConn
		if hs.ALPN != "" {
			if alpn, ok := domain.ParseProtocol(hs.ALPN); ok {
				protocol = alpn
			}
		}
	}

	c := carrier.New(p.route, p.rawConn(), conn, handshake, protocol, p.opts.Logger)
	p.result = c
	p.opts.Events.ConnectEnd(p.route, protocol)
	p.opts.Listener.ConnectEnd(p.route, protocol)
	return Result{Plan: p}
}

// handshake runs TLS with the first compatible spec after specIndex,
// then the verifier and the pinner. It returns the index it used so a
// retryable failure can resume after it.
func (p *Plan) handshake(ctx context.Context, raw net.Conn) (net.Conn, *domain.Handshake, int, error) {
	addr := p.route.Address
	specs := addr.ConnectionSpecs
	if len(specs) == 0 {
		specs = domain.DefaultConnectionSpecs()
	}

	specIdx := -1
	for i := p.specIndex + 1; i < len(specs); i++ {
		if specs[i].IsCompatible(true) {
			specIdx = i
			break
		}
	}
	if specIdx < 0 {
		return nil, nil, p.specIndex, fmt.Errorf("no compatible connection spec after index %d", p.specIndex)
	}
	spec := specs[specIdx]

	cfg := &tls.Config{
		ServerName:   addr.Host,
		MinVersion:   spec.MinVersion(),
		MaxVersion:   spec.MaxVersion(),
		CipherSuites: spec.CipherSuites,
	}
	if spec.SupportsTLSExtensions {
		for _, proto := range addr.Protocols {
			if v := proto.ALPNValue(); v != "" {
				cfg.NextProtos = append(cfg.NextProtos, v)
			}
		}
	}

	p.opts.Events.SecureConnectStart()
	tlsConn := addr.TLSFactory.CreateSocket(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, specIdx, err
	}

	state := tlsConn.ConnectionState()
	if !addr.HostnameVerifier.Verify(addr.Host, state) {
		return nil, nil, specIdx, &domain.PeerUnverifiedError{Host: addr.Host}
	}
	if err := addr.Pinner.Check(addr.Host, state.PeerCertificates); err != nil {
		return nil, nil, specIdx, err
	}

	hs := &domain.Handshake{
		TLSVersion:  state.Version,
		CipherSuite: state.CipherSuite,
		ALPN:        state.NegotiatedProtocol,
		PeerChain:   state.PeerCertificates,
	}
	p.opts.Events.SecureConnectEnd(hs)
	return tlsConn, hs, specIdx, nil
}

// nextSpecPlan decides whether a TLS failure is worth retrying with a
// more permissive connection spec, and builds the follow-up plan if so.
func (p *Plan) nextSpecPlan(failedIdx int, err error) *Plan {
	if !retryTLSHandshake(err) {
		return nil
	}
	addr := p.route.Address
	specs := addr.ConnectionSpecs
	if len(specs) == 0 {
		specs = domain.DefaultConnectionSpecs()
	}
	for i := failedIdx + 1; i < len(specs); i++ {
		if specs[i].IsCompatible(true) {
			next := newPlan(p.route, p.opts)
			next.specIndex = failedIdx
			next.isTLSFallback = true
			return next
		}
	}
	return nil
}

// retryTLSHandshake is the downgrade policy: protocol violations,
// timeouts, and certificate judgements are final; everything else SSL
// is worth one more profile.
func retryTLSHandshake(err error) bool {
	var protoErr *domain.ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return false
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return false
	}
	var pinErr *domain.PinMismatchError
	if errors.As(err, &pinErr) {
		return false
	}
	var peerErr *domain.PeerUnverifiedError
	if errors.As(err, &peerErr) {
		return false
	}
	return true
}

// connectTunnel drives the CONNECT handshake with the proxy, looping on
// 407 challenges until authenticated, refused, or out of attempts. One
// buffered pair spans the loop so a challenge and its retry share the
// socket cleanly.
func (p *Plan) connectTunnel(ctx context.Context) Result {
	addr := p.route.Address
	conn := p.rawConn()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		if p.isCanceled() {
			p.closeRaw()
			return Result{Plan: p, Err: domain.ErrCanceled}
		}
		if p.attempt >= p.opts.maxTunnelAttempts() {
			p.closeRaw()
			return Result{Plan: p, Err: &domain.ProtocolError{
				Reason: fmt.Sprintf("too many tunnel attempts: %d", p.attempt),
			}}
		}
		p.attempt++

		resp, h1, err := p.writeTunnelRequest(conn, br, bw)
		if err != nil {
			p.closeRaw()
			return Result{Plan: p, Err: err}
		}

		switch resp.Code {
		case http.StatusOK:
			return Result{Plan: p}

		case http.StatusProxyAuthRequired:
			challenge := &domain.TunnelResponse{Code: resp.Code, Header: resp.Header}
			nextHeaders, err := addr.ProxyAuth.Authenticate(p.route, challenge)
			if err != nil {
				p.closeRaw()
				return Result{Plan: p, Err: err}
			}
			if nextHeaders == nil {
				p.closeRaw()
				return Result{Plan: p, Err: fmt.Errorf("failed to authenticate with proxy %s", p.route.Proxy)}
			}
			p.tunnelHeaders = nextHeaders

			if headerContains(resp.Header, "Connection", "close") {
				// The proxy is done with this socket; retry the whole
				// route on a fresh one.
				p.closeRaw()
				next := newPlan(p.route, p.opts)
				next.tunnelHeaders = nextHeaders
				next.attempt = p.attempt
				return Result{Plan: p, NextPlan: next}
			}

			// Loop on the same socket; the challenge body must be fully
			// drained first or it bleeds into the next reply.
			if err := drainBody(h1, resp); err != nil {
				p.closeRaw()
				return Result{Plan: p, Err: err}
			}

		default:
			p.closeRaw()
			return Result{Plan: p, Err: fmt.Errorf("unexpected response code for CONNECT: %d", resp.Code)}
		}
	}
}

// writeTunnelRequest emits one CONNECT and reads the proxy's reply using
// the HTTP/1 codec on the raw socket.
func (p *Plan) writeTunnelRequest(conn net.Conn, br *bufio.Reader, bw *bufio.Writer) (*domain.Response, *http1.Codec, error) {
	addr := p.route.Address
	header := http.Header{}
	for name, values := range p.tunnelHeaders {
		header[http.CanonicalHeaderKey(name)] = values
	}
	if header.Get("Host") == "" {
		header.Set("Host", addr.HostPort())
	}
	if header.Get("Proxy-Connection") == "" {
		header.Set("Proxy-Connection", "Keep-Alive")
	}

	req := &domain.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr.HostPort()},
		Header: header,
	}

	h1 := http1.NewCodec(conn, br, bw)
	h1.SetTimeouts(p.opts.ReadTimeout, p.opts.WriteTimeout)
	if err := h1.WriteRequestHeaders(req); err != nil {
		return nil, nil, err
	}
	if err := h1.FinishRequest(); err != nil {
		return nil, nil, err
	}
	resp, err := h1.ReadResponseHeaders(false)
	if err != nil {
		return nil, nil, err
	}
	return resp, h1, nil
}

func drainBody(h1 *http1.Codec, resp *domain.Response) error {
	body, err := h1.ResponseBody(resp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	return body.Close()
}

func (p *Plan) rawConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw
}

func (p *Plan) closeRaw() {
	if raw := p.rawConn(); raw != nil {
		_ = raw.Close()
	}
}

func headerContains(h map[string][]string, name, value string) bool {
	for _, v := range http.Header(h).Values(name) {
		if v == value {
			return true
		}
	}
	return false
}
