// Package carrier owns established transports. A Carrier is one socket
// (TCP, optionally TLS) together with the bookkeeping that decides how
// many exchanges it may host and whether it is still trustworthy.
package carrier

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thushan/porter/internal/adapter/codec"
	"github.com/thushan/porter/internal/adapter/codec/http1"
	"github.com/thushan/porter/internal/adapter/codec/http2"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

// extensiveHealthCheckAfter is how long a carrier may sit idle before a
// cheap liveness probe is not enough and we peek the socket for a stale
// FIN or reset.
const extensiveHealthCheckAfter = 10 * time.Second

// CallToken identifies one exchange's hold on a carrier. Tokens are
// compared by pointer; the exchange keeps its token until both of its
// streams close.
type CallToken struct {
	// Host is kept for diagnostics only.
	Host string
}

// Events is how a carrier reports bookkeeping changes to its pool. The
// pool reacts by scheduling openers (limit shrank below demand) or
// closers (limit grew, siblings may now be surplus).
type Events interface {
	AllocationLimitChanged(c *Carrier)
}

type NoopEvents struct{}

func (NoopEvents) AllocationLimitChanged(*Carrier) {}

// Carrier is a live transport. Bookkeeping fields are guarded by mu;
// the sockets and codec buffers are owned by whichever exchange holds
// the carrier (H1) or by the embedded engine (H2).
type Carrier struct {
	route domain.Route
	log   logger.StyledLogger

	rawConn   net.Conn // the TCP socket, for hard cancellation
	conn      net.Conn // possibly TLS-wrapped
	br        *bufio.Reader
	bw        *bufio.Writer
	handshake *domain.Handshake
	protocol  domain.Protocol

	h2     *http2.Conn
	events Events

	closed atomic.Bool

	mu                     sync.Mutex
	noNewExchanges         bool
	noCoalescedConnections bool
	routeFailureCount      int
	successCount           int
	refusedStreamCount     int
	allocationLimit        int
	calls                  []*CallToken
	idleSinceNanos         int64
}

// New wraps a connected socket. Start must run before the carrier can
// host exchanges.
func New(route domain.Route, raw, conn net.Conn, handshake *domain.Handshake, protocol domain.Protocol, log logger.StyledLogger) *Carrier {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Carrier{
		route:           route,
		log:             log,
		rawConn:         raw,
		conn:            conn,
		br:              bufio.NewReader(conn),
		bw:              bufio.NewWriter(conn),
		handshake:       handshake,
		protocol:        protocol,
		allocationLimit: 1,
		events:          NoopEvents{},
		idleSinceNanos:  time.Now().UnixNano(),
	}
}

// Start brings the carrier live: for HTTP/2 it launches the engine and
// lifts the allocation limit to the peer's advertised stream cap.
func (c *Carrier) Start(pingInterval time.Duration, events Events) error {
	if events != nil {
		c.events = events
	}
	if !c.protocol.Multiplexed() {
		return nil
	}

	c.h2 = http2.NewConn(c.conn, c.br, c.bw, http2.Config{
		Logger:       c.log.With("remote", c.route.SocketAddr.String()),
		Hooks:        (*h2Hooks)(c),
		PingInterval: pingInterval,
	})
	if err := c.h2.Start(); err != nil {
		return err
	}

	c.mu.Lock()
	c.allocationLimit = clampStreams(c.h2.MaxConcurrentStreams())
	c.mu.Unlock()
	return nil
}

// h2Hooks funnels engine events back into the carrier's bookkeeping.
type h2Hooks Carrier

func (h *h2Hooks) SettingsApplied(maxConcurrentStreams uint32) {
	c := (*Carrier)(h)
	c.mu.Lock()
	c.allocationLimit = clampStreams(maxConcurrentStreams)
	c.mu.Unlock()
	c.events.AllocationLimitChanged(c)
}

func (h *h2Hooks) GoAwayReceived(domain.ErrorCode) {
	c := (*Carrier)(h)
	c.mu.Lock()
	c.noNewExchanges = true
	c.mu.Unlock()
}

func clampStreams(v uint32) int {
	const sane = 1 << 20
	if v > sane {
		return sane
	}
	return int(v)
}

func (c *Carrier) Route() domain.Route          { return c.route }
func (c *Carrier) Protocol() domain.Protocol    { return c.protocol }
func (c *Carrier) Handshake() *domain.Handshake { return c.handshake }

func (c *Carrier) IsMultiplexed() bool {
	return c.protocol.Multiplexed()
}

func (c *Carrier) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(0, c.idleSinceNanos)
}

// ActiveCalls returns the number of exchanges currently holding the
// carrier.
func (c *Carrier) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Carrier) SuccessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successCount
}

// NoNewExchanges permanently retires the carrier from acquisition. The
// flag is never cleared.
func (c *Carrier) NoNewExchanges() {
	c.mu.Lock()
	c.noNewExchanges = true
	c.mu.Unlock()
}

func (c *Carrier) IsRetired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noNewExchanges
}

// NoCoalescedConnections forbids serving hosts other than the route's
// own, after a coalesced exchange misbehaved.
func (c *Carrier) NoCoalescedConnections() {
	c.mu.Lock()
	c.noCoalescedConnections = true
	c.mu.Unlock()
}

// AcquireForCall atomically checks eligibility and, on success, records
// the token's hold. This is the only path that grows calls, so the
// allocation-limit invariant holds under the carrier lock.
func (c *Carrier) AcquireForCall(addr *domain.Address, routes []domain.Route, requireMultiplexed bool, token *CallToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.eligibleLocked(addr, routes, requireMultiplexed) {
		return false
	}
	c.calls = append(c.calls, token)
	return true
}

// AttachCall records a hold unconditionally. Used for the call that
// just built the carrier, which owns it before the pool ever sees it.
func (c *Carrier) AttachCall(token *CallToken) {
	c.mu.Lock()
	c.calls = append(c.calls, token)
	c.mu.Unlock()
}

// ReleaseCall drops the token's hold. It reports whether the carrier
// just became idle.
func (c *Carrier) ReleaseCall(token *CallToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.calls {
		if t == token {
			c.calls = append(c.calls[:i], c.calls[i+1:]...)
			break
		}
	}
	if len(c.calls) == 0 {
		c.idleSinceNanos = time.Now().UnixNano()
		return true
	}
	return false
}

// CountSuccess bumps the success counter once an exchange completes
// cleanly. A carrier that has succeeded at least once no longer counts
// protocol failures against its route.
func (c *Carrier) CountSuccess() {
	c.mu.Lock()
	c.successCount++
	c.refusedStreamCount = 0
	c.mu.Unlock()
}

// TrackFailure applies the error taxonomy to the carrier's reuse state.
func (c *Carrier) TrackFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := err.(type) {
	case *domain.StreamResetError:
		if e.Code == domain.ErrCodeRefusedStream {
			// A refusal on a proven carrier means the peer no longer
			// wants our streams here. A brand-new carrier gets one
			// benefit of the doubt; two refusals in a row end it.
			c.refusedStreamCount++
			if c.refusedStreamCount > 1 || c.successCount > 0 {
				c.noNewExchanges = true
				c.routeFailureCountLocked()
			}
			return
		}
		if e.Code == domain.ErrCodeCancel {
			// Our own cancellation; the carrier is fine.
			return
		}
		c.noNewExchanges = true
		c.routeFailureCountLocked()
	default:
		if c.IsMultiplexed() {
			// Connection-level breakage on a multiplexed carrier.
			c.noNewExchanges = true
			c.routeFailureCountLocked()
		} else {
			c.noNewExchanges = true
		}
	}
}

func (c *Carrier) routeFailureCountLocked() {
	if c.successCount == 0 {
		c.routeFailureCount++
	}
}

func (c *Carrier) RouteFailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routeFailureCount
}

// eligibleLocked applies the sharing policy: capacity, retirement, a
// non-host fingerprint match, and either a host match or coalescing.
func (c *Carrier) eligibleLocked(addr *domain.Address, routes []domain.Route, requireMultiplexed bool) bool {
	if c.noNewExchanges || len(c.calls) >= c.allocationLimit {
		return false
	}
	if requireMultiplexed && !c.IsMultiplexed() {
		return false
	}
	if !addr.EqualNonHost(c.route.Address) {
		return false
	}

	if addr.Host == c.route.Address.Host {
		return true
	}

	// Host mismatch: the coalescing gauntlet.
	if !c.IsMultiplexed() || c.noCoalescedConnections {
		return false
	}
	if !routesShareSocketAddr(routes, c.route) {
		return false
	}
	if _, strict := addr.HostnameVerifier.(domain.StrictHostnameVerifier); !strict {
		return false
	}
	if !c.SupportsHost(addr.Host) {
		return false
	}
	if c.handshake != nil {
		if err := addr.Pinner.Check(addr.Host, c.handshake.PeerChain); err != nil {
			return false
		}
	}
	return true
}

func routesShareSocketAddr(routes []domain.Route, own domain.Route) bool {
	for _, r := range routes {
		if r.Proxy.IsDirect() && own.Proxy.IsDirect() && r.SocketAddr == own.SocketAddr {
			return true
		}
	}
	return false
}

// SupportsHost reports whether the carrier's peer certificate covers the
// given hostname.
func (c *Carrier) SupportsHost(host string) bool {
	if c.handshake == nil || len(c.handshake.PeerChain) == 0 {
		return false
	}
	return c.handshake.PeerChain[0].VerifyHostname(host) == nil
}

// IsHealthy checks that the carrier can host another exchange. The
// extensive probe peeks the socket for a stale FIN after long idleness.
func (c *Carrier) IsHealthy(doExtensiveChecks bool) bool {
	if c.closed.Load() {
		return false
	}
	if c.h2 != nil {
		return c.h2.IsHealthy(time.Now())
	}

	c.mu.Lock()
	idle := time.Since(time.Unix(0, c.idleSinceNanos))
	busy := len(c.calls) > 0
	c.mu.Unlock()

	if doExtensiveChecks && !busy && idle >= extensiveHealthCheckAfter {
		return c.probeSocket()
	}
	return true
}

// probeSocket does a non-blocking read. A healthy idle socket times out
// instantly with nothing to read; bytes or EOF mean the peer moved on
// without us.
func (c *Carrier) probeSocket() bool {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	_, err := c.br.Peek(1)
	if err == nil {
		// Unsolicited bytes on an idle H1 connection are a protocol
		// violation by the peer.
		return false
	}
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// NewCodec hands the carrier's streams to a fresh exchange codec.
func (c *Carrier) NewCodec(readTimeout, writeTimeout time.Duration) codec.ExchangeCodec {
	if c.h2 != nil {
		return http2.NewExchangeCodec(c.h2)
	}
	h1 := http1.NewCodec(c.conn, c.br, c.bw)
	h1.SetTimeouts(readTimeout, writeTimeout)
	return h1
}

// ShutdownH2 starts a graceful engine shutdown. No-op on HTTP/1.
func (c *Carrier) ShutdownH2(code domain.ErrorCode) {
	if c.h2 != nil {
		c.h2.Shutdown(code)
	}
}

// Close releases the sockets. Idempotent; pending engine streams fail
// with a connection-shutdown error.
func (c *Carrier) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.h2 != nil {
		c.h2.Close(domain.ErrConnectionShutdown)
	}
	_ = c.conn.Close()
	if c.rawConn != c.conn {
		_ = c.rawConn.Close()
	}
}

func (c *Carrier) IsClosed() bool {
	return c.closed.Load()
}
