package porter

import (
	"context"
	"strconv"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/connect"
	"github.com/thushan/porter/internal/adapter/dispatch"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/route"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

// Client owns the engine's long-lived state: the dispatcher, the
// connection pool, and the route failure memory. It is safe for
// concurrent use and meant to be shared; every client gets its own pool.
type Client struct {
	opts       Options
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	routeDB    *route.Database
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	d := dispatch.New(opts.Logger)
	d.SetMaxRequests(opts.MaxRequests)
	d.SetMaxRequestsPerHost(opts.MaxRequestsPerHost)
	if opts.IdleCallback != nil {
		d.SetIdleCallback(opts.IdleCallback)
	}

	p := pool.New(pool.Config{
		MaxIdleConnections: opts.MaxIdleConnections,
		KeepAliveDuration:  opts.KeepAliveDuration,
		Listener:           opts.ConnectionListener,
		Logger:             opts.Logger,
	})

	c := &Client{
		opts:       opts,
		dispatcher: d,
		pool:       p,
		routeDB:    route.NewDatabase(),
	}
	p.SetWarmConnector(c.warmConnect)
	return c
}

// NewCall pairs a request with the client. The request is not touched
// until the call executes.
func (c *Client) NewCall(req *Request) *Call {
	events := c.callEvents()
	return &Call{
		client:  c,
		request: req,
		events:  events,
		token:   &carrier.CallToken{Host: req.Host()},
	}
}

// ConnectionCount reports every pooled carrier.
func (c *Client) ConnectionCount() int {
	return c.pool.ConnectionCount()
}

// IdleConnectionCount reports pooled carriers hosting no exchanges.
func (c *Client) IdleConnectionCount() int {
	return c.pool.IdleConnectionCount()
}

// EvictAll closes every idle carrier immediately.
func (c *Client) EvictAll() {
	c.pool.EvictAll()
}

// SetPolicy keeps warm capacity for a host and port. The pool
// replenishes in the background until the policy is replaced.
func (c *Client) SetPolicy(host string, port int, policy AddressPolicy) {
	c.pool.SetPolicy(c.address(host, port), policy)
}

// Dispatcher exposes queue counts and shutdown for callers that manage
// lifecycle explicitly.
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Close shuts the dispatcher and drains the pool.
func (c *Client) Close() {
	c.dispatcher.Shutdown()
	c.pool.Close()
}

// address builds the origin fingerprint shared by calls and policies.
// The client's collaborators are part of the fingerprint, which is what
// makes carriers from one client unshareable with another.
func (c *Client) address(host string, port int) *domain.Address {
	return &domain.Address{
		Host:             host,
		Port:             port,
		DNS:              c.opts.DNS,
		SocketFactory:    c.opts.SocketFactory,
		TLSFactory:       c.opts.TLSFactory,
		HostnameVerifier: c.opts.HostnameVerifier,
		Pinner:           c.opts.Pinner,
		ProxyAuth:        c.opts.ProxyAuth,
		FixedProxy:       c.opts.FixedProxy,
		ProxySelector:    c.opts.ProxySelector,
		Protocols:        c.opts.Protocols,
		ConnectionSpecs:  c.opts.ConnectionSpecs,
	}
}

func (c *Client) addressFor(req *Request) *domain.Address {
	port := 80
	if req.URL.Scheme == "https" || c.opts.TLSFactory != nil {
		port = 443
	}
	if p := req.URL.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return c.address(req.URL.Hostname(), port)
}

func (c *Client) connectOptions(events ports.EventListener) *connect.Options {
	listener := c.opts.ConnectionListener
	if listener == nil {
		listener = ports.NoopConnectionListener{}
	}
	return &connect.Options{
		ConnectTimeout:    c.opts.ConnectTimeout,
		ReadTimeout:       c.opts.ReadTimeout,
		WriteTimeout:      c.opts.WriteTimeout,
		PingInterval:      c.opts.PingInterval,
		MaxTunnelAttempts: c.opts.MaxTunnelAttempts,
		Logger:            c.opts.Logger,
		Events:            events,
		Listener:          listener,
	}
}

func (c *Client) callEvents() ports.EventListener {
	if c.opts.EventListenerFactory != nil {
		if l := c.opts.EventListenerFactory(); l != nil {
			return l
		}
	}
	return ports.NoopEventListener{}
}

// poolEvents reacts to carrier allocation-limit changes: a shrunken
// limit may strand queued demand (the policy loops re-open), a grown
// one may leave siblings surplus (the cleanup task re-evaluates).
type poolEvents struct {
	pool *pool.Pool
}

func (p poolEvents) AllocationLimitChanged(*carrier.Carrier) {
	p.pool.KickMaintenance()
}

// warmConnect synthesizes one carrier for an address policy, using a
// throwaway token that is released as soon as the carrier is pooled.
func (c *Client) warmConnect(ctx context.Context, addr *domain.Address) error {
	events := ports.NoopEventListener{}
	token := &carrier.CallToken{Host: addr.Host}
	planner := connect.NewPlanner(addr, c.connectOptions(events), c.pool, c.routeDB, token)
	finder := connect.NewFinder(planner, c.pool, c.opts.FastFallback, poolEvents{pool: c.pool})
	built, err := finder.Find(ctx)
	if err != nil {
		return err
	}
	if built.ReleaseCall(token) && c.pool.ConnectionBecameIdle(built) {
		built.Close()
	}
	return nil
}
