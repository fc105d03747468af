// Package pool shares established carriers across calls. It evicts idle
// capacity on a keep-alive budget and, where an address policy asks for
// warm capacity, replenishes connections in the background.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
)

const (
	DefaultMaxIdleConnections = 5
	DefaultKeepAliveDuration  = 5 * time.Minute
)

// WarmConnector synthesizes one warm carrier for an address and puts it
// into the pool. Wired by the client to the fast-fallback finder.
type WarmConnector func(ctx context.Context, addr *domain.Address) error

type Config struct {
	MaxIdleConnections int
	KeepAliveDuration  time.Duration
	Listener           ports.ConnectionListener
	Logger             logger.StyledLogger
}

type Pool struct {
	maxIdle   int
	keepAlive time.Duration
	listener  ports.ConnectionListener
	log       logger.StyledLogger

	carriers *xsync.Map[*carrier.Carrier, struct{}]

	policies *xsync.Map[string, *policyState]

	warmConnector WarmConnector

	cleanupMu      sync.Mutex
	cleanupRunning bool
	cleanupKick    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

type policyState struct {
	addr   *domain.Address
	policy domain.AddressPolicy

	mu        sync.Mutex
	running   bool
	rekick    chan struct{}
	failures  int
}

func New(cfg Config) *Pool {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscard()
	}
	listener := cfg.Listener
	if listener == nil {
		listener = ports.NoopConnectionListener{}
	}
	maxIdle := cfg.MaxIdleConnections
	if maxIdle < 0 {
		maxIdle = DefaultMaxIdleConnections
	}
	keepAlive := cfg.KeepAliveDuration
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveDuration
	}
	return &Pool{
		maxIdle:     maxIdle,
		keepAlive:   keepAlive,
		listener:    listener,
		log:         log,
		carriers:    xsync.NewMap[*carrier.Carrier, struct{}](),
		policies:    xsync.NewMap[string, *policyState](),
		cleanupKick: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// SetWarmConnector wires the replenishment path. Must be called before
// the first SetPolicy.
func (p *Pool) SetWarmConnector(fn WarmConnector) {
	p.warmConnector = fn
}

// Acquire returns the first healthy carrier eligible for the address,
// registering the token's hold before the health check so no sibling can
// close it mid-probe. A carrier failing its health check is retired and
// skipped.
func (p *Pool) Acquire(addr *domain.Address, routes []domain.Route, requireMultiplexed, doExtensiveHealthCheck bool, token *carrier.CallToken) *carrier.Carrier {
	var result *carrier.Carrier
	p.carriers.Range(func(c *carrier.Carrier, _ struct{}) bool {
		if !c.AcquireForCall(addr, routes, requireMultiplexed, token) {
			return true
		}
		if c.IsHealthy(doExtensiveHealthCheck) {
			result = c
			return false
		}

		// Unhealthy: retire it, give the slot back, and close the
		// socket if we were the only holder.
		c.NoNewExchanges()
		p.listener.NoNewExchanges(c)
		if c.ReleaseCall(token) {
			p.removeCarrier(c)
		}
		return true
	})
	return result
}

// Put registers a fresh carrier and arms the cleanup task.
func (p *Pool) Put(c *carrier.Carrier) {
	p.carriers.Store(c, struct{}{})
	p.scheduleCleanup()
}

// ConnectionBecameIdle decides the fate of a carrier whose last exchange
// just finished. True means the pool disowned it and the caller must
// close the socket.
func (p *Pool) ConnectionBecameIdle(c *carrier.Carrier) bool {
	if c.IsRetired() || p.maxIdle == 0 {
		p.carriers.Delete(c)
		p.kickPolicies()
		return true
	}
	p.scheduleCleanup()
	return false
}

// KickMaintenance re-runs the cleanup pass and the policy checks after
// a carrier's capacity changed out-of-band (H2 SETTINGS).
func (p *Pool) KickMaintenance() {
	p.scheduleCleanup()
	p.kickPolicies()
}

// EvictAll closes every carrier with no active calls. Sockets close in
// parallel: one peer with a slow FIN must not serialise the rest.
func (p *Pool) EvictAll() {
	var g errgroup.Group
	p.carriers.Range(func(c *carrier.Carrier, _ struct{}) bool {
		if c.ActiveCalls() == 0 {
			c.NoNewExchanges()
			g.Go(func() error {
				p.removeCarrier(c)
				return nil
			})
		}
		return true
	})
	_ = g.Wait()
}

// ConnectionCount is every carrier currently owned by the pool.
func (p *Pool) ConnectionCount() int {
	n := 0
	p.carriers.Range(func(*carrier.Carrier, struct{}) bool {
		n++
		return true
	})
	return n
}

// IdleConnectionCount is the subset hosting no exchanges.
func (p *Pool) IdleConnectionCount() int {
	n := 0
	p.carriers.Range(func(c *carrier.Carrier, _ struct{}) bool {
		if c.ActiveCalls() == 0 {
			n++
		}
		return true
	})
	return n
}

// Close evicts everything and stops the background tasks.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.EvictAll()
	})
}

func (p *Pool) removeCarrier(c *carrier.Carrier) {
	if _, loaded := p.carriers.LoadAndDelete(c); loaded {
		c.Close()
		p.listener.ConnectionClosed(c)
		p.kickPolicies()
	}
}

// ---- cleanup task ---------------------------------------------------

func (p *Pool) scheduleCleanup() {
	p.cleanupMu.Lock()
	if p.cleanupRunning {
		p.cleanupMu.Unlock()
		select {
		case p.cleanupKick <- struct{}{}:
		default:
		}
		return
	}
	p.cleanupRunning = true
	p.cleanupMu.Unlock()
	go p.cleanupLoop()
}

func (p *Pool) cleanupLoop() {
	for {
		delay := p.cleanupPass(time.Now())
		if delay < 0 {
			p.cleanupMu.Lock()
			// Re-check under the lock so a Put racing our exit still
			// gets a cleanup task.
			if p.ConnectionCount() == 0 {
				p.cleanupRunning = false
				p.cleanupMu.Unlock()
				return
			}
			p.cleanupMu.Unlock()
			delay = p.keepAlive
		}

		timer := time.NewTimer(delay)
		select {
		case <-p.done:
			timer.Stop()
			p.cleanupMu.Lock()
			p.cleanupRunning = false
			p.cleanupMu.Unlock()
			return
		case <-p.cleanupKick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// cleanupPass classifies carriers and evicts at most the single
// longest-idle evictable one. The returned delay is when the next pass
// is due; negative means nothing remains to watch.
func (p *Pool) cleanupPass(now time.Time) time.Duration {
	var (
		inUse        int
		idleCount    int
		longestIdle  time.Duration
		longestIdleC *carrier.Carrier
	)

	retained := p.policyRetainedCarriers()

	p.carriers.Range(func(c *carrier.Carrier, _ struct{}) bool {
		if c.ActiveCalls() > 0 {
			inUse++
			return true
		}
		if _, keep := retained[c]; keep {
			return true
		}
		idleCount++
		if idle := now.Sub(c.IdleSince()); idle > longestIdle {
			longestIdle = idle
			longestIdleC = c
		}
		return true
	})

	switch {
	case longestIdleC != nil && (longestIdle >= p.keepAlive || idleCount > p.maxIdle):
		longestIdleC.NoNewExchanges()
		p.listener.NoNewExchanges(longestIdleC)
		p.removeCarrier(longestIdleC)
		return 0
	case longestIdleC != nil:
		return p.keepAlive - longestIdle
	case inUse > 0 || len(retained) > 0:
		return p.keepAlive
	default:
		return -1
	}
}

// policyRetainedCarriers picks the idle carriers each address policy is
// entitled to keep warm: one multiplexed carrier, or up to the policy's
// minimum of serial ones.
func (p *Pool) policyRetainedCarriers() map[*carrier.Carrier]struct{} {
	retained := make(map[*carrier.Carrier]struct{})
	p.policies.Range(func(_ string, ps *policyState) bool {
		kept := 0
		p.carriers.Range(func(c *carrier.Carrier, _ struct{}) bool {
			if c.IsRetired() || !addressMatches(ps.addr, c) {
				return true
			}
			if c.IsMultiplexed() {
				retained[c] = struct{}{}
				kept = ps.policy.MinimumConcurrentCalls
				return false
			}
			if kept < ps.policy.MinimumConcurrentCalls {
				retained[c] = struct{}{}
				kept++
			}
			return kept < ps.policy.MinimumConcurrentCalls
		})
		return true
	})
	return retained
}

func addressMatches(addr *domain.Address, c *carrier.Carrier) bool {
	other := c.Route().Address
	return addr.Host == other.Host && addr.EqualNonHost(other)
}
