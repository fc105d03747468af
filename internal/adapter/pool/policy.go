package pool

import (
	"context"
	"time"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/util"
)

// SetPolicy upserts the warm-capacity policy for an address and makes
// sure a replenishment task is watching it.
func (p *Pool) SetPolicy(addr *domain.Address, policy domain.AddressPolicy) {
	key := addr.String()
	ps, _ := p.policies.LoadOrStore(key, &policyState{
		addr:   addr,
		rekick: make(chan struct{}, 1),
	})
	ps.mu.Lock()
	ps.addr = addr
	ps.policy = policy
	start := !ps.running
	if start {
		ps.running = true
	}
	ps.mu.Unlock()

	if start {
		go p.replenishLoop(ps)
	} else {
		ps.kick()
	}
}

// kickPolicies re-evaluates every policy after pool membership changed.
func (p *Pool) kickPolicies() {
	p.policies.Range(func(_ string, ps *policyState) bool {
		ps.kick()
		return true
	})
}

func (ps *policyState) kick() {
	select {
	case ps.rekick <- struct{}{}:
	default:
	}
}

// replenishLoop keeps an address at its policy minimum. It connects one
// carrier per pass so demand discovered mid-connect is not double
// counted, and backs off with jitter after failures.
func (p *Pool) replenishLoop(ps *policyState) {
	for {
		ps.mu.Lock()
		policy := ps.policy
		addr := ps.addr
		ps.mu.Unlock()

		var delay time.Duration
		switch {
		case p.warmConnector == nil:
			// No connector wired; nothing this task can do until the
			// client restarts it via SetPolicy.
			ps.mu.Lock()
			ps.running = false
			ps.mu.Unlock()
			return
		case p.satisfiesPolicy(addr, policy):
			ps.mu.Lock()
			ps.failures = 0
			ps.mu.Unlock()
			delay = 0 // wait for a kick
		default:
			err := p.warmConnector(context.Background(), addr)
			if err == nil {
				continue
			}
			ps.mu.Lock()
			ps.failures++
			ps.mu.Unlock()
			p.log.Debug("warm connect failed", "address", addr.String(), "err", err)
			delay = util.JitteredDelay(policy.BackoffDelay, policy.BackoffJitter)
		}

		if delay == 0 {
			select {
			case <-p.done:
				return
			case <-ps.rekick:
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-ps.rekick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// satisfiesPolicy reports whether the pool already holds enough eligible
// capacity for the address: a multiplexed carrier ends the question,
// otherwise the carrier count must reach the policy minimum.
func (p *Pool) satisfiesPolicy(addr *domain.Address, policy domain.AddressPolicy) bool {
	count := 0
	multiplexed := false
	p.carriers.Range(func(c *carrier.Carrier, _ struct{}) bool {
		if c.IsRetired() || !addressMatches(addr, c) {
			return true
		}
		if c.IsMultiplexed() {
			multiplexed = true
			return false
		}
		count++
		return true
	})
	return multiplexed || count >= policy.MinimumConcurrentCalls
}
