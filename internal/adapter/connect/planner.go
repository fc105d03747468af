package connect

import (
	"context"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/route"
	"github.com/thushan/porter/internal/core/domain"
)

// PlannedConnect is what the finder drives: either a carrier already
// sitting in the pool, or a plan that still has to dial.
type PlannedConnect interface {
	// IsReady means Carrier can be used without connecting.
	IsReady() bool
	Carrier() *carrier.Carrier
}

type pooledPlan struct {
	c *carrier.Carrier
}

func (p pooledPlan) IsReady() bool              { return true }
func (p pooledPlan) Carrier() *carrier.Carrier  { return p.c }

func (p *Plan) IsReady() bool { return false }

// Planner sequences connect attempts for one call: pool reuse first,
// deferred fallback plans next, fresh routes last.
type Planner struct {
	addr  *domain.Address
	opts  *Options
	pool  *pool.Pool
	db    *route.Database
	token *carrier.CallToken

	selector *route.Selector

	// knownRoutes feeds the pool's coalescing check: every route this
	// planner has produced so far.
	knownRoutes []domain.Route

	// deferred plans jump the queue: a TLS fallback or tunnel retry on
	// a route we already reached beats a cold dial.
	deferred []*Plan

	batch     []domain.Route
	nextRoute int
}

func NewPlanner(addr *domain.Address, opts *Options, p *pool.Pool, db *route.Database, token *carrier.CallToken) *Planner {
	return &Planner{
		addr:     addr,
		opts:     opts,
		pool:     p,
		db:       db,
		token:    token,
		selector: route.NewSelector(addr, db, opts.Events),
	}
}

func (pl *Planner) Address() *domain.Address { return pl.addr }

// Plan produces the next attempt, or ErrRoutesExhausted.
func (pl *Planner) Plan(ctx context.Context) (PlannedConnect, error) {
	// A reusable carrier beats any dialling. Coalescing is allowed once
	// routes are known.
	if c := pl.pool.Acquire(pl.addr, pl.knownRoutes, false, false, pl.token); c != nil {
		return pooledPlan{c: c}, nil
	}

	if len(pl.deferred) > 0 {
		p := pl.deferred[0]
		pl.deferred = pl.deferred[1:]
		return p, nil
	}

	r, err := pl.nextRouteToTry(ctx)
	if err != nil {
		return nil, err
	}
	return newPlan(r, pl.opts), nil
}

func (pl *Planner) nextRouteToTry(ctx context.Context) (domain.Route, error) {
	for pl.nextRoute >= len(pl.batch) {
		if !pl.selector.HasNext() {
			return domain.Route{}, domain.ErrRoutesExhausted
		}
		batch, err := pl.selector.Next(ctx)
		if err != nil {
			return domain.Route{}, err
		}
		pl.batch = batch
		pl.nextRoute = 0
		pl.knownRoutes = append(pl.knownRoutes, batch...)
	}

	r := pl.batch[pl.nextRoute]
	pl.nextRoute++
	return r, nil
}

// Defer pushes a follow-up plan to the front of the queue so it is
// tried before any fresh route.
func (pl *Planner) Defer(p *Plan) {
	pl.deferred = append([]*Plan{p}, pl.deferred...)
}

// HasNext reports whether Plan can produce anything else. Monotone
// except that Defer re-enables it.
func (pl *Planner) HasNext() bool {
	return len(pl.deferred) > 0 || pl.nextRoute < len(pl.batch) || pl.selector.HasNext()
}

// ReportSuccess clears the route-database memory for a route that
// connected.
func (pl *Planner) ReportSuccess(r domain.Route) {
	pl.db.Connected(r)
}

// ReportFailure records a route that refused us.
func (pl *Planner) ReportFailure(r domain.Route) {
	pl.db.Failed(r)
}
