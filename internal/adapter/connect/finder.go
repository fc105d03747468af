package connect

import (
	"context"
	"time"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/core/domain"
)

// DefaultFallbackDelay is the stagger between parallel connect
// launches: long enough that a fast route wins outright, short enough
// that a blackholed first route barely shows in tail latency.
const DefaultFallbackDelay = 250 * time.Millisecond

// Finder races connect plans across routes and returns the first
// carrier that completes, fast-fallback style. With fallback disabled
// the race degenerates to sequential attempts.
type Finder struct {
	planner       *Planner
	pool          *pool.Pool
	fallbackDelay time.Duration
	poolEvents    carrier.Events
}

func NewFinder(planner *Planner, p *pool.Pool, fastFallback bool, poolEvents carrier.Events) *Finder {
	delay := time.Duration(-1)
	if fastFallback {
		delay = DefaultFallbackDelay
	}
	return &Finder{planner: planner, pool: p, fallbackDelay: delay, poolEvents: poolEvents}
}

// Find returns a started, pool-registered carrier with the planner's
// call token already attached, or the accumulated connect failure.
func (f *Finder) Find(ctx context.Context) (*carrier.Carrier, error) {
	results := make(chan Result)
	inFlight := make(map[*Plan]struct{})
	failure := &domain.RouteExhaustedError{}
	lastLaunch := time.Time{}

	cancelLosers := func(winner *Plan) {
		for p := range inFlight {
			if p != winner {
				p.Cancel()
			}
		}
	}

	defer func() {
		// Abandon anything still dialling; their goroutines drain into
		// the buffered-by-read channel below.
		cancelLosers(nil)
		for len(inFlight) > 0 {
			res := <-results
			delete(inFlight, res.Plan)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, domain.ErrCanceled
		}

		// Launch the next plan unless we are inside the stagger budget
		// with an attempt already in flight.
		budgetLeft := time.Duration(0)
		if len(inFlight) > 0 && f.fallbackDelay > 0 {
			budgetLeft = f.fallbackDelay - time.Since(lastLaunch)
		}

		if (len(inFlight) == 0 || budgetLeft <= 0 && f.fallbackDelay > 0) && f.planner.HasNext() {
			planned, err := f.planner.Plan(ctx)
			if err != nil {
				failure.Suppress(err)
				if len(inFlight) > 0 {
					// Siblings are still dialling; let them finish.
					res := <-results
					delete(inFlight, res.Plan)
					if c, done, herr := f.handle(ctx, res, failure); done {
						cancelLosers(res.Plan)
						return c, herr
					}
					continue
				}
				return nil, failure
			}

			if planned.IsReady() {
				cancelLosers(nil)
				return planned.Carrier(), nil
			}

			plan := planned.(*Plan)
			inFlight[plan] = struct{}{}
			lastLaunch = time.Now()
			go func() {
				results <- plan.ConnectTCP(ctx)
			}()
			continue
		}

		if len(inFlight) == 0 {
			if failure.First == nil {
				return nil, domain.ErrRoutesExhausted
			}
			return nil, failure
		}

		// Wait for a result, or for the stagger budget to lapse so the
		// next route can launch alongside the slow one.
		var res Result
		if budgetLeft > 0 && f.planner.HasNext() {
			timer := time.NewTimer(budgetLeft)
			select {
			case res = <-results:
				timer.Stop()
			case <-timer.C:
				continue
			case <-ctx.Done():
				timer.Stop()
				return nil, domain.ErrCanceled
			}
		} else {
			select {
			case res = <-results:
			case <-ctx.Done():
				return nil, domain.ErrCanceled
			}
		}

		delete(inFlight, res.Plan)
		if c, done, err := f.handle(ctx, res, failure); done {
			cancelLosers(res.Plan)
			return c, err
		}
	}
}

// handle folds one TCP result in. A winner proceeds to TLS on this
// goroutine; failures accumulate and may queue a follow-up plan.
func (f *Finder) handle(ctx context.Context, res Result, failure *domain.RouteExhaustedError) (*carrier.Carrier, bool, error) {
	if res.Err != nil {
		failure.Suppress(res.Err)
		f.planner.ReportFailure(res.Plan.Route())
		if res.NextPlan != nil {
			f.planner.Defer(res.NextPlan)
		}
		return nil, false, nil
	}

	tlsRes := res.Plan.ConnectTLSEtc(ctx)
	if tlsRes.Err != nil {
		failure.Suppress(tlsRes.Err)
		f.planner.ReportFailure(res.Plan.Route())
		if tlsRes.NextPlan != nil {
			f.planner.Defer(tlsRes.NextPlan)
		}
		return nil, false, nil
	}
	if tlsRes.NextPlan != nil {
		// Tunnel needs a fresh socket for its next auth attempt.
		f.planner.Defer(tlsRes.NextPlan)
		return nil, false, nil
	}

	c := res.Plan.Carrier()
	if err := c.Start(f.planner.opts.PingInterval, f.poolEvents); err != nil {
		failure.Suppress(err)
		f.planner.ReportFailure(res.Plan.Route())
		c.Close()
		return nil, false, nil
	}

	f.planner.ReportSuccess(res.Plan.Route())
	c.AttachCall(f.planner.token)
	f.pool.Put(c)
	return c, true, nil
}
