package porter

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/connect"
	"github.com/thushan/porter/internal/adapter/dispatch"
	"github.com/thushan/porter/internal/adapter/exchange"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

// Call is one application request in flight. A call executes at most
// once, synchronously or queued; cancellation is idempotent and safe
// from any goroutine.
type Call struct {
	client  *Client
	request *Request
	events  ports.EventListener
	token   *carrier.CallToken

	mu        sync.Mutex
	executed  bool
	canceled  bool
	exchange  *exchange.Exchange
	planner   *connect.Planner
	cancelCtx context.CancelFunc
}

// Execute runs the call on the current goroutine and returns the
// response or the first unrecoverable failure. The response body must
// be closed to release the carrier.
func (c *Call) Execute() (*Response, error) {
	if err := c.markExecuted(); err != nil {
		return nil, err
	}
	c.client.dispatcher.ExecutedSync()
	defer c.client.dispatcher.FinishedSync()
	return c.run()
}

// Enqueue schedules the call on the dispatcher. Exactly one of the two
// callbacks fires.
func (c *Call) Enqueue(onResponse func(*Call, *Response), onFailure func(*Call, error)) {
	if err := c.markExecuted(); err != nil {
		onFailure(c, err)
		return
	}

	async := &dispatch.AsyncCall{Host: c.request.Host()}
	async.Run = func() {
		defer c.client.dispatcher.FinishedAsync(async)
		resp, err := c.run()
		if err != nil {
			onFailure(c, err)
			return
		}
		onResponse(c, resp)
	}
	async.Reject = func(err error) {
		onFailure(c, err)
	}
	c.client.dispatcher.Enqueue(async)
}

// Cancel aborts the call wherever it is: mid-connect it closes sockets,
// mid-exchange it kills the codec. Idempotent.
func (c *Call) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	ex := c.exchange
	cancelCtx := c.cancelCtx
	c.mu.Unlock()

	c.events.Canceled()
	if cancelCtx != nil {
		cancelCtx()
	}
	if ex != nil {
		ex.Cancel()
	}
}

func (c *Call) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (c *Call) IsExecuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

// Timeout reports the overall deadline budget for this call.
func (c *Call) Timeout() time.Duration {
	return c.client.opts.CallTimeout
}

func (c *Call) markExecuted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executed {
		return errors.New("call already executed")
	}
	c.executed = true
	return nil
}

// run performs the exchange with at most one retry on a refused stream,
// which the peer guarantees did no work.
func (c *Call) run() (*Response, error) {
	c.events.CallStart()

	ctx := context.Background()
	var cancel context.CancelFunc
	if t := c.client.opts.CallTimeout; t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.mu.Lock()
	c.cancelCtx = cancel
	c.mu.Unlock()

	if c.client.opts.CallTimeout > 0 {
		// The overall timeout cancels the call wherever it is; an
		// ordinary completion cancels the context first and the watcher
		// sees plain context.Canceled.
		go func() {
			<-ctx.Done()
			if ctx.Err() == context.DeadlineExceeded {
				c.Cancel()
			}
		}()
	}

	addr := c.client.addressFor(c.request)
	c.mu.Lock()
	c.planner = connect.NewPlanner(addr, c.client.connectOptions(c.events), c.client.pool, c.client.routeDB, c.token)
	c.mu.Unlock()

	resp, err := c.attempt(ctx, true)
	if err != nil {
		var reset *domain.StreamResetError
		if errors.As(err, &reset) && reset.Retryable() {
			resp, err = c.attempt(ctx, false)
		} else if errors.Is(err, domain.ErrConnectionShutdown) && c.client.opts.RetryOnConnectionFailure {
			resp, err = c.attempt(ctx, false)
		}
	}

	if err != nil {
		cancel()
		if c.IsCanceled() && !errors.Is(err, domain.ErrCanceled) {
			err = domain.ErrCanceled
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = domain.ErrCallTimeout
		}
		c.events.CallFailed(err)
		return nil, err
	}

	// The context must survive until the body is consumed; closing the
	// body ends the call.
	resp.Body = &callBody{Call: c, body: resp.Body, cancel: cancel}
	return resp, nil
}

// attempt runs one exchange. The first attempt may reuse a pooled
// carrier; a retry always builds or reuses a different one because the
// failed carrier retired itself.
func (c *Call) attempt(ctx context.Context, first bool) (*Response, error) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return nil, domain.ErrCanceled
	}
	if !first && !c.planner.HasNext() {
		// The first attempt consumed the route stream; a retry gets a
		// fresh pass over the same address.
		c.planner = connect.NewPlanner(c.planner.Address(), c.client.connectOptions(c.events), c.client.pool, c.client.routeDB, c.token)
	}
	ex := exchange.New(exchange.Deps{
		Pool:         c.client.pool,
		ConnectOpts:  c.client.connectOptions(c.events),
		Events:       c.events,
		Logger:       c.client.opts.Logger,
		FastFallback: c.client.opts.FastFallback,
		PoolEvents:   poolEvents{pool: c.client.pool},
	}, c.planner, c.token)
	c.exchange = ex
	c.mu.Unlock()

	if err := ex.FindCarrier(ctx); err != nil {
		ex.NoMoreExchanges()
		return nil, err
	}

	resp, err := ex.Run(c.request)
	if err != nil {
		ex.NoMoreExchanges()
		return nil, err
	}
	ex.NoMoreExchanges()
	return resp, nil
}

// callBody finishes the call when the response body is done.
type callBody struct {
	*Call
	body   io.ReadCloser
	cancel context.CancelFunc
	closed bool
}

func (b *callBody) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *callBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.body.Close()
	b.cancel()
	b.events.CallEnd()
	return err
}
