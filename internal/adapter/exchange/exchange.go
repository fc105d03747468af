// Package exchange glues one request/response pair to a carrier: find
// it, speak through its codec, and give it back in a reusable state —
// or poison it honestly when things went wrong.
package exchange

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/thushan/porter/internal/adapter/carrier"
	"github.com/thushan/porter/internal/adapter/codec"
	"github.com/thushan/porter/internal/adapter/connect"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	litepool "github.com/thushan/porter/pkg/pool"
)

// copyBuffers recycles the scratch space used to pump request bodies
// onto carriers.
var copyBuffers = litepool.NewLitePool(func() *[]byte {
	buf := make([]byte, 32*1024)
	return &buf
})

func pumpBody(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// Deps is everything an exchange borrows from the client.
type Deps struct {
	Pool         *pool.Pool
	ConnectOpts  *connect.Options
	Events       ports.EventListener
	Logger       logger.StyledLogger
	FastFallback bool
	PoolEvents   carrier.Events
}

// Exchange carries one request/response over one carrier. The call
// completes only when the request stream, the response stream, and the
// expectation of more exchanges are all closed.
type Exchange struct {
	deps    Deps
	planner *connect.Planner
	token   *carrier.CallToken

	mu                  sync.Mutex
	carrier             *carrier.Carrier
	codec               codec.ExchangeCodec
	requestBodyOpen     bool
	responseBodyOpen    bool
	expectMoreExchanges bool
	canceled            bool

	bodyBytesWritten int64
}

// New builds an exchange, reusing the call's planner so retries do not
// redo proxy selection or DNS.
func New(deps Deps, planner *connect.Planner, token *carrier.CallToken) *Exchange {
	return &Exchange{
		deps:                deps,
		planner:             planner,
		token:               token,
		expectMoreExchanges: true,
	}
}

// FindCarrier acquires a carrier: a healthy pooled one when available,
// otherwise whatever the fast-fallback race produces. The codec and
// both stream-open flags are set atomically with respect to Cancel.
func (e *Exchange) FindCarrier(ctx context.Context) error {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		return domain.ErrCanceled
	}
	e.mu.Unlock()

	addr := e.planner.Address()
	c := e.deps.Pool.Acquire(addr, nil, false, true, e.token)
	if c == nil {
		finder := connect.NewFinder(e.planner, e.deps.Pool, e.deps.FastFallback, e.deps.PoolEvents)
		found, err := finder.Find(ctx)
		if err != nil {
			return err
		}
		c = found
	}
	e.deps.Events.ConnectionAcquired(c)

	cd := c.NewCodec(e.deps.ConnectOpts.ReadTimeout, e.deps.ConnectOpts.WriteTimeout)

	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		e.releaseCarrierToken(c)
		return domain.ErrCanceled
	}
	e.carrier = c
	e.codec = cd
	e.requestBodyOpen = true
	e.responseBodyOpen = true
	e.mu.Unlock()
	return nil
}

func (e *Exchange) Carrier() *carrier.Carrier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.carrier
}

// Run drives the whole exchange: headers, the 100-continue dance when
// the request asks for it, the body (concurrently for duplex requests),
// and finally the response.
func (e *Exchange) Run(req *domain.Request) (*domain.Response, error) {
	cd := e.currentCodec()
	if cd == nil {
		return nil, domain.ErrCanceled
	}

	e.deps.Events.RequestHeadersStart()
	if err := cd.WriteRequestHeaders(req); err != nil {
		return nil, e.failed(err)
	}
	e.deps.Events.RequestHeadersEnd()

	if !req.HasBody() {
		if err := cd.FinishRequest(); err != nil {
			return nil, e.failed(err)
		}
		e.messageDone(true, false, nil)
		return e.ReadResponse(false)
	}

	if expectsContinue(req) {
		if err := cd.FlushRequest(); err != nil {
			return nil, e.failed(err)
		}
		resp, err := e.ReadResponse(true)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			// The server answered without the body. The promised bytes
			// were never sent, so this carrier must not be reused.
			if c := e.Carrier(); c != nil {
				c.NoNewExchanges()
			}
			e.messageDone(true, false, nil)
			return resp, nil
		}
	}

	sink, err := cd.RequestBody(req)
	if err != nil {
		return nil, e.failed(err)
	}
	wrapped := &requestBodySink{exchange: e, sink: sink}

	if req.Duplex {
		// Stream the body while the response is read; the response may
		// well complete first.
		go func() {
			e.deps.Events.RequestBodyStart()
			n, cerr := pumpBody(wrapped, req.Body)
			if cerr != nil {
				_ = e.failed(cerr)
				return
			}
			if cerr := wrapped.Close(); cerr != nil {
				return
			}
			e.deps.Events.RequestBodyEnd(n)
		}()
		return e.ReadResponse(false)
	}

	e.deps.Events.RequestBodyStart()
	n, err := pumpBody(wrapped, req.Body)
	if err != nil {
		return nil, e.failed(err)
	}
	e.bodyBytesWritten = n
	if err := wrapped.Close(); err != nil {
		return nil, err
	}
	e.deps.Events.RequestBodyEnd(n)
	if err := cd.FinishRequest(); err != nil {
		return nil, e.failed(err)
	}
	return e.ReadResponse(false)
}

func expectsContinue(req *domain.Request) bool {
	for _, v := range req.Header.Values("Expect") {
		if strings.EqualFold(v, "100-continue") {
			return true
		}
	}
	return false
}

// ReadResponse blocks for the final response headers and arms the body
// stream. Closing or exhausting the body releases the carrier.
func (e *Exchange) ReadResponse(expectContinue bool) (*domain.Response, error) {
	cd := e.currentCodec()
	if cd == nil {
		return nil, domain.ErrCanceled
	}

	e.deps.Events.ResponseHeadersStart()
	resp, err := cd.ReadResponseHeaders(expectContinue)
	if err != nil {
		return nil, e.failed(err)
	}
	if resp == nil {
		// 100-continue interim: the caller proceeds with the body.
		return nil, nil
	}
	e.deps.Events.ResponseHeadersEnd(resp.Code)

	body, err := cd.ResponseBody(resp)
	if err != nil {
		return nil, e.failed(err)
	}
	if hs := e.carrierHandshake(); hs != nil {
		resp.Handshake = hs
	}
	e.deps.Events.ResponseBodyStart()
	resp.Body = &responseBodySource{exchange: e, body: body}
	return resp, nil
}

func (e *Exchange) carrierHandshake() *domain.Handshake {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.carrier == nil {
		return nil
	}
	return e.carrier.Handshake()
}

// Cancel is idempotent and safe from any goroutine: it kills the codec
// (H2 RST_STREAM, H1 socket close) and poisons any future FindCarrier.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	cd := e.codec
	e.mu.Unlock()

	if cd != nil {
		cd.Cancel()
	}
}

func (e *Exchange) IsCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

// NoMoreExchanges declares the call will not reuse this exchange slot.
// When both streams are already done this completes the exchange.
func (e *Exchange) NoMoreExchanges() {
	e.mu.Lock()
	e.expectMoreExchanges = false
	var c *carrier.Carrier
	if !e.requestBodyOpen && !e.responseBodyOpen {
		c = e.carrier
		e.carrier = nil
	}
	e.mu.Unlock()

	if c != nil {
		e.releaseCarrierToken(c)
	}
}

// messageDone clears stream flags; when request and response are both
// complete the carrier's success count grows and the call releases it.
func (e *Exchange) messageDone(requestDone, responseDone bool, err error) {
	e.mu.Lock()
	if requestDone {
		e.requestBodyOpen = false
	}
	if responseDone {
		e.responseBodyOpen = false
	}
	bothDone := !e.requestBodyOpen && !e.responseBodyOpen
	c := e.carrier
	if bothDone {
		e.carrier = nil
	}
	e.mu.Unlock()

	if !bothDone || c == nil {
		return
	}

	if err == nil {
		c.CountSuccess()
	}
	if h1, ok := e.currentCodecAs(); ok && !h1.CanReuseConnection() {
		c.NoNewExchanges()
	}
	e.releaseCarrierToken(c)
}

// currentCodecAs reports the H1 codec when this exchange runs over one.
func (e *Exchange) currentCodecAs() (interface{ CanReuseConnection() bool }, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h1, ok := e.codec.(interface{ CanReuseConnection() bool })
	return h1, ok
}

// failed marks the carrier per the error taxonomy and surfaces err.
func (e *Exchange) failed(err error) error {
	e.mu.Lock()
	c := e.carrier
	canceled := e.canceled
	e.mu.Unlock()

	if canceled {
		err = domain.ErrCanceled
	}
	if c != nil {
		c.TrackFailure(err)
	}
	e.messageDone(true, true, err)
	return err
}

func (e *Exchange) releaseCarrierToken(c *carrier.Carrier) {
	becameIdle := c.ReleaseCall(e.token)
	e.deps.Events.ConnectionReleased(c)
	if becameIdle && e.deps.Pool.ConnectionBecameIdle(c) {
		c.Close()
	}
}

func (e *Exchange) currentCodec() codec.ExchangeCodec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codec
}

// requestBodySink counts bytes and completes the request stream on
// close.
type requestBodySink struct {
	exchange *Exchange
	sink     io.WriteCloser
	closed   bool
	written  int64
}

func (s *requestBodySink) Write(p []byte) (int, error) {
	n, err := s.sink.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, s.exchange.failed(err)
	}
	return n, nil
}

func (s *requestBodySink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.sink.Close(); err != nil {
		return s.exchange.failed(err)
	}
	s.exchange.messageDone(true, false, nil)
	return nil
}

// responseBodySource completes the response stream at EOF or close.
type responseBodySource struct {
	exchange *Exchange
	body     io.ReadCloser
	closed   bool
	read     int64
	done     bool
}

func (s *responseBodySource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := s.body.Read(p)
	s.read += int64(n)
	switch {
	case err == io.EOF:
		s.done = true
		s.exchange.deps.Events.ResponseBodyEnd(s.read)
		s.exchange.messageDone(false, true, nil)
	case err != nil:
		return n, s.exchange.failed(err)
	}
	return n, err
}

func (s *responseBodySource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	if !s.done {
		s.exchange.deps.Events.ResponseBodyEnd(s.read)
		s.exchange.messageDone(false, true, nil)
	}
	return err
}

