// Package http2 implements the binary-framed multiplexed exchange codec
// and the connection engine behind it. Framing follows RFC 7540; header
// compression is HPACK via golang.org/x/net/http2/hpack.
package http2

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2/hpack"

	"github.com/thushan/porter/internal/core/domain"
)

// Codec binds one exchange to one stream of a shared Conn.
type Codec struct {
	conn *Conn

	mu       sync.Mutex
	stream   *Stream
	canceled bool
}

func NewExchangeCodec(conn *Conn) *Codec {
	return &Codec{conn: conn}
}

func (c *Codec) IsMultiplexed() bool { return true }

// Hop-by-hop headers never cross an HTTP/2 hop; the codec strips them
// silently the way intermediaries are required to.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"host":              true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func (c *Codec) WriteRequestHeaders(req *domain.Request) error {
	scheme := "https"
	if req.URL.Scheme != "" {
		scheme = req.URL.Scheme
	}

	fields := make([]hpack.HeaderField, 0, len(req.Header)+4)
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: req.Method},
		hpack.HeaderField{Name: ":path", Value: req.RequestLineTarget()},
		hpack.HeaderField{Name: ":authority", Value: req.URL.Host},
		hpack.HeaderField{Name: ":scheme", Value: scheme},
	)
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if hopByHopHeaders[lower] {
			continue
		}
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}

	stream, err := c.conn.OpenStream(fields, !req.HasBody())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stream = stream
	canceled := c.canceled
	c.mu.Unlock()

	if canceled {
		// Cancel raced the stream open; tear it down immediately.
		stream.Reset(domain.ErrCodeCancel)
		return domain.ErrCanceled
	}
	return nil
}

func (c *Codec) RequestBody(req *domain.Request) (io.WriteCloser, error) {
	s := c.currentStream()
	if s == nil {
		return nil, &domain.ProtocolError{Reason: "request body before request headers"}
	}
	return &streamBodySink{stream: s}, nil
}

func (c *Codec) FlushRequest() error {
	// DATA frames flush as they are written; nothing is buffered per
	// exchange.
	return nil
}

func (c *Codec) FinishRequest() error {
	return nil
}

func (c *Codec) ReadResponseHeaders(expectContinue bool) (*domain.Response, error) {
	s := c.currentStream()
	if s == nil {
		return nil, &domain.ProtocolError{Reason: "response read before request headers"}
	}

	for {
		header, err := s.ReadHeaders()
		if err != nil {
			return nil, err
		}

		status := header.Get(":status")
		code, convErr := strconv.Atoi(status)
		if convErr != nil {
			return nil, &domain.ProtocolError{Reason: "response missing :status"}
		}

		if code == http.StatusContinue && expectContinue {
			return nil, nil
		}
		if code >= 100 && code < 200 {
			continue
		}

		out := make(http.Header, len(header))
		for name, values := range header {
			if strings.HasPrefix(name, ":") || strings.EqualFold(name, ":status") {
				continue
			}
			out[http.CanonicalHeaderKey(name)] = values
		}
		return &domain.Response{
			Protocol: domain.ProtocolHTTP2,
			Code:     code,
			Status:   http.StatusText(code),
			Header:   out,
			Trailer:  func() http.Header { return s.Trailers() },
		}, nil
	}
}

func (c *Codec) ResponseBody(resp *domain.Response) (io.ReadCloser, error) {
	s := c.currentStream()
	if s == nil {
		return nil, &domain.ProtocolError{Reason: "response body before response headers"}
	}
	return &streamBodySource{stream: s}, nil
}

func (c *Codec) Trailers() (http.Header, error) {
	s := c.currentStream()
	if s == nil {
		return http.Header{}, nil
	}
	trailer := s.Trailers()
	out := make(http.Header, len(trailer))
	for name, values := range trailer {
		out[http.CanonicalHeaderKey(name)] = values
	}
	return out, nil
}

// Cancel resets the stream with CANCEL. Safe before the stream exists
// and on any goroutine.
func (c *Codec) Cancel() {
	c.mu.Lock()
	c.canceled = true
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		s.Reset(domain.ErrCodeCancel)
	}
}

func (c *Codec) currentStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

type streamBodySink struct {
	stream *Stream
	closed bool
}

func (w *streamBodySink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.stream.Write(p)
}

func (w *streamBodySink) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.stream.CloseWrite()
}

type streamBodySource struct {
	stream *Stream
	closed bool
}

func (r *streamBodySource) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	return r.stream.Read(p)
}

// Close abandons any unread remainder of the body. An incomplete stream
// is reset so the peer stops sending.
func (r *streamBodySource) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.stream.mu.Lock()
	done := r.stream.remoteClosed && r.stream.readBuf.Len() == 0
	r.stream.mu.Unlock()
	if !done {
		r.stream.Reset(domain.ErrCodeCancel)
	}
	return nil
}
