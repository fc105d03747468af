// Package http1 implements the CRLF-delimited HTTP/1.1 exchange codec.
// One carrier hosts one exchange at a time; the codec owns the carrier's
// buffered reader and writer for the duration of the exchange.
package http1

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/thushan/porter/internal/core/domain"
)

const (
	stateIdle = iota
	stateOpenRequestBody
	stateReadResponseHeaders
	stateOpenResponseBody
	stateClosed
)

const noBodyLength = -1

// Codec drives one HTTP/1.1 exchange over an established socket. It is
// not safe for concurrent use except for Cancel.
type Codec struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	state    int
	canceled atomic.Bool
	poisoned bool

	// trailer captured by the chunked body reader once the terminating
	// chunk arrives.
	trailer http.Header

	writeTimeout time.Duration
	readTimeout  time.Duration
}

func NewCodec(conn net.Conn, br *bufio.Reader, bw *bufio.Writer) *Codec {
	return &Codec{conn: conn, br: br, bw: bw}
}

// SetTimeouts applies per-phase socket deadlines. Zero disables.
func (c *Codec) SetTimeouts(read, write time.Duration) {
	c.readTimeout = read
	c.writeTimeout = write
}

func (c *Codec) IsMultiplexed() bool { return false }

func (c *Codec) WriteRequestHeaders(req *domain.Request) error {
	if c.state != stateIdle {
		return &domain.ProtocolError{Reason: fmt.Sprintf("unexpected codec state %d", c.state)}
	}
	if err := c.applyWriteDeadline(); err != nil {
		return err
	}

	target := req.RequestLineTarget()
	if req.Method == http.MethodConnect {
		target = req.URL.Host
	}
	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, target); err != nil {
		return err
	}
	if err := writeHeaders(c.bw, req); err != nil {
		return err
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return err
	}
	c.state = stateOpenRequestBody
	return nil
}

func (c *Codec) RequestBody(req *domain.Request) (io.WriteCloser, error) {
	if c.state != stateOpenRequestBody {
		return nil, &domain.ProtocolError{Reason: fmt.Sprintf("unexpected codec state %d", c.state)}
	}
	if req.Duplex {
		return nil, &domain.ProtocolError{Reason: "duplex request bodies require HTTP/2"}
	}
	if isChunked(req) {
		return &chunkedSink{codec: c, w: httputil.NewChunkedWriter(c.bw)}, nil
	}
	if req.ContentLength >= 0 {
		return &fixedSink{codec: c, remaining: req.ContentLength}, nil
	}
	return nil, &domain.ProtocolError{Reason: "request body needs a length or chunked encoding"}
}

func (c *Codec) FlushRequest() error {
	return c.bw.Flush()
}

func (c *Codec) FinishRequest() error {
	c.state = stateReadResponseHeaders
	return c.bw.Flush()
}

func (c *Codec) ReadResponseHeaders(expectContinue bool) (*domain.Response, error) {
	if c.state != stateReadResponseHeaders && c.state != stateOpenRequestBody {
		return nil, &domain.ProtocolError{Reason: fmt.Sprintf("unexpected codec state %d", c.state)}
	}
	if err := c.applyReadDeadline(); err != nil {
		return nil, err
	}

	code, status, header, err := readResponseHead(c.br)
	if err != nil {
		return nil, err
	}

	switch {
	case code == http.StatusContinue && expectContinue:
		// Interim reply to Expect: 100-continue. The caller resumes the
		// request body; the final response follows.
		return nil, nil
	case code >= 100 && code < 200:
		// Other informational responses are consumed silently.
		return c.ReadResponseHeaders(expectContinue)
	}

	c.state = stateOpenResponseBody
	return &domain.Response{
		Protocol: domain.ProtocolHTTP11,
		Code:     code,
		Status:   status,
		Header:   header,
		Trailer:  func() http.Header { return c.trailer },
	}, nil
}

func (c *Codec) ResponseBody(resp *domain.Response) (io.ReadCloser, error) {
	if c.state != stateOpenResponseBody {
		return nil, &domain.ProtocolError{Reason: fmt.Sprintf("unexpected codec state %d", c.state)}
	}

	length := responseBodyLength(resp)
	switch {
	case length == 0:
		c.state = stateClosed
		return emptyBody{}, nil
	case isChunkedResponse(resp):
		return &chunkedSource{codec: c, r: httputil.NewChunkedReader(c.br)}, nil
	case length > 0:
		return &fixedSource{codec: c, r: io.LimitReader(c.br, length), remaining: length}, nil
	default:
		// Length unknown: body runs until the peer closes. The socket
		// is spent afterwards, which CanReuseConnection reports.
		return &untilEOFSource{codec: c}, nil
	}
}

func (c *Codec) Trailers() (http.Header, error) {
	if c.trailer == nil {
		return http.Header{}, nil
	}
	return c.trailer, nil
}

// Cancel closes the socket out from under any blocked read or write.
func (c *Codec) Cancel() {
	if c.canceled.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}

func (c *Codec) IsCanceled() bool {
	return c.canceled.Load()
}

// CanReuseConnection reports whether the socket is clean for another
// exchange: the body ended at a known boundary and nothing poisoned the
// stream.
func (c *Codec) CanReuseConnection() bool {
	return c.state == stateClosed && !c.poisoned && !c.canceled.Load()
}

// poisonConnection marks the socket as unusable for further exchanges:
// an until-EOF body, an abandoned body, or a mid-body error.
func (c *Codec) poisonConnection() {
	c.poisoned = true
}

// readTrailerSection consumes the optional trailer headers and the blank
// line that terminate a chunked body.
func (c *Codec) readTrailerSection() {
	tp := textproto.NewReader(c.br)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		c.poisonConnection()
		return
	}
	if len(mimeHeader) > 0 {
		c.trailer = http.Header(mimeHeader)
	}
}

func (c *Codec) applyReadDeadline() error {
	if c.readTimeout <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
}

func (c *Codec) applyWriteDeadline() error {
	if c.writeTimeout <= 0 {
		return c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
}

func writeHeaders(w *bufio.Writer, req *domain.Request) error {
	if req.Header.Get("Host") == "" {
		if _, err := fmt.Fprintf(w, "Host: %s\r\n", req.URL.Host); err != nil {
			return err
		}
	}
	if req.HasBody() && req.Header.Get("Content-Length") == "" && req.Header.Get("Transfer-Encoding") == "" {
		if req.ContentLength >= 0 {
			if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n", req.ContentLength); err != nil {
				return err
			}
		} else {
			if _, err := w.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
				return err
			}
		}
	}
	for name, values := range req.Header {
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func isChunked(req *domain.Request) bool {
	if strings.EqualFold(req.Header.Get("Transfer-Encoding"), "chunked") {
		return true
	}
	return req.ContentLength == noBodyLength
}

func isChunkedResponse(resp *domain.Response) bool {
	return strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked")
}

func responseBodyLength(resp *domain.Response) int64 {
	if resp.Code == http.StatusNoContent || resp.Code == http.StatusNotModified ||
		(resp.Code >= 100 && resp.Code < 200) {
		return 0
	}
	if isChunkedResponse(resp) {
		return noBodyLength
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return noBodyLength
}

func readResponseHead(br *bufio.Reader) (int, string, http.Header, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return 0, "", nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, "", nil, &domain.ProtocolError{Reason: "malformed status line: " + line}
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return 0, "", nil, &domain.ProtocolError{Reason: "malformed status code: " + line}
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return 0, "", nil, err
	}
	return code, reason, http.Header(mimeHeader), nil
}
