// Package codec defines the contract between an exchange and the wire
// protocol speaking on its behalf. One codec instance serves exactly one
// request/response pair; multiplexing, if any, lives behind it.
package codec

import (
	"io"
	"net/http"

	"github.com/thushan/porter/internal/core/domain"
)

// ExchangeCodec encodes one request and decodes its response.
//
// The call order is: WriteRequestHeaders, RequestBody (optional),
// FinishRequest, then ReadResponseHeaders until it yields a final
// response, then ResponseBody. Cancel may arrive on any goroutine at any
// point and must unblock in-flight reads and writes.
type ExchangeCodec interface {
	// WriteRequestHeaders emits the request line / HEADERS frame.
	WriteRequestHeaders(req *domain.Request) error

	// RequestBody returns the sink for the request body. The returned
	// writer applies the transfer encoding the codec chose.
	RequestBody(req *domain.Request) (io.WriteCloser, error)

	// FlushRequest pushes buffered request bytes to the carrier.
	FlushRequest() error

	// FinishRequest completes the request side, flushing any encoding
	// trailer (H1 chunked terminator, H2 END_STREAM).
	FinishRequest() error

	// ReadResponseHeaders blocks for the next response header block.
	// When expectContinue is set a 100 interim reply is reported as
	// (nil, nil) and the caller decides whether to proceed with the
	// body.
	ReadResponseHeaders(expectContinue bool) (*domain.Response, error)

	// ResponseBody returns the response body stream for a response
	// previously returned by ReadResponseHeaders.
	ResponseBody(resp *domain.Response) (io.ReadCloser, error)

	// Trailers returns trailing headers once the body has been fully
	// read. Empty for protocols or exchanges without trailers.
	Trailers() (http.Header, error)

	// IsMultiplexed reports whether the codec shares its carrier with
	// concurrent exchanges.
	IsMultiplexed() bool

	// Cancel tears the exchange down: H2 sends RST_STREAM(CANCEL), H1
	// kills the socket.
	Cancel()
}
