package http1

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/core/domain"
)

// scriptConn serves pre-recorded bytes on read and captures writes. It
// satisfies net.Conn so the codec's deadline plumbing is exercised.
type scriptConn struct {
	read  *bytes.Reader
	wrote bytes.Buffer
}

func newScriptConn(response string) *scriptConn {
	return &scriptConn{read: bytes.NewReader([]byte(response))}
}

func (c *scriptConn) Read(p []byte) (int, error)         { return c.read.Read(p) }
func (c *scriptConn) Write(p []byte) (int, error)        { return c.wrote.Write(p) }
func (c *scriptConn) Close() error                       { return nil }
func (c *scriptConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *scriptConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *scriptConn) SetDeadline(time.Time) error        { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error    { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error   { return nil }

func newTestCodec(response string) (*Codec, *scriptConn) {
	conn := newScriptConn(response)
	return NewCodec(conn, bufio.NewReader(conn), bufio.NewWriter(conn)), conn
}

func getRequest(target string) *domain.Request {
	u, _ := url.Parse(target)
	return &domain.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{},
	}
}

func TestWriteRequestHeaders(t *testing.T) {
	codec, conn := newTestCodec("")
	req := getRequest("https://h.example/path?q=1")
	req.Header.Set("Accept", "text/plain")

	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FinishRequest())

	wire := conn.wrote.String()
	assert.True(t, strings.HasPrefix(wire, "GET /path?q=1 HTTP/1.1\r\n"), wire)
	assert.Contains(t, wire, "Host: h.example\r\n")
	assert.Contains(t, wire, "Accept: text/plain\r\n")
	assert.True(t, strings.HasSuffix(wire, "\r\n\r\n"))
}

func TestReadFixedLengthResponse(t *testing.T) {
	codec, _ := newTestCodec("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	req := getRequest("http://h.example/")
	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FinishRequest())

	resp, err := codec.ReadResponseHeaders(false)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, "OK", resp.Status)

	body, err := codec.ResponseBody(resp)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, body.Close())

	assert.True(t, codec.CanReuseConnection())
}

func TestReadChunkedResponseWithTrailers(t *testing.T) {
	codec, _ := newTestCodec("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n" +
		"X-Checksum: abc\r\n\r\n")
	req := getRequest("http://h.example/")
	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FinishRequest())

	resp, err := codec.ReadResponseHeaders(false)
	require.NoError(t, err)

	body, err := codec.ResponseBody(resp)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	trailers, err := codec.Trailers()
	require.NoError(t, err)
	assert.Equal(t, "abc", trailers.Get("X-Checksum"))
	assert.True(t, codec.CanReuseConnection())
}

func TestChunkedRequestBody(t *testing.T) {
	codec, conn := newTestCodec("")
	req := getRequest("http://h.example/upload")
	req.Method = http.MethodPost
	req.Body = strings.NewReader("payload")
	req.ContentLength = -1

	require.NoError(t, codec.WriteRequestHeaders(req))
	sink, err := codec.RequestBody(req)
	require.NoError(t, err)
	_, err = io.Copy(sink, strings.NewReader("payload"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, codec.FinishRequest())

	wire := conn.wrote.String()
	assert.Contains(t, wire, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, wire, "7\r\npayload\r\n")
	assert.Contains(t, wire, "0\r\n\r\n")
}

func TestContentLengthMismatchRejected(t *testing.T) {
	codec, _ := newTestCodec("")
	req := getRequest("http://h.example/upload")
	req.Method = http.MethodPost
	req.Body = strings.NewReader("four")
	req.ContentLength = 4

	require.NoError(t, codec.WriteRequestHeaders(req))
	sink, err := codec.RequestBody(req)
	require.NoError(t, err)

	_, err = sink.Write([]byte("too many bytes"))
	assert.Error(t, err)
}

func TestInterimResponsesAreSkipped(t *testing.T) {
	codec, _ := newTestCodec("HTTP/1.1 102 Processing\r\n\r\n" +
		"HTTP/1.1 204 No Content\r\n\r\n")
	req := getRequest("http://h.example/")
	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FinishRequest())

	resp, err := codec.ReadResponseHeaders(false)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Code)

	body, err := codec.ResponseBody(resp)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestExpectContinueInterim(t *testing.T) {
	codec, _ := newTestCodec("HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	req := getRequest("http://h.example/upload")
	req.Method = http.MethodPost
	req.Body = strings.NewReader("x")
	req.ContentLength = 1
	req.Header.Set("Expect", "100-continue")

	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FlushRequest())

	resp, err := codec.ReadResponseHeaders(true)
	require.NoError(t, err)
	assert.Nil(t, resp, "interim 100 should be reported as nil")

	sink, err := codec.RequestBody(req)
	require.NoError(t, err)
	_, err = sink.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, codec.FinishRequest())

	resp, err = codec.ReadResponseHeaders(false)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
}

func TestAbandonedBodyPoisonsConnection(t *testing.T) {
	codec, _ := newTestCodec("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789")
	req := getRequest("http://h.example/")
	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FinishRequest())

	resp, err := codec.ReadResponseHeaders(false)
	require.NoError(t, err)
	body, err := codec.ResponseBody(resp)
	require.NoError(t, err)

	// Read some but not all, then walk away.
	buf := make([]byte, 4)
	_, err = body.Read(buf)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	assert.False(t, codec.CanReuseConnection())
}

func TestMalformedStatusLine(t *testing.T) {
	codec, _ := newTestCodec("garbage and nonsense\r\n\r\n")
	req := getRequest("http://h.example/")
	require.NoError(t, codec.WriteRequestHeaders(req))
	require.NoError(t, codec.FinishRequest())

	_, err := codec.ReadResponseHeaders(false)
	assert.Error(t, err)
}
