package http2

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/thushan/porter/internal/core/domain"
)

// Stream is one multiplexed request/response over a Conn. The reader
// goroutine feeds it under its own lock; the exchange blocks on the
// stream's condition variable for headers and data, and on the
// connection's flow-control condition for writes.
type Stream struct {
	id   uint32
	conn *Conn

	mu   sync.Mutex // guards everything below except sendWindow
	cond *sync.Cond // waits on mu; signalled by the reader

	// headerQueue holds received header blocks in arrival order: the
	// response headers first, then an optional trailer block.
	headerQueue []http.Header

	readBuf bytes.Buffer

	// unacked counts bytes delivered to readBuf but not yet returned to
	// the peer as WINDOW_UPDATE.
	unacked int64

	remoteClosed bool // peer sent END_STREAM
	localClosed  bool // we sent END_STREAM
	gotResponse  bool // a final (non-interim) header block was queued
	trailers     http.Header
	errored      error // terminal error: reset, conn teardown, cancel

	// sendWindow is guarded by conn.mu, not mu, together with the
	// connection window it is reserved against.
	sendWindow int64
}

func (s *Stream) ID() uint32 { return s.id }

// ReadHeaders blocks until a header block, END_STREAM, or a terminal
// error arrives.
func (s *Stream) ReadHeaders() (http.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.headerQueue) == 0 && s.errored == nil && !s.remoteClosed {
		s.cond.Wait()
	}
	if len(s.headerQueue) > 0 {
		h := s.headerQueue[0]
		s.headerQueue = s.headerQueue[1:]
		return h, nil
	}
	if s.errored != nil {
		return nil, s.errored
	}
	return nil, io.ErrUnexpectedEOF
}

// Read delivers response body bytes in frame arrival order. A
// WINDOW_UPDATE is returned to the peer once enough buffered bytes have
// been consumed.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for s.readBuf.Len() == 0 && s.errored == nil && !s.remoteClosed {
		s.cond.Wait()
	}
	if s.readBuf.Len() == 0 {
		err := s.errored
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	n, _ := s.readBuf.Read(p)
	s.unacked += int64(n)
	var ack int64
	if s.unacked >= defaultLocalStreamWindow/2 {
		ack = s.unacked
		s.unacked = 0
	}
	s.mu.Unlock()

	if ack > 0 {
		s.conn.writeWindowUpdate(s.id, uint32(ack))
	}
	return n, nil
}

// Write sends request body bytes as DATA frames, blocking while the
// stream and connection send windows are exhausted.
func (s *Stream) Write(p []byte) (int, error) {
	return s.conn.writeData(s, p, false)
}

// CloseWrite half-closes our side with an empty END_STREAM DATA frame.
func (s *Stream) CloseWrite() error {
	_, err := s.conn.writeData(s, nil, true)
	return err
}

// Trailers returns the trailing header block, if the peer sent one.
func (s *Stream) Trailers() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trailers == nil {
		return http.Header{}
	}
	return s.trailers
}

// Reset tears the stream down locally, sending RST_STREAM with the given
// code. Idempotent.
func (s *Stream) Reset(code domain.ErrorCode) {
	s.mu.Lock()
	if s.errored != nil {
		s.mu.Unlock()
		return
	}
	s.errored = &domain.StreamResetError{StreamID: s.id, Code: code}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.conn.forgetStream(s.id)
	s.conn.writeRSTStream(s.id, code)
}

// Err returns the stream's terminal error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// receiveHeaders is called by the connection's reader goroutine. Header
// blocks after the final response headers are the trailer section.
func (s *Stream) receiveHeaders(h http.Header, endStream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gotResponse {
		s.trailers = h
	} else {
		s.headerQueue = append(s.headerQueue, h)
		if status := h.Get(":status"); len(status) == 0 || status[0] != '1' {
			s.gotResponse = true
		}
	}
	if endStream {
		s.remoteClosed = true
	}
	s.cond.Broadcast()
}

func (s *Stream) receiveData(p []byte, endStream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readBuf.Write(p)
	if endStream {
		s.remoteClosed = true
	}
	s.cond.Broadcast()
}

func (s *Stream) receiveReset(code domain.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errored == nil {
		s.errored = &domain.StreamResetError{StreamID: s.id, Code: code}
	}
	s.cond.Broadcast()
}

// closeForError terminates the stream when the whole connection dies.
func (s *Stream) closeForError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errored == nil && !s.remoteClosed {
		s.errored = err
	}
	s.cond.Broadcast()
}

// finished reports whether both halves are done and the stream can leave
// the table.
func (s *Stream) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.remoteClosed && s.localClosed) || s.errored != nil
}
