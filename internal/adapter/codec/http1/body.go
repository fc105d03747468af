package http1

import (
	"io"

	"github.com/thushan/porter/internal/core/domain"
)

// Request body sinks. Both flush through the codec's buffered writer;
// Close validates that the promised length was honoured.

type fixedSink struct {
	codec     *Codec
	remaining int64
	closed    bool
}

func (s *fixedSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if int64(len(p)) > s.remaining {
		return 0, &domain.ProtocolError{Reason: "request body longer than declared Content-Length"}
	}
	n, err := s.codec.bw.Write(p)
	s.remaining -= int64(n)
	return n, err
}

func (s *fixedSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.remaining > 0 {
		return &domain.ProtocolError{Reason: "request body shorter than declared Content-Length"}
	}
	return nil
}

type chunkedSink struct {
	codec  *Codec
	w      io.WriteCloser
	closed bool
}

func (s *chunkedSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.w.Write(p)
}

func (s *chunkedSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	// Terminating zero-length chunk, then the trailer-less blank line.
	if err := s.w.Close(); err != nil {
		return err
	}
	_, err := s.codec.bw.WriteString("\r\n")
	return err
}

// Response body sources. Each marks the codec closed (reusable) when the
// body end is observed cleanly, or poisons the connection when it is not.

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

type fixedSource struct {
	codec     *Codec
	r         io.Reader
	remaining int64
	closed    bool
}

func (s *fixedSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if err := s.codec.applyReadDeadline(); err != nil {
		return 0, err
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	if s.remaining == 0 && err == nil {
		err = io.EOF
	}
	if err == io.EOF && s.remaining == 0 {
		s.codec.state = stateClosed
	} else if err != nil {
		s.codec.poisonConnection()
	}
	return n, err
}

func (s *fixedSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.remaining > 0 {
		// Unread bytes would bleed into the next exchange.
		s.codec.poisonConnection()
	}
	return nil
}

type chunkedSource struct {
	codec  *Codec
	r      io.Reader
	closed bool
	done   bool
}

func (s *chunkedSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if err := s.codec.applyReadDeadline(); err != nil {
		return 0, err
	}
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.done = true
		// The chunked reader stops before the final CRLF that closes the
		// trailer section; consume it so the connection is clean.
		s.codec.readTrailerSection()
		s.codec.state = stateClosed
	} else if err != nil {
		s.codec.poisonConnection()
	}
	return n, err
}

func (s *chunkedSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.done {
		s.codec.poisonConnection()
	}
	return nil
}

type untilEOFSource struct {
	codec  *Codec
	closed bool
}

func (s *untilEOFSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if err := s.codec.applyReadDeadline(); err != nil {
		return 0, err
	}
	n, err := s.codec.br.Read(p)
	if err == io.EOF {
		// The peer delimited the body by closing; the socket is spent
		// either way.
		s.codec.poisonConnection()
		s.codec.state = stateClosed
	}
	return n, err
}

func (s *untilEOFSource) Close() error {
	s.closed = true
	s.codec.poisonConnection()
	return nil
}
