package http2

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net/http"

	"golang.org/x/net/http2/hpack"

	"github.com/thushan/porter/internal/core/domain"
)

// frameReader is the connection's single consumer goroutine. Frames are
// processed strictly in arrival order; payloads are dispatched to
// streams under their own locks so one slow stream cannot stall frame
// parsing for its siblings.
type frameReader struct {
	conn *Conn
	br   *bufio.Reader
	hdec *hpack.Decoder

	headerBuf [frameHeaderLen]byte
	payload   []byte

	// headerFields accumulates the current HEADERS + CONTINUATION run.
	headerFields []hpack.HeaderField

	// connUnacked counts connection-level bytes received but not yet
	// returned as WINDOW_UPDATE on stream 0.
	connUnacked int64
}

func newFrameReader(c *Conn, br *bufio.Reader) *frameReader {
	r := &frameReader{conn: c, br: br}
	r.hdec = hpack.NewDecoder(defaultHeaderTableSize, func(f hpack.HeaderField) {
		r.headerFields = append(r.headerFields, f)
	})
	return r
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	err := c.reader.run()
	if errors.Is(err, io.EOF) {
		err = domain.ErrConnectionShutdown
	}
	c.Close(err)
}

func (r *frameReader) run() error {
	for {
		h, err := readFrameHeader(r.br, r.headerBuf[:])
		if err != nil {
			return err
		}
		// We never lower MAX_FRAME_SIZE, so validate against the
		// default we implicitly advertise.
		if err := validateFrameHeader(h, defaultMaxFrameSize); err != nil {
			return err
		}

		if cap(r.payload) < int(h.Length) {
			r.payload = make([]byte, h.Length)
		}
		payload := r.payload[:h.Length]
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return err
		}

		switch h.Type {
		case FrameData:
			err = r.onData(h, payload)
		case FrameHeaders:
			err = r.onHeaders(h, payload)
		case FrameContinuation:
			err = &domain.ProtocolError{Reason: "CONTINUATION without preceding HEADERS"}
		case FrameSettings:
			err = r.onSettings(h, payload)
		case FrameWindowUpdate:
			err = r.onWindowUpdate(h, payload)
		case FrameRSTStream:
			err = r.onRSTStream(h, payload)
		case FramePing:
			r.onPing(h, payload)
		case FrameGoAway:
			err = r.onGoAway(payload)
		case FramePushPromise:
			err = errPushNotSupported
		case FramePriority:
			// Deprecated prioritisation scheme; ignored.
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
		if err != nil {
			return err
		}
	}
}

func (r *frameReader) onData(h FrameHeader, payload []byte) error {
	if h.Flags.Has(FlagPadded) {
		if len(payload) < 1 {
			return &domain.ProtocolError{Reason: "padded DATA frame too short"}
		}
		padLen := int(payload[0])
		if padLen >= len(payload) {
			return &domain.ProtocolError{Reason: "DATA padding exceeds payload"}
		}
		payload = payload[1 : len(payload)-padLen]
	}

	// Connection-level accounting covers the full frame regardless of
	// whether a stream still wants it.
	r.connUnacked += int64(h.Length)
	if r.connUnacked >= defaultLocalStreamWindow/2 {
		r.conn.writeWindowUpdate(0, uint32(r.connUnacked))
		r.connUnacked = 0
	}

	s := r.conn.lookupStream(h.StreamID)
	if s == nil {
		// Stream already reset or unknown; the bytes are accounted for
		// above and otherwise dropped.
		return nil
	}
	s.receiveData(payload, h.Flags.Has(FlagEndStream))
	if h.Flags.Has(FlagEndStream) {
		r.conn.streamFinished(s)
	}
	return nil
}

func (r *frameReader) onHeaders(h FrameHeader, payload []byte) error {
	if h.Flags.Has(FlagPadded) {
		if len(payload) < 1 {
			return &domain.ProtocolError{Reason: "padded HEADERS frame too short"}
		}
		padLen := int(payload[0])
		if padLen >= len(payload) {
			return &domain.ProtocolError{Reason: "HEADERS padding exceeds payload"}
		}
		payload = payload[1 : len(payload)-padLen]
	}
	if h.Flags.Has(FlagPriority) {
		if len(payload) < 5 {
			return &domain.ProtocolError{Reason: "HEADERS priority section too short"}
		}
		payload = payload[5:]
	}

	r.headerFields = r.headerFields[:0]
	if _, err := r.hdec.Write(payload); err != nil {
		return &domain.ProtocolError{Reason: "header block decode: " + err.Error()}
	}

	endHeaders := h.Flags.Has(FlagEndHeaders)
	for !endHeaders {
		ch, err := readFrameHeader(r.br, r.headerBuf[:])
		if err != nil {
			return err
		}
		if ch.Type != FrameContinuation || ch.StreamID != h.StreamID {
			return &domain.ProtocolError{Reason: "expected CONTINUATION for stream"}
		}
		if cap(r.payload) < int(ch.Length) {
			r.payload = make([]byte, ch.Length)
		}
		cp := r.payload[:ch.Length]
		if _, err := io.ReadFull(r.br, cp); err != nil {
			return err
		}
		if _, err := r.hdec.Write(cp); err != nil {
			return &domain.ProtocolError{Reason: "header block decode: " + err.Error()}
		}
		endHeaders = ch.Flags.Has(FlagEndHeaders)
	}
	if err := r.hdec.Close(); err != nil {
		return &domain.ProtocolError{Reason: "header block decode: " + err.Error()}
	}

	s := r.conn.lookupStream(h.StreamID)
	if s == nil {
		return nil
	}

	header := make(http.Header, len(r.headerFields))
	for _, f := range r.headerFields {
		header.Add(f.Name, f.Value)
	}

	endStream := h.Flags.Has(FlagEndStream)
	s.receiveHeaders(header, endStream)
	if endStream {
		r.conn.streamFinished(s)
	}
	return nil
}

func (r *frameReader) onSettings(h FrameHeader, payload []byte) error {
	if h.Flags.Has(FlagAck) {
		return nil
	}

	var incoming Settings
	for i := 0; i+6 <= len(payload); i += 6 {
		id := SettingID(binary.BigEndian.Uint16(payload[i : i+2]))
		v := binary.BigEndian.Uint32(payload[i+2 : i+6])
		incoming.Set(id, v)
	}

	c := r.conn
	c.mu.Lock()
	prevInitial := int64(c.peerSettings.InitialWindowSize())
	c.peerSettings.Merge(&incoming)
	if incoming.IsSet(SettingInitialWindowSize) {
		// A changed initial window retroactively adjusts every live
		// stream's send window by the delta.
		delta := int64(incoming.InitialWindowSize()) - prevInitial
		for _, s := range c.streams {
			s.sendWindow += delta
		}
	}
	maxStreams := c.peerSettings.MaxConcurrentStreams()
	c.cond.Broadcast()
	c.mu.Unlock()

	if incoming.IsSet(SettingHeaderTableSize) {
		c.wmu.Lock()
		c.henc.SetMaxDynamicTableSize(incoming.HeaderTableSize())
		c.wmu.Unlock()
	}

	c.writeSettingsAck()
	c.hooks.SettingsApplied(maxStreams)
	return nil
}

func (r *frameReader) onWindowUpdate(h FrameHeader, payload []byte) error {
	increment := int64(binary.BigEndian.Uint32(payload) & 0x7fffffff)
	if increment == 0 {
		return &domain.ProtocolError{Reason: "WINDOW_UPDATE with zero increment"}
	}

	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.StreamID == 0 {
		c.sendWindow += increment
	} else if s, ok := c.streams[h.StreamID]; ok {
		s.sendWindow += increment
	}
	c.cond.Broadcast()
	return nil
}

func (r *frameReader) onRSTStream(h FrameHeader, payload []byte) error {
	code := domain.ErrorCode(binary.BigEndian.Uint32(payload))
	s := r.conn.lookupStream(h.StreamID)
	if s == nil {
		return nil
	}
	s.receiveReset(code)
	r.conn.forgetStream(h.StreamID)
	return nil
}

func (r *frameReader) onPing(h FrameHeader, payload []byte) {
	nonce := binary.BigEndian.Uint64(payload)
	if h.Flags.Has(FlagAck) {
		c := r.conn
		c.mu.Lock()
		if nonce == c.pingNonce {
			c.awaitingPong = false
		}
		c.mu.Unlock()
		return
	}
	// Echo the peer's liveness probe.
	r.conn.writePing(true, nonce)
}

func (r *frameReader) onGoAway(payload []byte) error {
	lastGoodID := binary.BigEndian.Uint32(payload[:4]) & 0x7fffffff
	code := domain.ErrorCode(binary.BigEndian.Uint32(payload[4:8]))

	c := r.conn
	c.mu.Lock()
	c.shutdown = true
	c.lastGoodID = lastGoodID
	var refused []*Stream
	for id, s := range c.streams {
		if id > lastGoodID {
			refused = append(refused, s)
			delete(c.streams, id)
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	// Streams past the peer's cut line were never processed; they are
	// safe to retry on a fresh carrier.
	for _, s := range refused {
		s.receiveReset(domain.ErrCodeRefusedStream)
	}
	c.hooks.GoAwayReceived(code)
	return nil
}

func (c *Conn) lookupStream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}
