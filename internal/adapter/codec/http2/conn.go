package http2

import (
	"bufio"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

// Hooks is how the engine reports connection-scoped events upward to the
// carrier that embeds it. Calls arrive on the reader goroutine with no
// engine locks held.
type Hooks interface {
	// SettingsApplied fires after a peer SETTINGS frame is merged. The
	// carrier propagates the stream limit to its allocation limit.
	SettingsApplied(maxConcurrentStreams uint32)

	// GoAwayReceived fires once when the peer starts shutting down.
	GoAwayReceived(errorCode domain.ErrorCode)
}

type NoopHooks struct{}

func (NoopHooks) SettingsApplied(uint32)            {}
func (NoopHooks) GoAwayReceived(domain.ErrorCode)   {}

type Config struct {
	Logger       logger.StyledLogger
	Hooks        Hooks
	PingInterval time.Duration
}

// Conn multiplexes streams over one transport socket. A single reader
// goroutine consumes frames in order; writers serialise on wmu. The lock
// order is wmu outermost, then mu; a function holding mu must never take
// wmu.
type Conn struct {
	conn net.Conn
	log  logger.StyledLogger

	hooks        Hooks
	pingInterval time.Duration

	// wmu serialises frame emission. The hpack encoder state and the
	// write buffer are guarded by it.
	wmu   sync.Mutex
	bw    *bufio.Writer
	henc  *hpack.Encoder
	hbuf  []byte
	wbuf  [frameHeaderLen]byte
	werr  error

	// mu guards the stream table, windows and shutdown state. cond is
	// the flow-control wait, broadcast on WINDOW_UPDATE and SETTINGS.
	mu           sync.Mutex
	cond         *sync.Cond
	streams      map[uint32]*Stream
	nextStreamID uint32
	sendWindow   int64 // connection-level, peer-granted
	peerSettings Settings
	shutdown     bool
	goAwaySent   bool
	lastGoodID   uint32

	// Ping bookkeeping, guarded by mu. awaitingPong is cleared by the
	// reader when the echo arrives.
	awaitingPong  bool
	lastPingNanos int64
	pingNonce     uint64
	pingStop      chan struct{}

	reader     *frameReader
	readerDone chan struct{}
	closeOnce  sync.Once
}

// NewConn wraps an established socket. Start must be called before the
// first OpenStream.
func NewConn(conn net.Conn, br *bufio.Reader, bw *bufio.Writer, cfg Config) *Conn {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscard()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NoopHooks{}
	}

	c := &Conn{
		conn:         conn,
		log:          log,
		hooks:        hooks,
		pingInterval: cfg.PingInterval,
		bw:           bw,
		streams:      make(map[uint32]*Stream),
		nextStreamID: 1,
		sendWindow:   initialWindowSize,
		pingStop:     make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.henc = hpack.NewEncoder((*hencWriter)(c))
	c.reader = newFrameReader(c, br)
	return c
}

// Start sends the client preface and our SETTINGS, then launches the
// reader and the keepalive task.
func (c *Conn) Start() error {
	c.wmu.Lock()
	_, err := c.bw.WriteString(connPreface)
	if err == nil {
		err = c.writeSettingsLocked()
	}
	if err == nil {
		// Grow the connection receive window past the 64 KiB default so
		// large responses are not throttled at the connection level.
		err = c.writeWindowUpdateLocked(0, defaultLocalStreamWindow-initialWindowSize)
	}
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
	return nil
}

// OpenStream allocates the next odd stream id, inserts it into the table
// and emits its HEADERS block atomically with respect to other writers.
func (c *Conn) OpenStream(headers []hpack.HeaderField, endStream bool) (*Stream, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, domain.ErrConnectionShutdown
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	s := &Stream{
		id:          id,
		conn:        c,
		sendWindow:  int64(c.peerSettings.InitialWindowSize()),
		localClosed: endStream,
	}
	s.cond = sync.NewCond(&s.mu)
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeHeadersLocked(id, headers, endStream); err != nil {
		c.forgetStream(id)
		return nil, err
	}
	return s, nil
}

// StreamCount returns the number of live streams.
func (c *Conn) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// MaxConcurrentStreams is the peer's advertised limit.
func (c *Conn) MaxConcurrentStreams() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSettings.MaxConcurrentStreams()
}

func (c *Conn) peerInitialWindow() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSettings.InitialWindowSize()
}

// IsHealthy reports whether the connection can host a new exchange: not
// shut down, and the keepalive echo not overdue.
func (c *Conn) IsHealthy(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false
	}
	if c.pingInterval > 0 && c.awaitingPong &&
		now.UnixNano()-c.lastPingNanos > c.pingInterval.Nanoseconds() {
		return false
	}
	return true
}

// Shutdown sends GOAWAY once and stops accepting new streams. Existing
// streams run to completion.
func (c *Conn) Shutdown(code domain.ErrorCode) {
	c.mu.Lock()
	if c.goAwaySent {
		c.mu.Unlock()
		return
	}
	c.goAwaySent = true
	c.shutdown = true
	lastGood := c.nextStreamID - 2
	c.mu.Unlock()

	c.writeGoAway(lastGood, code)
}

// Close tears down the socket and fails every live stream. Used when the
// carrier is evicted or the reader hits a fatal error.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shutdown = true
		streams := make([]*Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.streams = make(map[uint32]*Stream)
		close(c.pingStop)
		c.cond.Broadcast()
		c.mu.Unlock()

		if err == nil {
			err = domain.ErrConnectionShutdown
		}
		for _, s := range streams {
			s.closeForError(err)
		}
		_ = c.conn.Close()
	})
}

func (c *Conn) forgetStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// streamFinished removes a cleanly completed stream from the table.
func (c *Conn) streamFinished(s *Stream) {
	if s.finished() {
		c.forgetStream(s.id)
	}
}

// ---- write path -----------------------------------------------------

// hencWriter lets the hpack encoder append into the header scratch
// buffer without an allocation per block.
type hencWriter Conn

func (w *hencWriter) Write(p []byte) (int, error) {
	w.hbuf = append(w.hbuf, p...)
	return len(p), nil
}

func (c *Conn) writeHeadersLocked(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	c.hbuf = c.hbuf[:0]
	for _, f := range headers {
		if err := c.henc.WriteField(f); err != nil {
			return err
		}
	}

	maxFrame := int(c.maxFrameSize())
	block := c.hbuf
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]

		var flags Flags
		if len(block) == 0 {
			flags |= FlagEndHeaders
		}
		frameType := FrameContinuation
		if first {
			frameType = FrameHeaders
			if endStream {
				flags |= FlagEndStream
			}
			first = false
		}
		putFrameHeader(c.wbuf[:], uint32(len(chunk)), frameType, flags, streamID)
		if _, err := c.bw.Write(c.wbuf[:]); err != nil {
			return err
		}
		if _, err := c.bw.Write(chunk); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// writeData sends p as DATA frames, reserving window from both the
// stream and the connection before each frame goes out. A nil p with
// endStream emits one empty END_STREAM frame.
func (c *Conn) writeData(s *Stream, p []byte, endStream bool) (int, error) {
	written := 0
	for {
		n, err := c.reserveWindow(s, int64(len(p)-written))
		if err != nil {
			return written, err
		}

		chunk := p[written : written+int(n)]
		last := written+int(n) == len(p)
		if len(chunk) == 0 && !endStream {
			break
		}

		c.wmu.Lock()
		var flags Flags
		if endStream && last {
			flags |= FlagEndStream
		}
		putFrameHeader(c.wbuf[:], uint32(len(chunk)), FrameData, flags, s.id)
		_, werr := c.bw.Write(c.wbuf[:])
		if werr == nil && len(chunk) > 0 {
			_, werr = c.bw.Write(chunk)
		}
		if werr == nil {
			werr = c.bw.Flush()
		}
		c.wmu.Unlock()

		if werr != nil {
			return written, werr
		}
		written += int(n)

		if last {
			break
		}
	}

	if endStream {
		s.mu.Lock()
		s.localClosed = true
		s.mu.Unlock()
		c.streamFinished(s)
	}
	return written, nil
}

// reserveWindow blocks until at least one byte of combined window is
// available, then claims up to want bytes, capped at the frame size.
// A zero-byte reservation (empty END_STREAM frame) never blocks.
func (c *Conn) reserveWindow(s *Stream, want int64) (int64, error) {
	if want == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.shutdown {
			return 0, domain.ErrConnectionShutdown
		}
		if err := s.Err(); err != nil {
			return 0, err
		}
		avail := min64(c.sendWindow, s.sendWindow)
		if avail > 0 {
			n := min64(want, avail)
			n = min64(n, int64(c.maxFrameSizeLocked()))
			c.sendWindow -= n
			s.sendWindow -= n
			return n, nil
		}
		c.cond.Wait()
	}
}

func (c *Conn) writeSettingsLocked() error {
	// ENABLE_PUSH=0: server push is not supported and a PUSH_PROMISE is
	// treated as a connection error. The stream window matches our
	// per-stream buffering.
	payload := make([]byte, 0, 18)
	payload = appendSetting(payload, SettingEnablePush, 0)
	payload = appendSetting(payload, SettingInitialWindowSize, defaultLocalStreamWindow)
	putFrameHeader(c.wbuf[:], uint32(len(payload)), FrameSettings, 0, 0)
	if _, err := c.bw.Write(c.wbuf[:]); err != nil {
		return err
	}
	_, err := c.bw.Write(payload)
	return err
}

func appendSetting(b []byte, id SettingID, v uint32) []byte {
	return append(b,
		byte(id>>8), byte(id),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (c *Conn) writeSettingsAck() {
	c.wmu.Lock()
	putFrameHeader(c.wbuf[:], 0, FrameSettings, FlagAck, 0)
	_, err := c.bw.Write(c.wbuf[:])
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	c.noteWriteError(err)
}

func (c *Conn) writeWindowUpdate(streamID, increment uint32) {
	c.wmu.Lock()
	err := c.writeWindowUpdateLocked(streamID, increment)
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	c.noteWriteError(err)
}

func (c *Conn) writeWindowUpdateLocked(streamID, increment uint32) error {
	putFrameHeader(c.wbuf[:], 4, FrameWindowUpdate, 0, streamID)
	if _, err := c.bw.Write(c.wbuf[:]); err != nil {
		return err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], increment&0x7fffffff)
	_, err := c.bw.Write(buf[:])
	return err
}

func (c *Conn) writeRSTStream(streamID uint32, code domain.ErrorCode) {
	c.wmu.Lock()
	putFrameHeader(c.wbuf[:], 4, FrameRSTStream, 0, streamID)
	_, err := c.bw.Write(c.wbuf[:])
	if err == nil {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(code))
		_, err = c.bw.Write(buf[:])
	}
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	c.noteWriteError(err)
}

func (c *Conn) writePing(ack bool, nonce uint64) {
	c.wmu.Lock()
	var flags Flags
	if ack {
		flags = FlagAck
	}
	putFrameHeader(c.wbuf[:], 8, FramePing, flags, 0)
	_, err := c.bw.Write(c.wbuf[:])
	if err == nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], nonce)
		_, err = c.bw.Write(buf[:])
	}
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	c.noteWriteError(err)
}

func (c *Conn) writeGoAway(lastGoodID uint32, code domain.ErrorCode) {
	c.wmu.Lock()
	putFrameHeader(c.wbuf[:], 8, FrameGoAway, 0, 0)
	_, err := c.bw.Write(c.wbuf[:])
	if err == nil {
		var buf [8]byte
		binary.BigEndian.PutUint32(buf[:4], lastGoodID&0x7fffffff)
		binary.BigEndian.PutUint32(buf[4:], uint32(code))
		_, err = c.bw.Write(buf[:])
	}
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	c.noteWriteError(err)
}

func (c *Conn) noteWriteError(err error) {
	if err == nil {
		return
	}
	c.wmu.Lock()
	if c.werr == nil {
		c.werr = err
	}
	c.wmu.Unlock()
	c.log.Debug("h2 write failed", "err", err)
}

func (c *Conn) maxFrameSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFrameSizeLocked()
}

func (c *Conn) maxFrameSizeLocked() uint32 {
	return c.peerSettings.MaxFrameSize()
}

// ---- keepalive ------------------------------------------------------

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.awaitingPong {
			// The previous echo has not come back yet; IsHealthy reports
			// the connection unhealthy once it is overdue. No new ping is
			// sent until a late echo clears the flag.
			c.mu.Unlock()
			continue
		}
		c.awaitingPong = true
		c.lastPingNanos = time.Now().UnixNano()
		c.pingNonce++
		nonce := c.pingNonce
		c.mu.Unlock()

		c.writePing(false, nonce)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

var errPushNotSupported = &domain.ProtocolError{Reason: "peer sent PUSH_PROMISE with push disabled"}
