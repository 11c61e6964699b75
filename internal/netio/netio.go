// Package netio implements the non-blocking stream endpoint every lobby
// connection is driven through: a single cooperative Tick call per
// endpoint performs one best-effort read and one best-effort write, never
// parking the calling goroutine. Go has no portable non-blocking socket
// mode exposed through net.Conn, so each Tick arms an immediate
// SetReadDeadline/SetWriteDeadline(time.Now()) before the syscall — any
// deadline-exceeded error is "would block", not a connection failure.
package netio

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle of a single Endpoint.
type ConnectionState int

const (
	// StateHandshaking covers protocol-level handshakes (e.g. the
	// WebSocket upgrade) that must finish before framed data flows.
	StateHandshaking ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const outgoingChunkSize = 512

type chunk struct {
	data [outgoingChunkSize]byte
	off  int // read cursor within data
	len  int // valid bytes in data[:len]
	next *chunk
}

// OutgoingBuffer is a singly-linked list of fixed 512-byte chunks holding
// bytes queued for send. Drained chunks return to a per-endpoint free list
// instead of being discarded, so steady-state sending allocates nothing.
type OutgoingBuffer struct {
	head, tail *chunk
	free       *chunk
	queued     int
}

func (b *OutgoingBuffer) getChunk() *chunk {
	if b.free != nil {
		c := b.free
		b.free = c.next
		c.next = nil
		c.off, c.len = 0, 0
		return c
	}
	return &chunk{}
}

func (b *OutgoingBuffer) releaseChunk(c *chunk) {
	c.next = b.free
	b.free = c
}

// Write appends p to the buffer, splitting it across as many chunks as needed.
func (b *OutgoingBuffer) Write(p []byte) {
	for len(p) > 0 {
		if b.tail == nil || b.tail.len == outgoingChunkSize {
			c := b.getChunk()
			if b.tail == nil {
				b.head, b.tail = c, c
			} else {
				b.tail.next = c
				b.tail = c
			}
		}
		n := copy(b.tail.data[b.tail.len:], p)
		b.tail.len += n
		p = p[n:]
		b.queued += n
	}
}

// Peek returns the unsent bytes of the front chunk, or nil if empty.
func (b *OutgoingBuffer) Peek() []byte {
	if b.head == nil {
		return nil
	}
	return b.head.data[b.head.off:b.head.len]
}

// Advance marks n bytes of the front chunk as sent, recycling it once drained.
func (b *OutgoingBuffer) Advance(n int) {
	b.queued -= n
	for n > 0 && b.head != nil {
		remaining := b.head.len - b.head.off
		if n < remaining {
			b.head.off += n
			return
		}
		n -= remaining
		drained := b.head
		b.head = b.head.next
		if b.head == nil {
			b.tail = nil
		}
		b.releaseChunk(drained)
	}
}

// Len returns the total number of unsent bytes queued.
func (b *OutgoingBuffer) Len() int { return b.queued }

const receiveWindowSize = 1024

// ReceiveWindow is a fixed staging buffer raw reads land in before the
// framing layer consumes parsed bytes out of its front.
type ReceiveWindow struct {
	buf [receiveWindowSize]byte
	len int
}

// Available returns the free tail of the window a Read may fill.
func (w *ReceiveWindow) Available() []byte { return w.buf[w.len:] }

// Grow records that n additional bytes at the tail are now valid.
func (w *ReceiveWindow) Grow(n int) { w.len += n }

// Data returns the valid bytes currently staged.
func (w *ReceiveWindow) Data() []byte { return w.buf[:w.len] }

// Consume discards the first n bytes, shifting any remainder to the front.
func (w *ReceiveWindow) Consume(n int) {
	copy(w.buf[:], w.buf[n:w.len])
	w.len -= n
}

// Full reports whether the window has no room left for another read.
func (w *ReceiveWindow) Full() bool { return w.len == receiveWindowSize }

// Stats accumulates per-endpoint traffic counters for the metrics package.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	QueuedBytes   int
}

// Endpoint is one non-blocking, tick-driven stream connection.
type Endpoint struct {
	conn    net.Conn
	traceID uuid.UUID
	state   ConnectionState

	out OutgoingBuffer
	in  ReceiveWindow

	// autoDetect, while StateHandshaking, means the first buffered bytes
	// decide the connection's mode: a well-formed WebSocket upgrade request
	// switches it to wsMode, an HTTP GET that is not a valid upgrade closes
	// it, and anything else opens it as plain framed TCP.
	autoDetect bool
	wsMode     bool
	// appIn stages decoded application bytes once wsMode is active, since
	// in then holds the still-framed WebSocket wire instead of app data.
	appIn ReceiveWindow

	// OnReceive is invoked once per Tick with any newly staged bytes; the
	// callback must call ReceiveConsume for whatever it parsed out. Left nil
	// until the owner wires a framing layer on top.
	OnReceive func(ep *Endpoint)

	stats        Stats
	closeOnDrain bool
}

// NewEndpoint wraps an accepted net.Conn. The connection starts in
// StateHandshaking so a websocket layer (or caller) can run a protocol
// handshake before marking it Open via MarkOpen.
func NewEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{
		conn:    conn,
		traceID: uuid.New(),
		state:   StateHandshaking,
	}
}

// TraceID returns the connection's trace identifier for log correlation.
func (e *Endpoint) TraceID() uuid.UUID { return e.traceID }

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() ConnectionState { return e.state }

// Stats returns a snapshot of traffic counters.
func (e *Endpoint) Stats() Stats {
	s := e.stats
	s.QueuedBytes = e.out.Len()
	return s
}

// RemoteAddr exposes the underlying connection's remote address.
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// ReceiveData returns the bytes currently staged for an OnReceive callback
// (e.g. a framing layer) to parse: the decoded application window in
// wsMode, the raw socket window otherwise.
func (e *Endpoint) ReceiveData() []byte {
	if e.wsMode {
		return e.appIn.Data()
	}
	return e.in.Data()
}

// ReceiveConsume discards the first n parsed bytes from whichever window
// ReceiveData is currently reading from.
func (e *Endpoint) ReceiveConsume(n int) {
	if e.wsMode {
		e.appIn.Consume(n)
		return
	}
	e.in.Consume(n)
}

// MarkOpen transitions a handshaking endpoint straight to Open as plain
// framed TCP, with no WebSocket auto-detection. Used for connections this
// process originates itself (dials out), which never receive an upgrade
// request to detect.
func (e *Endpoint) MarkOpen() {
	if e.state == StateHandshaking {
		e.state = StateOpen
	}
}

// BeginHandshake leaves a newly accepted endpoint in StateHandshaking and
// arms auto-detection: the first bytes the client sends decide whether
// this connection speaks a WebSocket upgrade or plain framed TCP. Used by
// accept-side listeners that want to serve both kinds of client on one port.
func (e *Endpoint) BeginHandshake() {
	e.autoDetect = true
}

// Send queues p for delivery. Safe to call even while Closing; the bytes
// are dropped once the endpoint reaches Closed. In wsMode, p is wrapped in
// a binary WebSocket frame first.
func (e *Endpoint) Send(p []byte) {
	if e.state == StateClosed {
		return
	}
	if e.wsMode {
		e.out.Write(EncodeWSFrame(p))
		return
	}
	e.out.Write(p)
}

// Disconnect requests the endpoint close. If drain is true, any already
// queued outgoing bytes are flushed first; otherwise the socket is closed
// immediately on the next Tick.
func (e *Endpoint) Disconnect(drain bool) {
	if e.state == StateClosed {
		return
	}
	e.state = StateClosing
	e.closeOnDrain = drain
}

func isWouldBlock(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Tick performs one best-effort non-blocking read and one best-effort
// non-blocking write. It never blocks the caller regardless of socket
// readiness.
func (e *Endpoint) Tick() error {
	if e.state == StateClosed {
		return nil
	}

	if err := e.tickRead(); err != nil {
		e.forceClose()
		return err
	}
	if err := e.tickWrite(); err != nil {
		e.forceClose()
		return err
	}

	if e.state == StateClosing && (e.out.Len() == 0 || !e.closeOnDrain) {
		e.forceClose()
	}
	return nil
}

func (e *Endpoint) tickRead() error {
	if e.state == StateClosing && !e.closeOnDrain {
		return nil
	}
	if e.in.Full() {
		return nil
	}
	if err := e.conn.SetReadDeadline(time.Now()); err != nil {
		return fmt.Errorf("netio: set read deadline: %w", err)
	}
	n, err := e.conn.Read(e.in.Available())
	if n > 0 {
		e.in.Grow(n)
		e.stats.BytesReceived += uint64(n)
	}
	if err != nil && !isWouldBlock(err) {
		return err // EOF or real socket error: caller closes
	}
	e.deliverReceived()
	return nil
}

// deliverReceived advances a handshaking endpoint through auto-detection,
// unwraps any buffered WebSocket frames, and invokes OnReceive with
// whatever application bytes are now staged.
func (e *Endpoint) deliverReceived() {
	if e.state == StateHandshaking {
		if !e.autoDetect {
			return
		}
		e.tryHandshake()
		if e.state == StateHandshaking {
			return // still waiting on more bytes
		}
	}
	if e.wsMode {
		e.unwrapWSFrames()
	}
	if e.OnReceive == nil {
		return
	}
	if (e.wsMode && e.appIn.len > 0) || (!e.wsMode && e.in.len > 0) {
		e.OnReceive(e)
	}
}

// looksLikeHTTPUpgrade is a cheap first-byte classifier: a WebSocket
// handshake always begins with an HTTP GET request line, while this
// module's plain framed wire never does.
func looksLikeHTTPUpgrade(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "GET "
}

const maxHandshakeBytes = 8192

func (e *Endpoint) tryHandshake() {
	data := e.in.Data()
	if len(data) == 0 {
		return
	}
	if !looksLikeHTTPUpgrade(data) {
		e.state = StateOpen
		return
	}
	headers, consumed, ok := parseUpgradeHeaders(data)
	if !ok {
		if len(data) > maxHandshakeBytes {
			e.state = StateClosing
			e.closeOnDrain = false
		}
		return
	}
	e.in.Consume(consumed)
	// A request that looks like an HTTP upgrade but fails validation (wrong
	// version, missing subprotocol, ...) is rejected outright rather than
	// silently reinterpreted as plain framed traffic: continuing to frame
	// these bytes as application data would desync the frame header the
	// client never intended to speak.
	if !isValidUpgrade(headers) {
		e.state = StateClosing
		e.closeOnDrain = false
		return
	}
	e.out.Write(BuildUpgradeResponse(ComputeAcceptKey(headers["sec-websocket-key"]), headers["connection"]))
	e.wsMode = true
	e.state = StateOpen
}

func (e *Endpoint) unwrapWSFrames() {
	for {
		payload, consumed, ok := DecodeWSFrame(e.in.Data())
		if !ok {
			return
		}
		e.in.Consume(consumed)
		if len(payload) == 0 {
			continue
		}
		if e.appIn.Full() || len(payload) > len(e.appIn.Available()) {
			return
		}
		copy(e.appIn.Available(), payload)
		e.appIn.Grow(len(payload))
	}
}

func (e *Endpoint) tickWrite() error {
	for {
		p := e.out.Peek()
		if len(p) == 0 {
			return nil
		}
		if err := e.conn.SetWriteDeadline(time.Now()); err != nil {
			return fmt.Errorf("netio: set write deadline: %w", err)
		}
		n, err := e.conn.Write(p)
		if n > 0 {
			e.out.Advance(n)
			e.stats.BytesSent += uint64(n)
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return err
		}
		if n < len(p) {
			// Partial, non-erroring write: socket buffer is momentarily
			// full. Wait for the next Tick rather than spinning.
			return nil
		}
	}
}

func (e *Endpoint) forceClose() {
	if e.state == StateClosed {
		return
	}
	e.state = StateClosed
	_ = e.conn.Close()
}
