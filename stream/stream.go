// Package stream implements a buffered duplex channel over a socket: an
// input buffer, an output buffer, and callbacks for read-ready,
// write-complete, and connection events. Go has no single-threaded reactor
// as convenient as libevent's
// event_base, so each Stream runs its own reader and writer goroutine; the
// owning Conn is responsible for serializing the callbacks it receives
// across its two Streams (see conn.Conn's mutex).
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Event mirrors a libevent BEV_EVENT_* bit relevant to this spec.
type Event int

const (
	EventConnected Event = iota
	EventEOF
	EventError
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventEOF:
		return "eof"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Callbacks are invoked from the Stream's own reader/writer goroutines.
// OnReadable fires after new bytes have been appended to Input(); the
// callback is expected to drain whatever prefix it can before returning.
// OnWriteComplete fires whenever the output buffer transitions to empty
// after a successful write. OnEvent fires once per terminal condition.
type Callbacks struct {
	OnReadable      func()
	OnWriteComplete func()
	OnEvent         func(Event, error)
}

const readChunk = 16 * 1024

// Stream wraps one net.Conn with input/output buffers and read/write
// enable flags. The zero value is not usable; construct with New or
// NewUnconnected.
type Stream struct {
	mu           sync.Mutex
	cond         *sync.Cond
	conn         net.Conn
	input        bytes.Buffer
	output       bytes.Buffer
	readEnabled  bool
	writeEnabled bool
	closed       bool
	connecting   bool

	cb Callbacks
}

// New wraps an already-connected net.Conn (e.g. one returned by
// Listener.Accept). Reading and writing both start disabled.
func New(c net.Conn, cb Callbacks) *Stream {
	s := &Stream{conn: c, cb: cb}
	s.cond = sync.NewCond(&s.mu)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// NewUnconnected returns a Stream with no underlying socket yet; call
// DialTCP or DialHostname to establish one. Writes queued before the dial
// completes are flushed immediately once it succeeds (spec invariant: a
// handshake queued before connect is flushed on CONNECTED with no separate
// wake-up).
func NewUnconnected(cb Callbacks) *Stream {
	s := &Stream{cb: cb}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetCallbacks rewires the callback set. Used to move a Stream between
// negotiation and steady-state forwarding without recreating it (the Go
// analogue of the original's bufferevent_setcb calls).
func (s *Stream) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// DialTCP connects to addr (host:port, numeric or resolvable) and, on
// success, starts the reader/writer goroutines and fires OnEvent(Connected).
// On failure it fires OnEvent(Error, err). Runs in its own goroutine; does
// not block the caller.
func (s *Stream) DialTCP(ctx context.Context, dialer *net.Dialer, network, addr string) {
	s.mu.Lock()
	if s.connecting || s.conn != nil {
		s.mu.Unlock()
		panic("stream: DialTCP called twice")
	}
	s.connecting = true
	s.mu.Unlock()

	go func() {
		c, err := dialer.DialContext(ctx, network, addr)
		s.finishDial(c, err)
	}()
}

// DialHostname resolves host via resolver before connecting, the Go
// analogue of bufferevent_socket_connect_hostname's use of the process-wide
// evdns_base -- it accepts either a literal address or a name.
func (s *Stream) DialHostname(ctx context.Context, resolver *net.Resolver, dialer *net.Dialer, network, host string, port int) {
	s.mu.Lock()
	if s.connecting || s.conn != nil {
		s.mu.Unlock()
		panic("stream: DialHostname called twice")
	}
	s.connecting = true
	s.mu.Unlock()

	go func() {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		d := *dialer
		d.Resolver = resolver
		c, err := d.DialContext(ctx, network, addr)
		s.finishDial(c, err)
	}()
}

func (s *Stream) finishDial(c net.Conn, err error) {
	s.mu.Lock()
	s.connecting = false
	if s.closed {
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fireEvent(EventError, err)
		return
	}
	s.conn = c
	s.mu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	s.fireEvent(EventConnected, nil)
}

func (s *Stream) fireEvent(ev Event, err error) {
	s.mu.Lock()
	cb := s.cb.OnEvent
	s.mu.Unlock()
	if cb != nil {
		cb(ev, err)
	}
}

func (s *Stream) fireReadable() {
	s.mu.Lock()
	cb := s.cb.OnReadable
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Stream) fireWriteComplete() {
	s.mu.Lock()
	cb := s.cb.OnWriteComplete
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// readLoop owns Input() exclusively: no other goroutine may touch the input
// buffer, so OnReadable can be invoked synchronously without a lock.
func (s *Stream) readLoop() {
	buf := make([]byte, readChunk)
	for {
		s.mu.Lock()
		for !s.readEnabled && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.mu.Unlock()

		n, err := conn.Read(buf)
		if n > 0 {
			s.input.Write(buf[:n])
			s.fireReadable()
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if isEOF(err) {
				s.fireEvent(EventEOF, err)
			} else {
				s.fireEvent(EventError, err)
			}
			return
		}
	}
}

// writeLoop owns writes to the socket; the output buffer may be appended to
// from any goroutine holding the mutex (Write and WithOutput do).
func (s *Stream) writeLoop() {
	for {
		s.mu.Lock()
		for (s.output.Len() == 0 || !s.writeEnabled) && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		pending := append([]byte(nil), s.output.Bytes()...)
		conn := s.conn
		s.mu.Unlock()

		n, err := conn.Write(pending)
		s.mu.Lock()
		if n > 0 {
			s.output.Next(n)
		}
		nowEmpty := s.output.Len() == 0
		s.mu.Unlock()

		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.fireEvent(EventError, err)
			return
		}
		if nowEmpty {
			s.fireWriteComplete()
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Input returns the read buffer. Safe only from the callback this Stream
// invokes (its own reader goroutine).
func (s *Stream) Input() *bytes.Buffer {
	return &s.input
}

// Write appends p to the output buffer and wakes the writer goroutine.
func (s *Stream) Write(p []byte) {
	s.mu.Lock()
	s.output.Write(p)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// WithOutput runs fn with exclusive access to the output buffer, then wakes
// the writer goroutine. Callers that need to build onto the output buffer
// directly -- a protocol's Handshake/Send/Recv -- must go through this
// rather than holding a bare *bytes.Buffer, since the writer goroutine reads
// the same buffer concurrently.
func (s *Stream) WithOutput(fn func(out *bytes.Buffer)) {
	s.mu.Lock()
	fn(&s.output)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// OutputLen reports the number of bytes still queued to write.
func (s *Stream) OutputLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.Len()
}

func (s *Stream) EnableRead() {
	s.mu.Lock()
	s.readEnabled = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) DisableRead() {
	s.mu.Lock()
	s.readEnabled = false
	s.mu.Unlock()
}

func (s *Stream) EnableWrite() {
	s.mu.Lock()
	s.writeEnabled = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) DisableWrite() {
	s.mu.Lock()
	s.writeEnabled = false
	s.mu.Unlock()
}

// LocalAddr returns the locally bound address of the underlying socket, nil
// if not yet connected. The Go analogue of getpeername() -- net.Conn already
// tracks it, no raw syscall needed.
func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close tears down the underlying socket and wakes both goroutines so they
// can exit. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.cond.Broadcast()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
