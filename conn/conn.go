// Package conn implements the per-accepted-connection state machine: SOCKS
// negotiation (if applicable) -> outbound connect -> open forwarding ->
// half-closed flushing -> teardown.
package conn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/obfuscated/ptrelay/config"
	"github.com/obfuscated/ptrelay/protocol"
	"github.com/obfuscated/ptrelay/registry"
	"github.com/obfuscated/ptrelay/socks"
	"github.com/obfuscated/ptrelay/sockopt"
	"github.com/obfuscated/ptrelay/stream"
)

// state records which phase a connection is in. Transitions between phases
// are made by swapping the Streams' callbacks (Stream.SetCallbacks); the
// recorded state is not consulted to dispatch events.
type state int

const (
	stateConnecting        state = iota // output dialing (simple modes); input reads disabled
	stateSocksNegotiating               // socks-client only: still parsing the CONNECT request
	stateAttachingOutbound              // socks-client only: address known, output dialing
	stateOpen                           // forwarding in both directions
	stateFlushing                       // one side errored/EOFed; draining the other's output
	stateRepliedDraining                // a final reply (SOCKS or none) queued; closing once it flushes
)

// Conn is one accepted connection's full state. Every exported method that
// mutates isOpen/flushing/state or touches more than one Stream's callback
// wiring takes mu, so the two Streams' independent reader/writer goroutines
// never run this connection's state machine concurrently with each other --
// the Go equivalent of "one callback at a time" in a single-threaded
// reactor.
type Conn struct {
	id   string
	mode config.Mode

	proto      protocol.Protocol
	socksState *socks.State

	input  *stream.Stream
	output *stream.Stream

	reg      *registry.Registry
	log      zerolog.Logger
	dialer   *net.Dialer
	resolver *net.Resolver
	ctx      context.Context

	mu       sync.Mutex // serializes callbacks across input's and output's goroutines
	muState  state
	isOpen   bool
	flushing bool
}

func newID() string {
	return uuid.NewString()
}

// ConnID implements registry.ManagedConn.
func (c *Conn) ConnID() string { return c.id }

// Free implements registry.ManagedConn: destroys proto, socksState, and both
// streams, closing their sockets.
func (c *Conn) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.input != nil {
		c.input.Close()
		c.input = nil
	}
	if c.output != nil {
		c.output.Close()
		c.output = nil
	}
	c.socksState = nil
	c.proto = nil
}

func (c *Conn) closeSelf() {
	c.reg.CloseConn(c)
}

// closeOnFlush is the write-complete callback rewired in whenever a
// connection is waiting to drain its last bytes before closing.
func (c *Conn) closeOnFlush(s *stream.Stream) func() {
	return func() {
		if s.OutputLen() == 0 {
			c.closeSelf()
		}
	}
}

// peerOf returns the other Stream: input's peer is output and vice versa.
func (c *Conn) peerOf(self *stream.Stream) *stream.Stream {
	if self == c.input {
		return c.output
	}
	return c.input
}

// --- forwarding ---

func (c *Conn) upstreamReadFor(self *stream.Stream) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.upstreamReadLocked(self)
	}
}

// upstreamReadLocked is upstreamReadFor's body, factored out so callers that
// already hold mu (draining pipelined bytes right after a SOCKS CONNECT
// succeeds) can invoke it directly without relocking.
func (c *Conn) upstreamReadLocked(self *stream.Stream) {
	if c.proto == nil {
		return
	}
	peer := c.peerOf(self)
	var sendErr error
	peer.WithOutput(func(out *bytes.Buffer) {
		sendErr = c.proto.Send(self.Input(), out)
	})
	if sendErr != nil {
		c.log.Debug().Str("conn", c.id).Err(sendErr).Msg("protocol send failed, closing")
		c.closeSelfLocked()
	}
}

func (c *Conn) downstreamReadFor(self *stream.Stream) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.downstreamReadLocked(self)
	}
}

func (c *Conn) downstreamReadLocked(self *stream.Stream) {
	if c.proto == nil {
		return
	}
	peer := c.peerOf(self)
	var result protocol.RecvResult
	var recvErr error
	peer.WithOutput(func(out *bytes.Buffer) {
		result, recvErr = c.proto.Recv(self.Input(), out)
	})
	if recvErr != nil {
		c.log.Debug().Str("conn", c.id).Err(recvErr).Msg("protocol recv failed, closing")
		c.closeSelfLocked()
		return
	}
	if result == protocol.RecvSendPending && c.input != nil && c.output != nil {
		// The protocol produced bytes that must flow outward before
		// further receive progress is meaningful: flush whatever plaintext
		// is already queued on conn.input toward conn.output, using the
		// literal input/output pairing -- not self/peer.
		var sendErr error
		c.output.WithOutput(func(out *bytes.Buffer) {
			sendErr = c.proto.Send(c.input.Input(), out)
		})
		if sendErr != nil {
			c.log.Debug().Str("conn", c.id).Err(sendErr).Msg("protocol send (pending flush) failed, closing")
			c.closeSelfLocked()
		}
	}
}

// closeSelfLocked is closeSelf's counterpart for callers already holding mu;
// it must release the lock before calling into the registry (which calls
// back into Conn.Free, which takes mu itself).
func (c *Conn) closeSelfLocked() {
	c.mu.Unlock()
	c.closeSelf()
	c.mu.Lock()
}

// --- half-close ---

// errorOrEOF is the unified half-close primitive. Caller must hold mu.
func (c *Conn) errorOrEOF(errored, flushSide *stream.Stream) {
	if c.flushing || !c.isOpen || flushSide.OutputLen() == 0 {
		c.closeSelfLocked()
		return
	}

	c.flushing = true
	c.muState = stateFlushing
	errored.DisableRead()
	errored.DisableWrite()
	flushSide.DisableRead()
	flushSide.SetCallbacks(stream.Callbacks{
		OnWriteComplete: c.closeOnFlush(flushSide),
		OnEvent:         c.outputEventFor(flushSide),
	})
	flushSide.EnableWrite()
}

func (c *Conn) inputEvent(ev stream.Event, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.input == nil {
		return
	}
	if ev == stream.EventConnected {
		panic("conn: BEV_EVENT_CONNECTED delivered on the input side")
	}
	c.log.Warn().Str("conn", c.id).Err(err).Msg("input side error or eof")
	c.errorOrEOF(c.input, c.output)
}

// outputEventFor returns the steady-state output event handler, reused once
// a SOCKS-negotiated outbound connection reaches the open state.
func (c *Conn) outputEventFor(self *stream.Stream) func(stream.Event, error) {
	return func(ev stream.Event, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.outputEventLocked(self, ev, err)
	}
}

func (c *Conn) outputEventLocked(self *stream.Stream, ev stream.Event, err error) {
	if c.flushing || ev == stream.EventEOF || ev == stream.EventError || ev == stream.EventTimeout {
		c.log.Warn().Str("conn", c.id).Err(err).Msg("output side error or eof")
		if c.input != nil {
			c.errorOrEOF(self, c.input)
		}
		return
	}

	if ev == stream.EventConnected {
		c.isOpen = true
		c.muState = stateOpen
		c.log.Debug().Str("conn", c.id).Msg("outbound connection established")
		if c.input != nil {
			c.input.EnableRead()
			c.input.EnableWrite()
		}
		return
	}

	panic(fmt.Sprintf("conn: unrecognized event %v on output side", ev))
}

// --- construction shared plumbing ---

func newBase(ctx context.Context, accepted net.Conn, mode config.Mode, params *config.ProtocolParams, protoReg *protocol.Registry, reg *registry.Registry, dialer *net.Dialer, log zerolog.Logger) (*Conn, error) {
	proto, err := protoReg.Create(params.Protocol, protocol.Params{Key: params.Key})
	if err != nil {
		accepted.Close()
		return nil, fmt.Errorf("conn: create protocol: %w", err)
	}
	return &Conn{
		id:     newID(),
		mode:   mode,
		proto:  proto,
		reg:    reg,
		log:    log.With().Str("mode", mode.String()).Logger(),
		dialer: dialer,
		ctx:    ctx,
	}, nil
}

func newDialer() *net.Dialer {
	return &net.Dialer{Control: sockopt.Dial}
}

// newInputStream wraps an already-accepted socket, wiring its callbacks in a
// second step since they need a pointer to the Stream itself.
func newInputStream(accepted net.Conn, readFor func(*stream.Stream) func(), onEvent func(stream.Event, error)) *stream.Stream {
	s := stream.New(accepted, stream.Callbacks{})
	s.SetCallbacks(stream.Callbacks{
		OnReadable: readFor(s),
		OnEvent:    onEvent,
	})
	return s
}

// newUnconnectedStream is newInputStream's counterpart for a Stream whose
// socket doesn't exist yet (DialTCP/DialHostname comes later).
func newUnconnectedStream(readFor func(*stream.Stream) func(), eventFor func(*stream.Stream) func(stream.Event, error)) *stream.Stream {
	s := stream.NewUnconnected(stream.Callbacks{})
	s.SetCallbacks(stream.Callbacks{
		OnReadable: readFor(s),
		OnEvent:    eventFor(s),
	})
	return s
}
