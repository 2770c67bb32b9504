package conn

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/obfuscated/ptrelay/config"
	"github.com/obfuscated/ptrelay/protocol"
	"github.com/obfuscated/ptrelay/registry"
	"github.com/obfuscated/ptrelay/socks"
	"github.com/obfuscated/ptrelay/stream"
)

// NewSocksClient accepts a connection from a local SOCKS client: a local
// SOCKS4/4a/5 client talks to us; the outbound target isn't known until the
// CONNECT request has been parsed, so only the input Stream exists at first.
func NewSocksClient(ctx context.Context, accepted net.Conn, params *config.ProtocolParams, protoReg *protocol.Registry, reg *registry.Registry, dialer *net.Dialer, resolver *net.Resolver, log zerolog.Logger) (*Conn, error) {
	c, err := newBase(ctx, accepted, config.ModeSocksClient, params, protoReg, reg, dialer, log)
	if err != nil {
		return nil, err
	}
	c.resolver = resolver
	c.socksState = socks.NewState()
	c.muState = stateSocksNegotiating

	c.input = newInputStream(accepted, c.socksReadFor, c.inputEvent)
	c.input.EnableRead()
	c.input.EnableWrite() // the SOCKS5 method-selection reply flows back immediately

	reg.AddConn(c)
	c.log.Debug().Str("conn", c.id).Msg("socks-client connection accepted")
	return c, nil
}

func (c *Conn) socksReadFor(self *stream.Stream) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.socksReadLocked(self)
	}
}

// socksReadLocked drives socks.Handle until it runs out of buffered bytes,
// hits a terminal outcome, or learns the target address.
func (c *Conn) socksReadLocked(self *stream.Stream) {
	for {
		if c.socksState == nil {
			return
		}
		var result socks.Result
		var err error
		self.WithOutput(func(out *bytes.Buffer) {
			result, err = socks.Handle(self.Input(), out, c.socksState)
		})
		if err != nil {
			c.log.Debug().Str("conn", c.id).Err(err).Msg("socks parse error, closing")
			c.closeSelfLocked()
			return
		}

		switch result {
		case socks.ResultGood:
			if c.socksState.Status() == socks.StatusHaveAddr {
				c.attachOutbound()
				return
			}
			continue
		case socks.ResultIncomplete:
			return
		case socks.ResultBroken:
			c.log.Debug().Str("conn", c.id).Msg("unparsable socks request, closing")
			c.closeSelfLocked()
			return
		case socks.ResultCmdNotConnect:
			c.rejectNonConnect(self)
			return
		}
	}
}

// rejectNonConnect queues a failure reply for a well-formed request whose
// command isn't CONNECT, then closes once it's flushed.
func (c *Conn) rejectNonConnect(self *stream.Stream) {
	self.DisableWrite()
	self.WithOutput(func(out *bytes.Buffer) {
		socks.SendCmdNotSupportedReply(c.socksState, out)
	})
	c.socksState = nil
	c.muState = stateRepliedDraining
	self.DisableRead()
	self.SetCallbacks(stream.Callbacks{OnWriteComplete: c.closeOnFlush(self)})
	self.EnableWrite()
}

// attachOutbound is the StatusHaveAddr transition: build the output Stream,
// queue the protocol handshake onto it, and start dialing the learned
// target. Caller holds mu.
func (c *Conn) attachOutbound() {
	c.muState = stateAttachingOutbound
	family, addr, port := c.socksState.Address()

	c.input.DisableRead()
	c.input.DisableWrite()

	c.output = newUnconnectedStream(c.downstreamReadFor, c.socksOutputEventFor)

	var hsErr error
	c.output.WithOutput(func(out *bytes.Buffer) {
		hsErr = c.proto.Handshake(out)
	})
	if hsErr != nil {
		c.log.Debug().Str("conn", c.id).Err(hsErr).Msg("socks-client handshake failed, closing")
		c.closeSelfLocked()
		return
	}

	if family == socks.FamilyDomain {
		c.output.DialHostname(c.ctx, c.resolver, c.dialer, "tcp", addr, int(port))
	} else {
		c.output.DialTCP(c.ctx, c.dialer, "tcp", socks.JoinHostPort(addr, port))
	}
	c.output.EnableRead()
	c.output.EnableWrite()
}

// socksOutputEventFor is the output Stream's event handler while a CONNECT
// reply is still owed; once sent it rewires itself to the generic
// outputEventFor for the rest of the connection's life.
func (c *Conn) socksOutputEventFor(self *stream.Stream) func(stream.Event, error) {
	return func(ev stream.Event, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.socksOutputEventLocked(self, ev, err)
	}
}

func (c *Conn) socksOutputEventLocked(self *stream.Stream, ev stream.Event, err error) {
	if c.socksState == nil {
		// the reply has already gone out; this is ordinary steady-state
		// traffic (or a later half-close) on the outbound side.
		c.outputEventLocked(self, ev, err)
		return
	}

	switch ev {
	case stream.EventConnected:
		c.socksState.SetAddress(self.LocalAddr())
		c.input.WithOutput(func(out *bytes.Buffer) {
			socks.SendReply(c.socksState, out, nil)
		})
		c.socksState = nil
		c.isOpen = true
		c.muState = stateOpen

		self.SetCallbacks(stream.Callbacks{
			OnReadable: c.downstreamReadFor(self),
			OnEvent:    c.outputEventFor(self),
		})
		c.input.SetCallbacks(stream.Callbacks{
			OnReadable: c.upstreamReadFor(c.input),
			OnEvent:    c.inputEvent,
		})
		c.input.EnableRead()
		c.input.EnableWrite()

		// A client that pipelines application bytes right behind the
		// CONNECT request has them sitting in input's buffer already;
		// flush them toward the now-open output before waiting for the
		// next OnReadable instead of dropping them.
		if c.input.Input().Len() > 0 {
			c.upstreamReadLocked(c.input)
		}
		return

	case stream.EventError, stream.EventEOF, stream.EventTimeout:
		c.log.Debug().Str("conn", c.id).Err(err).Msg("outbound connect failed during socks negotiation")
		c.input.WithOutput(func(out *bytes.Buffer) {
			socks.SendReply(c.socksState, out, err)
		})
		c.socksState = nil
		c.muState = stateRepliedDraining
		c.input.SetCallbacks(stream.Callbacks{OnWriteComplete: c.closeOnFlush(c.input)})
		c.input.EnableWrite()
		return

	default:
		panic(fmt.Sprintf("conn: unrecognized event %v on output side during socks attach", ev))
	}
}
