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
)

// NewSimpleClient accepts a connection from a local plaintext client and
// obfuscates it onto the wire toward params.TargetAddr.
func NewSimpleClient(ctx context.Context, accepted net.Conn, params *config.ProtocolParams, protoReg *protocol.Registry, reg *registry.Registry, dialer *net.Dialer, log zerolog.Logger) (*Conn, error) {
	c, err := newBase(ctx, accepted, config.ModeSimpleClient, params, protoReg, reg, dialer, log)
	if err != nil {
		return nil, err
	}

	c.input = newInputStream(accepted, c.upstreamReadFor, c.inputEvent)
	c.output = newUnconnectedStream(c.downstreamReadFor, c.outputEventFor)

	var hsErr error
	c.output.WithOutput(func(out *bytes.Buffer) {
		hsErr = c.proto.Handshake(out)
	})
	if hsErr != nil {
		c.teardownPartial()
		return nil, fmt.Errorf("conn: simple-client handshake: %w", hsErr)
	}

	c.output.DialTCP(ctx, c.dialer, "tcp", params.TargetAddr)
	c.output.EnableRead()
	c.output.EnableWrite()

	reg.AddConn(c)
	c.log.Debug().Str("conn", c.id).Str("target", params.TargetAddr).Msg("simple-client connection accepted")
	return c, nil
}

// NewSimpleServer accepts a connection from a remote obfuscated peer and
// relays plaintext toward params.TargetAddr. Structurally identical to
// SimpleClient except the callback pairing is swapped and the handshake is
// queued into input's write buffer instead of output's -- the obfuscated
// handshake must be emitted back on the inbound channel, not the plaintext
// outbound one.
func NewSimpleServer(ctx context.Context, accepted net.Conn, params *config.ProtocolParams, protoReg *protocol.Registry, reg *registry.Registry, dialer *net.Dialer, log zerolog.Logger) (*Conn, error) {
	c, err := newBase(ctx, accepted, config.ModeSimpleServer, params, protoReg, reg, dialer, log)
	if err != nil {
		return nil, err
	}

	c.input = newInputStream(accepted, c.downstreamReadFor, c.inputEvent)
	c.output = newUnconnectedStream(c.upstreamReadFor, c.outputEventFor)

	var hsErr error
	c.input.WithOutput(func(out *bytes.Buffer) {
		hsErr = c.proto.Handshake(out)
	})
	if hsErr != nil {
		c.teardownPartial()
		return nil, fmt.Errorf("conn: simple-server handshake: %w", hsErr)
	}
	c.input.EnableWrite() // flush the handshake back to the remote peer right away

	c.output.DialTCP(ctx, c.dialer, "tcp", params.TargetAddr)
	c.output.EnableRead()
	c.output.EnableWrite()

	reg.AddConn(c)
	c.log.Debug().Str("conn", c.id).Str("target", params.TargetAddr).Msg("simple-server connection accepted")
	return c, nil
}

// teardownPartial is used on construction failure before the connection has
// been registered: Free already owns and closes the accepted socket through
// c.input, so there's nothing left to close here.
func (c *Conn) teardownPartial() {
	c.Free()
}
