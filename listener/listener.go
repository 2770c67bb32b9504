// Package listener owns accept loops: one bound socket per configured
// ProtocolParams entry, dispatching each accepted connection into the
// acceptance flow its mode calls for.
package listener

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/obfuscated/ptrelay/config"
	"github.com/obfuscated/ptrelay/conn"
	"github.com/obfuscated/ptrelay/protocol"
	"github.com/obfuscated/ptrelay/registry"
	"github.com/obfuscated/ptrelay/sockopt"
)

// Listener is one bound socket plus the acceptance flow it feeds. It
// implements registry.ManagedListener.
type Listener struct {
	params   *config.ProtocolParams
	ln       net.Listener
	reg      *registry.Registry
	protoReg *protocol.Registry
	dialer   *net.Dialer
	resolver *net.Resolver
	log      zerolog.Logger

	cancel context.CancelFunc
}

// New binds params.ListenAddr and starts its accept loop in a new goroutine.
// On bind failure it returns an error and registers nothing.
func New(ctx context.Context, params *config.ProtocolParams, protoReg *protocol.Registry, reg *registry.Registry, log zerolog.Logger) (*Listener, error) {
	lc := net.ListenConfig{Control: sockopt.Listen}

	ln, err := lc.Listen(ctx, "tcp", params.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", params.ListenAddr, err)
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		params:   params,
		ln:       ln,
		reg:      reg,
		protoReg: protoReg,
		dialer:   &net.Dialer{Control: sockopt.Dial},
		resolver: net.DefaultResolver,
		log:      log.With().Str("listen", params.ListenAddr).Str("mode", params.Mode.String()).Logger(),
		cancel:   cancel,
	}

	reg.AddListener(l)
	go l.acceptLoop(lctx)

	l.log.Info().Msg("listening")
	return l, nil
}

// Close implements registry.ManagedListener: stops the accept loop and
// releases the bound socket. Idempotent at the net.Listener level.
func (l *Listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.log.Warn().Err(err).Msg("accept failed, listener stopping")
			return
		}

		if err := l.dispatch(ctx, c); err != nil {
			l.log.Warn().Err(err).Msg("failed to set up accepted connection")
		}
	}
}

// dispatch builds the right acceptance flow for this listener's mode. Each
// constructor registers the resulting *conn.Conn with the registry itself
// on success.
func (l *Listener) dispatch(ctx context.Context, accepted net.Conn) error {
	switch l.params.Mode {
	case config.ModeSimpleClient:
		_, err := conn.NewSimpleClient(ctx, accepted, l.params, l.protoReg, l.reg, l.dialer, l.log)
		return err
	case config.ModeSimpleServer:
		_, err := conn.NewSimpleServer(ctx, accepted, l.params, l.protoReg, l.reg, l.dialer, l.log)
		return err
	case config.ModeSocksClient:
		_, err := conn.NewSocksClient(ctx, accepted, l.params, l.protoReg, l.reg, l.dialer, l.resolver, l.log)
		return err
	default:
		accepted.Close()
		return fmt.Errorf("listener: unhandled mode %v", l.params.Mode)
	}
}
