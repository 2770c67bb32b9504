// Package registry holds the two process-wide sets (live listeners, live
// connections) plus the shutting-down flag, and
// orchestrates graceful vs. barbaric shutdown. Its sets are guarded by a
// mutex: the original's registry was only ever touched from a single
// reactor thread, but a signal-driven shutdown and N connection-goroutines
// all reach into it here.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
)

// ManagedListener is the subset of *listener.Listener the registry needs.
// Kept as an interface (rather than importing package listener) so
// registry, listener, and conn can import each other's public surface
// without a cycle.
type ManagedListener interface {
	Close() error
}

// ManagedConn is the subset of *conn.Conn the registry needs.
type ManagedConn interface {
	ConnID() string
	Free()
}

// Registry is the process-wide listener/connection bookkeeping plus
// shutdown orchestration. The zero value is not usable; use New.
type Registry struct {
	mu             sync.Mutex
	listeners      map[ManagedListener]struct{}
	conns          map[ManagedConn]struct{}
	shuttingDown   bool
	finishShutdown func()
	log            zerolog.Logger
}

// New returns an empty Registry. finishShutdown is invoked exactly once,
// when the connection set empties out while shuttingDown is latched (or
// immediately, if StartShutdown is called with no live connections).
func New(finishShutdown func(), log zerolog.Logger) *Registry {
	return &Registry{
		listeners:      make(map[ManagedListener]struct{}),
		conns:          make(map[ManagedConn]struct{}),
		finishShutdown: finishShutdown,
		log:            log,
	}
}

// AddListener registers a successfully bound listener.
func (r *Registry) AddListener(l ManagedListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[l] = struct{}{}
}

// RemoveAllListeners closes every registered listener (which implicitly
// stops it from accepting) and clears the set. Does not touch connections.
func (r *Registry) RemoveAllListeners() {
	r.mu.Lock()
	listeners := make([]ManagedListener, 0, len(r.listeners))
	for l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.listeners = make(map[ManagedListener]struct{})
	r.mu.Unlock()

	r.log.Info().Int("count", len(listeners)).Msg("closing all listeners")
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			r.log.Debug().Err(err).Msg("listener close")
		}
	}
}

// AddConn registers conn. A Conn appears in the registry exactly once, from
// successful construction through CloseConn.
func (r *Registry) AddConn(c ManagedConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	r.log.Debug().Str("conn", c.ConnID()).Int("connections", len(r.conns)).Msg("connection registered")
}

// CloseConn removes conn from the registry and frees it. If the registry is
// now empty and a shutdown is in progress, FinishShutdown fires.
func (r *Registry) CloseConn(c ManagedConn) {
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		panic("registry: CloseConn called on an unregistered connection")
	}
	delete(r.conns, c)
	remaining := len(r.conns)
	shuttingDown := r.shuttingDown
	r.mu.Unlock()

	c.Free()
	r.log.Debug().Str("conn", c.ConnID()).Int("connections", remaining).Msg("connection closed")

	if remaining == 0 && shuttingDown {
		r.fireFinishShutdown()
	}
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// StartShutdown is the single entry point from a signal handler.
// barbaric forcibly tears down every live connection synchronously instead
// of waiting for in-flight flushes to drain.
func (r *Registry) StartShutdown(barbaric bool) {
	r.mu.Lock()
	alreadyShutting := r.shuttingDown
	r.shuttingDown = true
	r.mu.Unlock()
	if !alreadyShutting {
		r.log.Info().Bool("barbaric", barbaric).Msg("shutdown requested")
	}

	if barbaric {
		r.closeAllConnections()
	}

	r.mu.Lock()
	empty := len(r.conns) == 0
	r.mu.Unlock()

	if empty {
		r.fireFinishShutdown()
	}
}

// closeAllConnections frees every connection directly, bypassing CloseConn
// (no per-connection set-removal while walking the same set). Matches the
// original's close_all_connections: event callbacks that would later fire
// on these dead connections cannot happen because each Stream's socket is
// already closed as part of conn.Free.
func (r *Registry) closeAllConnections() {
	r.mu.Lock()
	conns := make([]ManagedConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[ManagedConn]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		c.Free()
	}
}

func (r *Registry) fireFinishShutdown() {
	r.mu.Lock()
	if r.finishShutdown == nil {
		r.mu.Unlock()
		return
	}
	fn := r.finishShutdown
	r.finishShutdown = nil // fire exactly once
	r.mu.Unlock()
	fn()
}
