package registry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeListener struct{ closed bool }

func (f *fakeListener) Close() error {
	f.closed = true
	return nil
}

type fakeConn struct {
	id   string
	freed bool
}

func (f *fakeConn) ConnID() string { return f.id }
func (f *fakeConn) Free()          { f.freed = true }

func TestAddAndCloseConn(t *testing.T) {
	r := New(func() {}, zerolog.Nop())
	c := &fakeConn{id: "c1"}
	r.AddConn(c)
	require.Equal(t, 1, r.Len())

	r.CloseConn(c)
	require.Equal(t, 0, r.Len())
	require.True(t, c.freed)
}

func TestCloseConnPanicsIfUnregistered(t *testing.T) {
	r := New(func() {}, zerolog.Nop())
	c := &fakeConn{id: "ghost"}
	require.Panics(t, func() { r.CloseConn(c) })
}

func TestRemoveAllListeners(t *testing.T) {
	r := New(func() {}, zerolog.Nop())
	l1, l2 := &fakeListener{}, &fakeListener{}
	r.AddListener(l1)
	r.AddListener(l2)

	r.RemoveAllListeners()
	require.True(t, l1.closed)
	require.True(t, l2.closed)
}

func TestStartShutdownFiresImmediatelyWhenEmpty(t *testing.T) {
	fired := make(chan struct{})
	r := New(func() { close(fired) }, zerolog.Nop())

	r.StartShutdown(false)

	select {
	case <-fired:
	default:
		t.Fatal("finishShutdown should fire immediately with no live connections")
	}
}

func TestStartShutdownGracefulWaitsForDrain(t *testing.T) {
	fired := make(chan struct{})
	r := New(func() { close(fired) }, zerolog.Nop())
	c := &fakeConn{id: "c1"}
	r.AddConn(c)

	r.StartShutdown(false)
	select {
	case <-fired:
		t.Fatal("finishShutdown must not fire while a connection is still live")
	default:
	}

	r.CloseConn(c)
	select {
	case <-fired:
	default:
		t.Fatal("finishShutdown should fire once the last connection closes during shutdown")
	}
}

func TestStartShutdownBarbaricClosesEverythingImmediately(t *testing.T) {
	fired := make(chan struct{})
	r := New(func() { close(fired) }, zerolog.Nop())
	c1, c2 := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}
	r.AddConn(c1)
	r.AddConn(c2)

	r.StartShutdown(true)

	require.True(t, c1.freed)
	require.True(t, c2.freed)
	select {
	case <-fired:
	default:
		t.Fatal("barbaric shutdown should fire finishShutdown once every connection is freed")
	}
}

func TestFinishShutdownFiresOnlyOnce(t *testing.T) {
	calls := 0
	r := New(func() { calls++ }, zerolog.Nop())
	r.StartShutdown(false)
	r.StartShutdown(false)
	require.Equal(t, 1, calls)
}
