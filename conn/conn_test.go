package conn

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/obfuscated/ptrelay/config"
	"github.com/obfuscated/ptrelay/protocol"
	"github.com/obfuscated/ptrelay/registry"
	"github.com/obfuscated/ptrelay/socks"
)

// loopbackPair returns two ends of a real TCP connection, since Conn relies
// on net.Conn behavior (half-close, LocalAddr) that net.Pipe doesn't
// reproduce faithfully.
func loopbackPair(t *testing.T) (test net.Conn, accepted net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- c
	}()

	test, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case accepted = <-acceptedCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	}
	return test, accepted
}

// echoServer starts a listener that echoes every byte it receives back to
// the sender on the same connection, closing once its peer does.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	return ln
}

func newTestRegistry() (*registry.Registry, chan struct{}) {
	done := make(chan struct{})
	var closeOnce bool
	return registry.New(func() {
		if !closeOnce {
			closeOnce = true
			close(done)
		}
	}, zerolog.Nop()), done
}

func readWithTimeout(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	read := 0
	for read < n {
		m, err := c.Read(buf[read:])
		require.NoError(t, err)
		read += m
	}
	return buf
}

func TestSimpleClientEchoesThroughTarget(t *testing.T) {
	target := echoServer(t)
	defer target.Close()

	testConn, accepted := loopbackPair(t)
	defer testConn.Close()

	reg, _ := newTestRegistry()
	params := &config.ProtocolParams{
		Mode:       config.ModeSimpleClient,
		TargetAddr: target.Addr().String(),
		Protocol:   "identity",
	}
	_, err := NewSimpleClient(context.Background(), accepted, params, protocol.NewRegistry(), reg, &net.Dialer{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = testConn.Write([]byte("hello"))
	require.NoError(t, err)

	got := readWithTimeout(t, testConn, 5)
	require.Equal(t, "hello", string(got))
}

func TestSimpleServerRelaysPlaintextToTarget(t *testing.T) {
	target := echoServer(t)
	defer target.Close()

	testConn, accepted := loopbackPair(t)
	defer testConn.Close()

	reg, _ := newTestRegistry()
	params := &config.ProtocolParams{
		Mode:       config.ModeSimpleServer,
		TargetAddr: target.Addr().String(),
		Protocol:   "identity",
	}
	_, err := NewSimpleServer(context.Background(), accepted, params, protocol.NewRegistry(), reg, &net.Dialer{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = testConn.Write([]byte("world"))
	require.NoError(t, err)

	got := readWithTimeout(t, testConn, 5)
	require.Equal(t, "world", string(got))
}

func TestSimpleClientHalfCloseFlushesThenCloses(t *testing.T) {
	target := echoServer(t)
	// target half-closes on EOF from its peer (io.Copy returns, then Close)

	testConn, accepted := loopbackPair(t)

	reg, done := newTestRegistry()
	params := &config.ProtocolParams{
		Mode:       config.ModeSimpleClient,
		TargetAddr: target.Addr().String(),
		Protocol:   "identity",
	}
	_, err := NewSimpleClient(context.Background(), accepted, params, protocol.NewRegistry(), reg, &net.Dialer{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = testConn.Write([]byte("drain me"))
	require.NoError(t, err)
	got := readWithTimeout(t, testConn, len("drain me"))
	require.Equal(t, "drain me", string(got))

	// Closing the test side makes the target see EOF, echo completes, and
	// the target closes -- which must flush through to testConn's peer
	// (already gone) and tear the Conn down without hanging.
	testConn.Close()

	reg.StartShutdown(false)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never drained after half-close")
	}
}

func TestSocksClientConnectAndRelay(t *testing.T) {
	target := echoServer(t)
	defer target.Close()

	testConn, accepted := loopbackPair(t)
	defer testConn.Close()

	reg, _ := newTestRegistry()
	params := &config.ProtocolParams{Mode: config.ModeSocksClient, Protocol: "identity"}
	_, err := NewSocksClient(context.Background(), accepted, params, protocol.NewRegistry(), reg, &net.Dialer{}, net.DefaultResolver, zerolog.Nop())
	require.NoError(t, err)

	_, err = testConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	greetingReply := readWithTimeout(t, testConn, 2)
	require.Equal(t, []byte{0x05, 0x00}, greetingReply)

	host, portStr, err := net.SplitHostPort(target.Addr().String())
	require.NoError(t, err)
	ip := net.ParseIP(host).To4()
	require.NotNil(t, ip)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	_, err = testConn.Write(req)
	require.NoError(t, err)

	connectReply := readWithTimeout(t, testConn, 10)
	require.Equal(t, byte(0x05), connectReply[0])
	require.Equal(t, byte(0x00), connectReply[1], "CONNECT should succeed")

	_, err = testConn.Write([]byte("via-socks"))
	require.NoError(t, err)
	got := readWithTimeout(t, testConn, len("via-socks"))
	require.Equal(t, "via-socks", string(got))
}

func TestSocksClientRejectsNonConnectCommand(t *testing.T) {
	testConn, accepted := loopbackPair(t)
	defer testConn.Close()

	reg, _ := newTestRegistry()
	params := &config.ProtocolParams{Mode: config.ModeSocksClient, Protocol: "identity"}
	_, err := NewSocksClient(context.Background(), accepted, params, protocol.NewRegistry(), reg, &net.Dialer{}, net.DefaultResolver, zerolog.Nop())
	require.NoError(t, err)

	_, err = testConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	readWithTimeout(t, testConn, 2)

	// BIND instead of CONNECT
	req := []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	_, err = testConn.Write(req)
	require.NoError(t, err)

	reply := readWithTimeout(t, testConn, 10)
	require.Equal(t, byte(socks.Rep5CmdNotSupported), reply[1], "a non-CONNECT command gets the dedicated command-not-supported reply code")

	testConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = testConn.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
