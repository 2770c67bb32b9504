package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame flags for the xorstream wire format: a tiny length-prefixed framing
// layer over a keyed XOR keystream, just enough to (a) obfuscate the literal
// bytes on the wire so a packet capture doesn't show plaintext and (b)
// exercise RecvSendPending via a zero-length "hello acknowledged" control
// frame queued by Handshake.
const (
	flagData byte = 0
	flagHelloAck byte = 2

	frameHeaderLen = 3 // flag(1) + length(2, big-endian)
)

// xorStream is a keyed XOR stream obfuscator. Each direction keeps its own
// running keystream offset, which stays in sync across a connection pair
// because both sides process the same bytes in the same order.
type xorStream struct {
	key        []byte
	sendOffset int
	recvOffset int
}

func newXORStream(p Params) (Protocol, error) {
	if len(p.Key) == 0 {
		return nil, fmt.Errorf("protocol: xorstream requires a non-empty key")
	}
	return &xorStream{key: p.Key}, nil
}

func (x *xorStream) cipher(dst, src []byte, offset int) int {
	for i, b := range src {
		dst[i] = b ^ x.key[(offset+i)%len(x.key)]
	}
	return offset + len(src)
}

func (x *xorStream) writeFrame(out *bytes.Buffer, flag byte, payload []byte) {
	var hdr [frameHeaderLen]byte
	hdr[0] = flag
	binary.BigEndian.PutUint16(hdr[1:3], uint16(len(payload)))
	out.Write(hdr[:])
	if len(payload) == 0 {
		return
	}
	ciphered := make([]byte, len(payload))
	x.sendOffset = x.cipher(ciphered, payload, x.sendOffset)
	out.Write(ciphered)
}

// Handshake queues a hello-ack control frame so the peer's first Recv call
// observes RecvSendPending and flushes any pipelined plaintext immediately.
func (x *xorStream) Handshake(out *bytes.Buffer) error {
	x.writeFrame(out, flagHelloAck, nil)
	return nil
}

func (x *xorStream) Send(in, out *bytes.Buffer) error {
	if in.Len() == 0 {
		return nil
	}
	payload := append([]byte(nil), in.Bytes()...)
	in.Reset()
	x.writeFrame(out, flagData, payload)
	return nil
}

func (x *xorStream) Recv(in, out *bytes.Buffer) (RecvResult, error) {
	sawHelloAck := false
	for {
		buf := in.Bytes()
		if len(buf) < frameHeaderLen {
			break
		}
		flag := buf[0]
		length := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) < frameHeaderLen+length {
			break
		}

		switch flag {
		case flagHelloAck:
			if length != 0 {
				return RecvOK, fmt.Errorf("protocol: xorstream hello-ack frame carries a payload")
			}
			sawHelloAck = true
		case flagData:
			payload := buf[frameHeaderLen : frameHeaderLen+length]
			plain := make([]byte, length)
			x.recvOffset = x.cipher(plain, payload, x.recvOffset)
			out.Write(plain)
		default:
			return RecvOK, fmt.Errorf("protocol: xorstream unknown frame flag %d", flag)
		}
		in.Next(frameHeaderLen + length)
	}
	if sawHelloAck {
		return RecvSendPending, nil
	}
	return RecvOK, nil
}
