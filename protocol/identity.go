package protocol

import "bytes"

// identity is a no-op Protocol: bytes pass through unchanged in both
// directions and the handshake is empty. Used as a baseline for tests that
// care about the forwarding state machine rather than obfuscation.
type identity struct{}

func newIdentity(Params) (Protocol, error) {
	return identity{}, nil
}

func (identity) Handshake(out *bytes.Buffer) error {
	return nil
}

func (identity) Send(in, out *bytes.Buffer) error {
	out.Write(in.Bytes())
	in.Reset()
	return nil
}

func (identity) Recv(in, out *bytes.Buffer) (RecvResult, error) {
	out.Write(in.Bytes())
	in.Reset()
	return RecvOK, nil
}
