// Package packetview provides a zero-copy sliding window over an incoming
// datagram buffer, used by the ADNL receive pipeline to peel off the
// recipient short id, the handshake/channel prefix and the checksum without
// reallocating the underlying buffer, and by the send pipeline to prepend
// those same headers in front of an already-serialized envelope.
package packetview

import "github.com/pkg/errors"

// View is a read cursor into an underlying byte slice. Advance never copies;
// it only moves the window's start forward.
type View struct {
	buf   []byte
	start int
}

// New wraps buf in a View starting at offset 0.
func New(buf []byte) *View {
	return &View{buf: buf}
}

// Len returns the number of unconsumed bytes.
func (v *View) Len() int { return len(v.buf) - v.start }

// Data returns the unconsumed remainder, still backed by the original
// buffer -- callers must not retain it past the next mutation of buf.
func (v *View) Data() []byte { return v.buf[v.start:] }

// Peek returns the next n bytes without advancing the window.
func (v *View) Peek(n int) ([]byte, error) {
	if v.Len() < n {
		return nil, errors.Errorf("packetview: need %d bytes, have %d", n, v.Len())
	}
	return v.buf[v.start : v.start+n], nil
}

// Take returns the next n bytes and advances the window past them.
func (v *View) Take(n int) ([]byte, error) {
	b, err := v.Peek(n)
	if err != nil {
		return nil, err
	}
	v.start += n
	return b, nil
}

// Advance moves the window forward n bytes without returning them, used
// once a header has already been inspected via Peek.
func (v *View) Advance(n int) error {
	if v.Len() < n {
		return errors.Errorf("packetview: cannot advance %d, only %d remain", n, v.Len())
	}
	v.start += n
	return nil
}

// Prepend returns a new buffer consisting of header followed by the
// View's current remainder. Used on send to stick the recipient short id /
// ephemeral key or channel id / checksum in front of a ciphertext payload
// that was built independently. This does allocate -- the zero-copy
// guarantee is for the receive path, where the incoming UDP buffer is never
// copied as headers are peeled off.
func Prepend(header []byte, body []byte) []byte {
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out
}
