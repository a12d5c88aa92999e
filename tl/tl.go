// Package tl is the wire serialization façade spec.md treats as an opaque
// encode/decode layer: TL schema code generation is out of scope (an
// external collaborator, per spec.md section 2), so this package hand-rolls
// just the length-prefixed binary primitives and a small tag registry the
// adnl/overlay/rldp packages need, instead of compiling a .tl schema.
package tl

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
)

// Tag is a TL boxed-type constructor id: a 4-byte little-endian prefix that
// identifies which concrete Object follows.
type Tag uint32

// Object is anything with a TL boxed representation: a constructor tag plus
// a wire encoding of its body.
type Object interface {
	Tag() Tag
	MarshalTL(w *Writer) error
}

// Decoder builds a fresh, empty instance of one Object kind so UnmarshalTL
// can fill it in. Concrete packages register one of these per tag they own.
type Decoder func() interface {
	Object
	UnmarshalTL(r *Reader) error
}

var registry = map[Tag]Decoder{}

// Register associates a tag with a decoder factory. Called from package
// init() in adnl/overlay/rldp for each concrete message type they define.
func Register(tag Tag, dec Decoder) {
	registry[tag] = dec
}

// Writer accumulates a TL byte stream.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// WriteBytes writes a length-prefixed byte string, 4-byte aligned: a short
// form (one length byte) for payloads under 254 bytes, a long form (0xFE
// marker + 3-byte length) otherwise, followed by zero padding up to the
// next multiple of 4 bytes. This is TON's TL byte-string framing.
func (w *Writer) WriteBytes(data []byte) {
	n := len(data)
	var header []byte
	if n < 254 {
		header = []byte{byte(n)}
	} else {
		header = []byte{0xFE, byte(n), byte(n >> 8), byte(n >> 16)}
	}
	w.buf = append(w.buf, header...)
	w.buf = append(w.buf, data...)
	total := len(header) + n
	if pad := (4 - total%4) % 4; pad != 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint32(0x997275b5) // boolTrue
	} else {
		w.WriteUint32(0xbc799737) // boolFalse
	}
}

// WriteBoxed writes obj's tag followed by its body, the standard TL "boxed"
// framing every top-level ADNL/overlay/RLDP object uses on the wire.
func WriteBoxed(w *Writer, obj Object) error {
	w.WriteUint32(uint32(obj.Tag()))
	return obj.MarshalTL(w)
}

// Reader consumes a TL byte stream left-to-right without copying the
// underlying slice (it only advances an offset).
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	if r.Remaining() < 1 {
		return nil, io.ErrUnexpectedEOF
	}
	first := r.buf[r.pos]
	var n, headerLen int
	if first < 254 {
		n = int(first)
		headerLen = 1
	} else {
		if r.Remaining() < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		n = int(r.buf[r.pos+1]) | int(r.buf[r.pos+2])<<8 | int(r.buf[r.pos+3])<<16
		headerLen = 4
	}
	total := headerLen + n
	if r.Remaining() < total {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, n)
	copy(data, r.buf[r.pos+headerLen:r.pos+headerLen+n])
	r.pos += total
	if pad := (4 - total%4) % 4; pad != 0 {
		if r.Remaining() < pad {
			return nil, io.ErrUnexpectedEOF
		}
		r.pos += pad
	}
	return data, nil
}

func (r *Reader) ReadBool() (bool, error) {
	tag, err := r.ReadUint32()
	if err != nil {
		return false, err
	}
	switch tag {
	case 0x997275b5:
		return true, nil
	case 0xbc799737:
		return false, nil
	default:
		return false, errors.Errorf("not a TL bool constructor: %#x", tag)
	}
}

// ReadBoxed reads a tag and dispatches to the registered decoder, returning
// a fully populated Object. Unknown tags are reported so callers can treat
// a mismatched decode as "not consumed" rather than a hard error.
func ReadBoxed(r *Reader) (Object, error) {
	tag, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	dec, ok := registry[Tag(tag)]
	if !ok {
		return nil, errors.Errorf("unknown TL constructor tag %#x", tag)
	}
	obj := dec()
	if err := obj.UnmarshalTL(r); err != nil {
		return nil, errors.Wrapf(err, "decode body for tag %#x", tag)
	}
	return obj, nil
}

// SerializeBoxed encodes obj as tag+body.
func SerializeBoxed(obj Object) ([]byte, error) {
	w := NewWriter()
	if err := WriteBoxed(w, obj); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// HashBoxed computes sha256(SerializeBoxed(obj)), the construction behind
// every short id and broadcast hash in this module.
func HashBoxed(obj Object) (common.Hash, error) {
	b, err := SerializeBoxed(obj)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(cryptoutil.Sha256(b)), nil
}

// DeserializeBundle reads as many boxed objects as fit in data, stopping
// (without error) at the first object that fails to decode (a short read or
// an unregistered tag) once at least one object has been decoded -- mirroring deserialize_bundle's "tolerate trailing junk" rule,
// used to split an ADNL custom-message payload into (overlay message,
// broadcast) or a query bundle into its constituent TL objects.
func DeserializeBundle(data []byte) ([]Object, error) {
	r := NewReader(data)
	var out []Object
	for r.Remaining() > 0 {
		obj, err := ReadBoxed(r)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			break
		}
		out = append(out, obj)
	}
	return out, nil
}
