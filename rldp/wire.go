package rldp

import (
	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/tl"
)

// Tag constants for this module's TL façade, mirroring the adnl and overlay
// packages' own made-up-but-stable tag space (spec.md treats TL codegen as
// an external collaborator; this module supplies just enough framing to
// round-trip its own wire types).
const (
	tagMessagePart tl.Tag = 0x7e2b7b0c
	tagAck         tl.Tag = 0x5a5a5e6e
	tagComplete    tl.Tag = 0x2c5e6c1e
	tagError       tl.Tag = 0x0e7e6a0e
	tagQuery       tl.Tag = 0x3e1b7a4c
	tagAnswer      tl.Tag = 0x4a6e7a2c
)

// MessagePart is one FEC-coded fragment of a transfer, spec.md section 6:
// "(transfer_id[32], fec_type{data_size, symbol_size, symbols_count}, part,
// total_size, seqno, data[])". fec_type's three fields are inlined rather
// than nested, matching the overlay package's BroadcastFec precedent. Part
// carries the originating RaptorQEncoder block index: repair symbol ids
// (in Seqno) repeat across blocks once a payload spans more than one
// erasure-coding block, so Part is what lets the receiver's decoder address
// the right block instead of guessing from Seqno alone.
type MessagePart struct {
	TransferID   common.Hash
	DataSize     uint32
	SymbolSize   uint32
	SymbolsCount uint32
	Part         int32
	TotalSize    int64
	Seqno        uint32
	Data         []byte
}

func (m *MessagePart) Tag() tl.Tag { return tagMessagePart }

func (m *MessagePart) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(m.TransferID[:])
	w.WriteUint32(m.DataSize)
	w.WriteUint32(m.SymbolSize)
	w.WriteUint32(m.SymbolsCount)
	w.WriteInt32(m.Part)
	w.WriteInt64(m.TotalSize)
	w.WriteUint32(m.Seqno)
	w.WriteBytes(m.Data)
	return nil
}

func (m *MessagePart) UnmarshalTL(r *tl.Reader) error {
	id, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(m.TransferID[:], id)
	if m.DataSize, err = r.ReadUint32(); err != nil {
		return err
	}
	if m.SymbolSize, err = r.ReadUint32(); err != nil {
		return err
	}
	if m.SymbolsCount, err = r.ReadUint32(); err != nil {
		return err
	}
	if m.Part, err = r.ReadInt32(); err != nil {
		return err
	}
	if m.TotalSize, err = r.ReadInt64(); err != nil {
		return err
	}
	if m.Seqno, err = r.ReadUint32(); err != nil {
		return err
	}
	if m.Data, err = r.ReadBytes(); err != nil {
		return err
	}
	return nil
}

// Ack reports progress on a transfer: the receiver sends one every
// Config.AckEvery accepted parts, and MaxSeqno is the seqno of the part
// that triggered it, not a cumulative watermark. The sender uses any Ack
// only to switch to the back-off interval.
type Ack struct {
	TransferID common.Hash
	MaxSeqno   uint32
}

func (a *Ack) Tag() tl.Tag { return tagAck }
func (a *Ack) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(a.TransferID[:])
	w.WriteUint32(a.MaxSeqno)
	return nil
}
func (a *Ack) UnmarshalTL(r *tl.Reader) error {
	id, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(a.TransferID[:], id)
	a.MaxSeqno, err = r.ReadUint32()
	return err
}

// Complete signals that the receiver has fully reassembled a transfer.
type Complete struct {
	TransferID common.Hash
}

func (c *Complete) Tag() tl.Tag { return tagComplete }
func (c *Complete) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(c.TransferID[:])
	return nil
}
func (c *Complete) UnmarshalTL(r *tl.Reader) error {
	id, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(c.TransferID[:], id)
	return nil
}

// Error aborts a transfer from the receiver's side (parameters rejected,
// decode failed).
type Error struct {
	TransferID common.Hash
	Code       int32
	Message    string
}

func (e *Error) Tag() tl.Tag { return tagError }
func (e *Error) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(e.TransferID[:])
	w.WriteInt32(e.Code)
	w.WriteBytes([]byte(e.Message))
	return nil
}
func (e *Error) UnmarshalTL(r *tl.Reader) error {
	id, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(e.TransferID[:], id)
	if e.Code, err = r.ReadInt32(); err != nil {
		return err
	}
	msg, err := r.ReadBytes()
	if err != nil {
		return err
	}
	e.Message = string(msg)
	return nil
}

// Query is the envelope a request payload travels in when sent through
// Node.Query: the answer transfer's id is QueryID, correlating request and
// answer without a separate side channel.
type Query struct {
	QueryID       common.Hash
	MaxAnswerSize int64
	TimeoutMs     int32
	Data          []byte
}

func (q *Query) Tag() tl.Tag { return tagQuery }
func (q *Query) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(q.QueryID[:])
	w.WriteInt64(q.MaxAnswerSize)
	w.WriteInt32(q.TimeoutMs)
	w.WriteBytes(q.Data)
	return nil
}
func (q *Query) UnmarshalTL(r *tl.Reader) error {
	id, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(q.QueryID[:], id)
	if q.MaxAnswerSize, err = r.ReadInt64(); err != nil {
		return err
	}
	if q.TimeoutMs, err = r.ReadInt32(); err != nil {
		return err
	}
	if q.Data, err = r.ReadBytes(); err != nil {
		return err
	}
	return nil
}

// Answer is sent back as the payload of a fresh transfer whose TransferID
// equals the originating Query's QueryID.
type Answer struct {
	QueryID common.Hash
	Data    []byte
}

func (a *Answer) Tag() tl.Tag { return tagAnswer }
func (a *Answer) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(a.QueryID[:])
	w.WriteBytes(a.Data)
	return nil
}
func (a *Answer) UnmarshalTL(r *tl.Reader) error {
	id, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(a.QueryID[:], id)
	var err2 error
	a.Data, err2 = r.ReadBytes()
	return err2
}
