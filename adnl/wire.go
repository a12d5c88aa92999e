package adnl

import (
	"github.com/pkg/errors"

	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/tl"
)

// TL constructor tags for every boxed record this package puts on the wire.
// Values are this module's own façade, not a copy of any upstream schema.
const (
	tagPublicKeyEd25519  tl.Tag = 0x2dd96e5c
	tagAddressUDP        tl.Tag = 0x670da6e7
	tagAddressList       tl.Tag = 0x8ed1edf9
	tagPacketContents    tl.Tag = 0xdb7a8f5c
	tagMessageCustom     tl.Tag = 0x2a5a87b1
	tagMessageQuery      tl.Tag = 0x31b1e4a7
	tagMessageAnswer     tl.Tag = 0x6e18e3f0
	tagMessageCreateChan tl.Tag = 0x8f7add3a
	tagMessageConfirmChan tl.Tag = 0xc3c0edc3
)

func init() {
	tl.Register(tagAddressUDP, func() interface {
		tl.Object
		UnmarshalTL(r *tl.Reader) error
	} {
		return &AddressUDP{}
	})
	tl.Register(tagAddressList, func() interface {
		tl.Object
		UnmarshalTL(r *tl.Reader) error
	} {
		return &AddressList{}
	})
	tl.Register(tagPacketContents, func() interface {
		tl.Object
		UnmarshalTL(r *tl.Reader) error
	} {
		return &PacketContents{}
	})
}

// AddressUDP is a single UDP endpoint: IPv4 address packed as a big-endian
// uint32 plus a port.
type AddressUDP struct {
	IP   uint32
	Port uint16
}

func (a *AddressUDP) Tag() tl.Tag { return tagAddressUDP }

func (a *AddressUDP) MarshalTL(w *tl.Writer) error {
	w.WriteUint32(a.IP)
	w.WriteUint32(uint32(a.Port))
	return nil
}

func (a *AddressUDP) UnmarshalTL(r *tl.Reader) error {
	ip, err := r.ReadUint32()
	if err != nil {
		return err
	}
	port, err := r.ReadUint32()
	if err != nil {
		return err
	}
	a.IP = ip
	a.Port = uint16(port)
	return nil
}

// AddressList is a peer's advertised UDP endpoint set, plus the version and
// expiry spec.md's data model names: "UDP endpoint + version + expiry".
type AddressList struct {
	Addrs      []AddressUDP
	Version    int32
	ReinitDate int32
	ExpireAt   int32
}

func (a *AddressList) Tag() tl.Tag { return tagAddressList }

func (a *AddressList) MarshalTL(w *tl.Writer) error {
	w.WriteUint32(uint32(len(a.Addrs)))
	for i := range a.Addrs {
		if err := a.Addrs[i].MarshalTL(w); err != nil {
			return err
		}
	}
	w.WriteInt32(a.Version)
	w.WriteInt32(a.ReinitDate)
	w.WriteInt32(a.ExpireAt)
	return nil
}

func (a *AddressList) UnmarshalTL(r *tl.Reader) error {
	n, err := r.ReadUint32()
	if err != nil {
		return err
	}
	a.Addrs = make([]AddressUDP, n)
	for i := range a.Addrs {
		if err := a.Addrs[i].UnmarshalTL(r); err != nil {
			return err
		}
	}
	if a.Version, err = r.ReadInt32(); err != nil {
		return err
	}
	if a.ReinitDate, err = r.ReadInt32(); err != nil {
		return err
	}
	if a.ExpireAt, err = r.ReadInt32(); err != nil {
		return err
	}
	return nil
}

// Message is one envelope-level ADNL message: a custom payload, a query, an
// answer, or a channel-lifecycle message.
type Message interface {
	tl.Object
	isMessage()
}

type MessageCustom struct{ Data []byte }

func (MessageCustom) isMessage()     {}
func (MessageCustom) Tag() tl.Tag    { return tagMessageCustom }
func (m MessageCustom) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(m.Data)
	return nil
}
func (m *MessageCustom) UnmarshalTL(r *tl.Reader) (err error) {
	m.Data, err = r.ReadBytes()
	return err
}

type MessageQuery struct {
	QueryID common.Hash
	Data    []byte
}

func (MessageQuery) isMessage()  {}
func (MessageQuery) Tag() tl.Tag { return tagMessageQuery }
func (m MessageQuery) MarshalTL(w *tl.Writer) error {
	w.WriteRaw(m.QueryID[:])
	w.WriteBytes(m.Data)
	return nil
}
func (m *MessageQuery) UnmarshalTL(r *tl.Reader) error {
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	m.QueryID = common.BytesToHash(raw)
	m.Data, err = r.ReadBytes()
	return err
}

type MessageAnswer struct {
	QueryID common.Hash
	Data    []byte
}

func (MessageAnswer) isMessage()  {}
func (MessageAnswer) Tag() tl.Tag { return tagMessageAnswer }
func (m MessageAnswer) MarshalTL(w *tl.Writer) error {
	w.WriteRaw(m.QueryID[:])
	w.WriteBytes(m.Data)
	return nil
}
func (m *MessageAnswer) UnmarshalTL(r *tl.Reader) error {
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	m.QueryID = common.BytesToHash(raw)
	m.Data, err = r.ReadBytes()
	return err
}

type MessageCreateChannel struct {
	Key  [32]byte // ephemeral X25519 public key
	Date int32
}

func (MessageCreateChannel) isMessage()  {}
func (MessageCreateChannel) Tag() tl.Tag { return tagMessageCreateChan }
func (m MessageCreateChannel) MarshalTL(w *tl.Writer) error {
	w.WriteRaw(m.Key[:])
	w.WriteInt32(m.Date)
	return nil
}
func (m *MessageCreateChannel) UnmarshalTL(r *tl.Reader) error {
	raw, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(m.Key[:], raw)
	m.Date, err = r.ReadInt32()
	return err
}

type MessageConfirmChannel struct {
	Key  [32]byte
	Date int32
}

func (MessageConfirmChannel) isMessage()  {}
func (MessageConfirmChannel) Tag() tl.Tag { return tagMessageConfirmChan }
func (m MessageConfirmChannel) MarshalTL(w *tl.Writer) error {
	w.WriteRaw(m.Key[:])
	w.WriteInt32(m.Date)
	return nil
}
func (m *MessageConfirmChannel) UnmarshalTL(r *tl.Reader) error {
	raw, err := r.ReadRaw(32)
	if err != nil {
		return err
	}
	copy(m.Key[:], raw)
	m.Date, err = r.ReadInt32()
	return err
}

func decodeMessage(tag tl.Tag, r *tl.Reader) (Message, error) {
	var m interface {
		Message
		UnmarshalTL(r *tl.Reader) error
	}
	switch tag {
	case tagMessageCustom:
		m = &MessageCustom{}
	case tagMessageQuery:
		m = &MessageQuery{}
	case tagMessageAnswer:
		m = &MessageAnswer{}
	case tagMessageCreateChan:
		m = &MessageCreateChannel{}
	case tagMessageConfirmChan:
		m = &MessageConfirmChannel{}
	default:
		return nil, errors.Errorf("adnl: unknown message tag %#x", tag)
	}
	if err := m.UnmarshalTL(r); err != nil {
		return nil, err
	}
	return m, nil
}

// PacketContents is the plaintext envelope carried inside every ADNL
// packet, per spec.md section 6: rand1, from, address, messages, seqno,
// confirm_seqno, recv_addr_list_version, reinit_date, dst_reinit_date,
// signature, rand2.
type PacketContents struct {
	Rand1               []byte
	FromPublic          []byte // full public key, present on handshake packets
	FromShort           *common.Hash
	Address             *AddressList
	Messages            []Message
	Seqno               int64
	ConfirmSeqno        int64
	RecvAddrListVersion int32
	ReinitDate          int32
	DstReinitDate       int32
	Signature           []byte
	Rand2               []byte
}

func (p *PacketContents) Tag() tl.Tag { return tagPacketContents }

func (p *PacketContents) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(p.Rand1)

	hasFullID := p.FromPublic != nil
	w.WriteBool(hasFullID)
	if hasFullID {
		w.WriteBytes(p.FromPublic)
	} else {
		w.WriteRaw(p.FromShort[:])
	}

	hasAddr := p.Address != nil
	w.WriteBool(hasAddr)
	if hasAddr {
		if err := p.Address.MarshalTL(w); err != nil {
			return err
		}
	}

	w.WriteUint32(uint32(len(p.Messages)))
	for _, m := range p.Messages {
		if err := tl.WriteBoxed(w, m); err != nil {
			return err
		}
	}

	w.WriteInt64(p.Seqno)
	w.WriteInt64(p.ConfirmSeqno)
	w.WriteInt32(p.RecvAddrListVersion)
	w.WriteInt32(p.ReinitDate)
	w.WriteInt32(p.DstReinitDate)

	hasSig := len(p.Signature) > 0
	w.WriteBool(hasSig)
	if hasSig {
		w.WriteBytes(p.Signature)
	}

	w.WriteBytes(p.Rand2)
	return nil
}

func (p *PacketContents) UnmarshalTL(r *tl.Reader) error {
	var err error
	if p.Rand1, err = r.ReadBytes(); err != nil {
		return err
	}

	hasFullID, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasFullID {
		if p.FromPublic, err = r.ReadBytes(); err != nil {
			return err
		}
	} else {
		raw, err := r.ReadRaw(common.HashSize)
		if err != nil {
			return err
		}
		h := common.BytesToHash(raw)
		p.FromShort = &h
	}

	hasAddr, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasAddr {
		p.Address = &AddressList{}
		if err := p.Address.UnmarshalTL(r); err != nil {
			return err
		}
	}

	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	p.Messages = make([]Message, 0, count)
	for i := uint32(0); i < count; i++ {
		tag, err := r.ReadUint32()
		if err != nil {
			return err
		}
		msg, err := decodeMessage(tl.Tag(tag), r)
		if err != nil {
			return err
		}
		p.Messages = append(p.Messages, msg)
	}

	if p.Seqno, err = r.ReadInt64(); err != nil {
		return err
	}
	if p.ConfirmSeqno, err = r.ReadInt64(); err != nil {
		return err
	}
	if p.RecvAddrListVersion, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.ReinitDate, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.DstReinitDate, err = r.ReadInt32(); err != nil {
		return err
	}

	hasSig, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasSig {
		if p.Signature, err = r.ReadBytes(); err != nil {
			return err
		}
	}

	p.Rand2, err = r.ReadBytes()
	return err
}
