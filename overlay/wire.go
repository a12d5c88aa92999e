package overlay

import (
	"github.com/ground-x/adnl/adnl"
	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
	"github.com/ground-x/adnl/tl"
)

// TL constructor tags for every boxed record this package puts on the wire.
// As with the adnl package, these values are this module's own façade.
const (
	tagOverlayIDFull     tl.Tag = 0x51fd3dbd
	tagOverlayMessage    tl.Tag = 0x75d20bc7
	tagBroadcastSimple   tl.Tag = 0x9a5f3c2e
	tagBroadcastSimpleHash tl.Tag = 0x1a9b6c44 // never put on the wire, only hashed/signed
	tagBroadcastFec      tl.Tag = 0xc76e8b7a
	tagBroadcastFecHash  tl.Tag = 0x2d6f5a19 // never put on the wire, only hashed/signed
	tagOverlayQuery      tl.Tag = 0xe5e33e5a
	tagGetRandomPeers    tl.Tag = 0x7e5d4a5e
	tagNodes             tl.Tag = 0x7a19f5b1
	tagNode              tl.Tag = 0x3b0f8d1c
)

// OverlayIDFull is the pre-image of an overlay short id: a workchain number
// plus the zero-state file hash that pins it to one chain, spec.md section
// 4.4 and 6.
type OverlayIDFull struct {
	WorkchainID       int32
	ZeroStateFileHash common.Hash
}

func (o OverlayIDFull) Tag() tl.Tag { return tagOverlayIDFull }
func (o OverlayIDFull) MarshalTL(w *tl.Writer) error {
	w.WriteInt32(o.WorkchainID)
	w.WriteRaw(o.ZeroStateFileHash[:])
	return nil
}
func (o *OverlayIDFull) UnmarshalTL(r *tl.Reader) error {
	var err error
	if o.WorkchainID, err = r.ReadInt32(); err != nil {
		return err
	}
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	o.ZeroStateFileHash = common.BytesToHash(raw)
	return nil
}

// ComputeOverlayID builds the full overlay identifier for a workchain and
// zero-state file hash, spec.md section 4.4: "compute_overlay_id(workchain,
// zero_state_file_hash)".
func ComputeOverlayID(workchain int32, zeroStateFileHash common.Hash) OverlayIDFull {
	return OverlayIDFull{WorkchainID: workchain, ZeroStateFileHash: zeroStateFileHash}
}

// ComputeOverlayShortID hashes the boxed full id, spec.md section 6:
// sha256(tl_boxed(overlay_id_full)).
func ComputeOverlayShortID(full OverlayIDFull) (common.Hash, error) {
	return tl.HashBoxed(full)
}

// OverlayMessage is the envelope every overlay custom message and query
// bundle opens with: which overlay (by short id) the rest of the bundle
// belongs to.
type OverlayMessage struct {
	Overlay common.Hash
}

func (m *OverlayMessage) Tag() tl.Tag { return tagOverlayMessage }
func (m *OverlayMessage) MarshalTL(w *tl.Writer) error {
	w.WriteRaw(m.Overlay[:])
	return nil
}
func (m *OverlayMessage) UnmarshalTL(r *tl.Reader) error {
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	m.Overlay = common.BytesToHash(raw)
	return nil
}

// OverlayQuery is the first element of every overlay query bundle, naming
// which overlay the second (opaque, application-defined) element is a query
// against.
type OverlayQuery struct {
	ID common.Hash
}

func (q *OverlayQuery) Tag() tl.Tag { return tagOverlayQuery }
func (q *OverlayQuery) MarshalTL(w *tl.Writer) error {
	w.WriteRaw(q.ID[:])
	return nil
}
func (q *OverlayQuery) UnmarshalTL(r *tl.Reader) error {
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	q.ID = common.BytesToHash(raw)
	return nil
}

// broadcastSimpleHash is the canonical form signed over and hashed for a
// simple broadcast's dedup key -- spec.md section 4.5: "compute broadcast
// hash = SHA-256 of the canonical TL form (source, data_hash, flags,
// date)". It is never itself written to the wire; BroadcastSimple carries
// the same four fields plus the signature and payload.
type broadcastSimpleHash struct {
	Source   []byte
	DataHash common.Hash
	Flags    int32
	Date     int32
}

func (b broadcastSimpleHash) Tag() tl.Tag { return tagBroadcastSimpleHash }
func (b broadcastSimpleHash) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(b.Source)
	w.WriteRaw(b.DataHash[:])
	w.WriteInt32(b.Flags)
	w.WriteInt32(b.Date)
	return nil
}

// BroadcastSimple is a whole-payload overlay broadcast, spec.md section 4.5.
type BroadcastSimple struct {
	Source    []byte // source's full public key
	DataHash  common.Hash
	Flags     int32
	Date      int32
	Signature []byte
	Data      []byte
}

func (b *BroadcastSimple) Tag() tl.Tag { return tagBroadcastSimple }
func (b *BroadcastSimple) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(b.Source)
	w.WriteRaw(b.DataHash[:])
	w.WriteInt32(b.Flags)
	w.WriteInt32(b.Date)
	w.WriteBytes(b.Signature)
	w.WriteBytes(b.Data)
	return nil
}
func (b *BroadcastSimple) UnmarshalTL(r *tl.Reader) error {
	var err error
	if b.Source, err = r.ReadBytes(); err != nil {
		return err
	}
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	b.DataHash = common.BytesToHash(raw)
	if b.Flags, err = r.ReadInt32(); err != nil {
		return err
	}
	if b.Date, err = r.ReadInt32(); err != nil {
		return err
	}
	if b.Signature, err = r.ReadBytes(); err != nil {
		return err
	}
	b.Data, err = r.ReadBytes()
	return err
}

// hashPart returns the canonical (source, data_hash, flags, date) hash
// BroadcastSimple is signed over and deduplicated by.
func (b *BroadcastSimple) hashPart() (common.Hash, error) {
	return tl.HashBoxed(broadcastSimpleHash{Source: b.Source, DataHash: b.DataHash, Flags: b.Flags, Date: b.Date})
}

// broadcastFecHash mirrors broadcastSimpleHash for FEC broadcasts: the part
// that is signed and that identifies the transfer, independent of any one
// packet's seqno/data.
type broadcastFecHash struct {
	Source       []byte
	DataHash     common.Hash
	DataSize     uint32
	SymbolSize   uint32
	SymbolsCount uint32
	Flags        int32
	Date         int32
}

func (b broadcastFecHash) Tag() tl.Tag { return tagBroadcastFecHash }
func (b broadcastFecHash) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(b.Source)
	w.WriteRaw(b.DataHash[:])
	w.WriteUint32(b.DataSize)
	w.WriteUint32(b.SymbolSize)
	w.WriteUint32(b.SymbolsCount)
	w.WriteInt32(b.Flags)
	w.WriteInt32(b.Date)
	return nil
}

// BroadcastFec is one RaptorQ-coded symbol of an overlay broadcast whose
// payload is too large (or too latency-sensitive) to send whole, spec.md
// section 4.5. Part identifies the originating RaptorQEncoder block (see
// rldp.MessagePart.Part): once a broadcast payload spans more than one
// erasure-coding block, repair symbol ids (Seqno) repeat across blocks, and
// Part is what lets the receiving shard's decoder address the right one. It
// is not part of the signed hash: fragmentation is a transport detail the
// broadcast's identity (source, data hash, size, date) does not depend on.
type BroadcastFec struct {
	Source       []byte
	DataHash     common.Hash
	DataSize     uint32
	SymbolSize   uint32
	SymbolsCount uint32
	Flags        int32
	Date         int32
	Part         int32
	Seqno        uint32
	Data         []byte
	Signature    []byte
}

func (b *BroadcastFec) Tag() tl.Tag { return tagBroadcastFec }
func (b *BroadcastFec) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(b.Source)
	w.WriteRaw(b.DataHash[:])
	w.WriteUint32(b.DataSize)
	w.WriteUint32(b.SymbolSize)
	w.WriteUint32(b.SymbolsCount)
	w.WriteInt32(b.Flags)
	w.WriteInt32(b.Date)
	w.WriteInt32(b.Part)
	w.WriteUint32(b.Seqno)
	w.WriteBytes(b.Data)
	w.WriteBytes(b.Signature)
	return nil
}
func (b *BroadcastFec) UnmarshalTL(r *tl.Reader) error {
	var err error
	if b.Source, err = r.ReadBytes(); err != nil {
		return err
	}
	raw, err := r.ReadRaw(common.HashSize)
	if err != nil {
		return err
	}
	b.DataHash = common.BytesToHash(raw)
	if b.DataSize, err = r.ReadUint32(); err != nil {
		return err
	}
	if b.SymbolSize, err = r.ReadUint32(); err != nil {
		return err
	}
	if b.SymbolsCount, err = r.ReadUint32(); err != nil {
		return err
	}
	if b.Flags, err = r.ReadInt32(); err != nil {
		return err
	}
	if b.Date, err = r.ReadInt32(); err != nil {
		return err
	}
	if b.Part, err = r.ReadInt32(); err != nil {
		return err
	}
	if b.Seqno, err = r.ReadUint32(); err != nil {
		return err
	}
	if b.Data, err = r.ReadBytes(); err != nil {
		return err
	}
	b.Signature, err = r.ReadBytes()
	return err
}

func (b *BroadcastFec) hashPart() (common.Hash, error) {
	return tl.HashBoxed(broadcastFecHash{
		Source: b.Source, DataHash: b.DataHash,
		DataSize: b.DataSize, SymbolSize: b.SymbolSize, SymbolsCount: b.SymbolsCount,
		Flags: b.Flags, Date: b.Date,
	})
}

// Node is one gossiped overlay peer entry: its full ADNL identity, address,
// advertised address-list version, and a self-signature binding the three
// together, spec.md section 4.5's "signature-validated node entries only".
type Node struct {
	ID        []byte
	Addr      adnl.AddressList
	Version   int32
	Signature []byte
}

func (n *Node) Tag() tl.Tag { return tagNode }
func (n *Node) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(n.ID)
	if err := n.Addr.MarshalTL(w); err != nil {
		return err
	}
	w.WriteInt32(n.Version)
	w.WriteBytes(n.Signature)
	return nil
}
func (n *Node) UnmarshalTL(r *tl.Reader) error {
	var err error
	if n.ID, err = r.ReadBytes(); err != nil {
		return err
	}
	if err := n.Addr.UnmarshalTL(r); err != nil {
		return err
	}
	if n.Version, err = r.ReadInt32(); err != nil {
		return err
	}
	n.Signature, err = r.ReadBytes()
	return err
}

// signedPart is what a Node's Signature covers: everything but the
// signature itself.
func (n *Node) signedPart() ([]byte, error) {
	w := tl.NewWriter()
	w.WriteBytes(n.ID)
	if err := n.Addr.MarshalTL(w); err != nil {
		return nil, err
	}
	w.WriteInt32(n.Version)
	return w.Bytes(), nil
}

func signNode(id []byte, addr adnl.AddressList, version int32, signer *cryptoutil.KeyPair) (*Node, error) {
	n := &Node{ID: id, Addr: addr, Version: version}
	body, err := n.signedPart()
	if err != nil {
		return nil, err
	}
	n.Signature = signer.Sign(body)
	return n, nil
}

func verifyNode(n *Node) bool {
	body, err := n.signedPart()
	if err != nil {
		return false
	}
	return cryptoutil.Verify(n.ID, body, n.Signature)
}

// Nodes is a list of Node entries, the answer to GetRandomPeers and the
// payload merged back into the shard's peer table.
type Nodes struct {
	List []*Node
}

func (n *Nodes) Tag() tl.Tag { return tagNodes }
func (n *Nodes) MarshalTL(w *tl.Writer) error {
	w.WriteUint32(uint32(len(n.List)))
	for _, node := range n.List {
		if err := node.MarshalTL(w); err != nil {
			return err
		}
	}
	return nil
}
func (n *Nodes) UnmarshalTL(r *tl.Reader) error {
	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	n.List = make([]*Node, count)
	for i := range n.List {
		node := &Node{}
		if err := node.UnmarshalTL(r); err != nil {
			return err
		}
		n.List[i] = node
	}
	return nil
}

// GetRandomPeers is an overlay query asking the shard to exchange known
// peers, spec.md section 4.5.
type GetRandomPeers struct {
	Peers Nodes
}

func (g *GetRandomPeers) Tag() tl.Tag { return tagGetRandomPeers }
func (g *GetRandomPeers) MarshalTL(w *tl.Writer) error { return g.Peers.MarshalTL(w) }
func (g *GetRandomPeers) UnmarshalTL(r *tl.Reader) error { return g.Peers.UnmarshalTL(r) }
