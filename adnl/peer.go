package adnl

import (
	"sync"
	"time"

	"github.com/ground-x/adnl/common"
)

// PeerContext tags why a peer entry exists, per spec.md's data model.
type PeerContext int

const (
	ContextOrdinary PeerContext = iota
	ContextPrivateOverlay
	ContextDHT
)

// seqnoWindow is the sliding acceptance window spec.md section 4.1(e) and
// section 8's property 1 both reference: an inbound seqno more than this far
// behind the highest seen is rejected as regressed.
const seqnoWindow = 64

// PeerEntry is ADNL's per-(local,remote) peer record: the remote's full
// public key, its last-known UDP address, in/out sequence counters, last
// seen time, optional channel state, and the context it was added under.
// The peer table is this record's sole owner; every other component
// references peers by short id only.
type PeerEntry struct {
	mu sync.Mutex

	LocalShortID  common.Hash
	RemoteShortID common.Hash
	RemotePublic  []byte
	Address       AddressUDP
	Context       PeerContext

	outSeqno int64
	inSeqno  int64 // highest accepted inbound seqno so far

	LastSeen time.Time
	Channel  *ChannelState
}

// acceptInboundSeqno enforces spec.md invariant (ii) and testable property
// 1: seqno(p2) > seqno(p1) - 64 for every pair accepted in order. It
// advances the high-water mark and reports whether seqno should be accepted.
func (p *PeerEntry) acceptInboundSeqno(seqno int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seqno <= p.inSeqno-seqnoWindow {
		return false
	}
	if seqno > p.inSeqno {
		p.inSeqno = seqno
	}
	return true
}

func (p *PeerEntry) nextOutSeqno() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outSeqno++
	return p.outSeqno
}

func (p *PeerEntry) touch() {
	p.mu.Lock()
	p.LastSeen = time.Now()
	p.mu.Unlock()
}

type peerKey struct {
	local, remote common.Hash
}

// peerTable owns every PeerEntry for a node, keyed by (local, remote) short
// id pair as spec.md's data model requires.
type peerTable struct {
	mu      sync.RWMutex
	entries map[peerKey]*PeerEntry
	// byChannelID lets the receive pipeline resolve an inbound packet whose
	// prefix is a channel id rather than a local short id.
	byChannelID map[common.Hash]*PeerEntry
}

func newPeerTable() *peerTable {
	return &peerTable{
		entries:     make(map[peerKey]*PeerEntry),
		byChannelID: make(map[common.Hash]*PeerEntry),
	}
}

// addOrGet returns (entry, true) if a new entry was created, or the
// existing entry and false if one already existed -- the idempotency
// testable property 6 requires.
func (t *peerTable) addOrGet(local, remote common.Hash, addr AddressUDP, remotePublic []byte, ctx PeerContext) (*PeerEntry, bool) {
	key := peerKey{local: local, remote: remote}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[key]; ok {
		return existing, false
	}
	entry := &PeerEntry{
		LocalShortID:  local,
		RemoteShortID: remote,
		RemotePublic:  remotePublic,
		Address:       addr,
		Context:       ctx,
		LastSeen:      time.Now(),
	}
	t.entries[key] = entry
	return entry, true
}

func (t *peerTable) get(local, remote common.Hash) (*PeerEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[peerKey{local: local, remote: remote}]
	return e, ok
}

func (t *peerTable) delete(local, remote common.Hash) bool {
	key := peerKey{local: local, remote: remote}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	delete(t.entries, key)
	if entry.Channel != nil {
		delete(t.byChannelID, entry.Channel.channelID)
	}
	return true
}

func (t *peerTable) registerChannel(entry *PeerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry.Channel != nil {
		t.byChannelID[entry.Channel.channelID] = entry
	}
}

func (t *peerTable) byChannel(id common.Hash) (*PeerEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byChannelID[id]
	return e, ok
}
