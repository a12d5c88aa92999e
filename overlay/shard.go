package overlay

import (
	"crypto/sha256"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ground-x/adnl/adnl"
	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
	"github.com/ground-x/adnl/log"
	"github.com/ground-x/adnl/rldp"
)

var logger = log.NewModuleLogger(log.ModuleOverlay)

// maxOverlayPeers is spec.md section 6's MAX_OVERLAY_PEERS constant.
const maxOverlayPeers = 65536

// broadcastDedupSize bounds the received-broadcast LRU set, spec.md
// section 4.5: "received-broadcast deduplication set (fixed-capacity LRU
// over broadcast hashes)".
const broadcastDedupSize = 1 << 16

// fecTransferTimeout is how long an in-flight FEC broadcast reassembly is
// allowed to sit without completing before it transitions to Failed,
// spec.md section 4.5.
const fecTransferTimeout = 30 * time.Second

// defaultBroadcastTargetCount is how many peers a freshly delivered
// broadcast is re-gossiped to when ShardOptions doesn't override it.
const defaultBroadcastTargetCount = 5

// defaultGetRandomPeersCount bounds how many entries a GetRandomPeers reply
// carries.
const defaultGetRandomPeersCount = 5

// ShardOptions configures one overlay shard's gossip fan-out.
type ShardOptions struct {
	// BroadcastTargetCount is how many peers a delivered broadcast
	// re-gossips to. Defaults to 5 when zero.
	BroadcastTargetCount int
}

// ShardMetrics are the atomic counters spec.md section 4.5 calls for: "in/
// out broadcast counts, bytes, drops".
type ShardMetrics struct {
	BroadcastsIn  atomic.Int64
	BroadcastsOut atomic.Int64
	BytesIn       atomic.Int64
	BytesOut      atomic.Int64
	Drops         atomic.Int64
	FecFailed     atomic.Int64
}

// peerInfo is one known-peer record in a shard's peer table.
type peerInfo struct {
	ShortID  common.Hash
	Full     []byte
	Addr     adnl.AddressList
	Version  int32
	LastSeen time.Time
}

// BroadcastTransfer is the in-flight FEC reassembly state for one
// broadcast, spec.md section 3's data model.
type BroadcastTransfer struct {
	Hash     common.Hash
	Source   []byte
	DataHash common.Hash
	Decoder  *rldp.RaptorQDecoder
	Deadline time.Time
	Done     bool
	Failed   bool
}

// OverlayShard is the local state for one overlay instance, spec.md section
// 4.5.
type OverlayShard struct {
	ShortID    common.Hash
	FullID     OverlayIDFull
	OverlayKey *cryptoutil.KeyPair // non-nil iff private
	Private    bool

	opts ShardOptions

	peers common.Cache // common.Hash -> *peerInfo, locking handled by the LRU itself

	seen common.Cache // common.Hash -> struct{}

	transfersMu sync.Mutex
	transfers   map[common.Hash]*BroadcastTransfer

	Metrics ShardMetrics
}

func newOverlayShard(full OverlayIDFull, shortID common.Hash, overlayKey *cryptoutil.KeyPair, opts ShardOptions) (*OverlayShard, error) {
	if opts.BroadcastTargetCount <= 0 {
		opts.BroadcastTargetCount = defaultBroadcastTargetCount
	}
	peers, err := common.NewLRUCache(maxOverlayPeers)
	if err != nil {
		return nil, err
	}
	seen, err := common.NewLRUCache(broadcastDedupSize)
	if err != nil {
		return nil, err
	}
	return &OverlayShard{
		ShortID:    shortID,
		FullID:     full,
		OverlayKey: overlayKey,
		Private:    overlayKey != nil,
		opts:       opts,
		peers:      peers,
		seen:       seen,
		transfers:  make(map[common.Hash]*BroadcastTransfer),
	}, nil
}

// signer returns the key this shard signs outgoing broadcasts and self
// Node entries with: the overlay key for a private shard, the ADNL node
// identity for a public one, per spec.md section 4.5.
func (s *OverlayShard) signer(nodeIdentity *cryptoutil.KeyPair) *cryptoutil.KeyPair {
	if s.Private {
		return s.OverlayKey
	}
	return nodeIdentity
}

// addPeer inserts or refreshes a known peer. gossip marks whether the entry
// arrived via GetRandomPeers (subject to signature validation and private-
// overlay rejection) versus programmatic injection (AddPrivatePeers,
// always accepted).
func (s *OverlayShard) addPeer(n *Node, gossip bool) bool {
	if gossip {
		if s.Private {
			// Private shards ignore peers received via gossip, spec.md
			// section 4.5: "peers must be injected".
			return false
		}
		if !verifyNode(n) {
			s.Metrics.Drops.Inc()
			return false
		}
	}
	shortID, err := computePeerShortID(n.ID)
	if err != nil {
		return false
	}
	info := &peerInfo{ShortID: shortID, Full: n.ID, Addr: n.Addr, Version: n.Version, LastSeen: time.Now()}
	s.peers.Add(shortID, info)
	return true
}

func (s *OverlayShard) deletePeer(shortID common.Hash) {
	s.peers.Remove(shortID)
}

func (s *OverlayShard) getPeer(shortID common.Hash) (*peerInfo, bool) {
	v, ok := s.peers.Get(shortID)
	if !ok {
		return nil, false
	}
	return v.(*peerInfo), true
}

// randomPeers samples up to n known peers without replacement, excluding
// any short id in exclude -- spec.md section 4.5: "Gossip selection:
// random sample without replacement".
func (s *OverlayShard) randomPeers(exclude map[common.Hash]bool, n int) []*peerInfo {
	keys := s.peers.Keys()
	excludedCount := 0
	for _, k := range keys {
		if exclude[k.(common.Hash)] {
			excludedCount++
		}
	}
	pool := make([]common.Hash, 0, len(keys)-excludedCount)
	for _, k := range keys {
		h := k.(common.Hash)
		if exclude[h] {
			continue
		}
		pool = append(pool, h)
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]*peerInfo, 0, n)
	for _, h := range pool[:n] {
		if info, ok := s.getPeer(h); ok {
			out = append(out, info)
		}
	}
	return out
}

func computePeerShortID(fullPublic []byte) (common.Hash, error) {
	return adnl.ComputeShortID(fullPublic)
}

// handleGetRandomPeers answers a GetRandomPeers query: merge the peer's
// offered set into our table (subject to addPeer's gossip rules) and reply
// with a random sample of our own, spec.md section 4.5.
func (s *OverlayShard) handleGetRandomPeers(nodeIdentity *cryptoutil.KeyPair, self *Node, req *GetRandomPeers) *Nodes {
	for _, n := range req.Peers.List {
		s.addPeer(n, true)
	}
	sample := s.randomPeers(nil, defaultGetRandomPeersCount)
	list := make([]*Node, 0, len(sample)+1)
	if self != nil {
		list = append(list, self)
	}
	for _, p := range sample {
		list = append(list, &Node{ID: p.Full, Addr: p.Addr, Version: p.Version})
	}
	return &Nodes{List: list}
}

// receiveBroadcast implements spec.md section 4.5's simple-broadcast path:
// dedup, verify, deliver once, re-gossip.
func (s *OverlayShard) receiveBroadcast(deliver func(source common.Hash, data []byte), from common.Hash, gossip func(excl map[common.Hash]bool, n int), b *BroadcastSimple) {
	hash, err := b.hashPart()
	if err != nil {
		s.Metrics.Drops.Inc()
		return
	}
	if s.seen.Contains(hash) {
		s.Metrics.Drops.Inc()
		return
	}
	s.seen.Add(hash, struct{}{})

	if !cryptoutil.Verify(b.Source, hash[:], b.Signature) {
		s.Metrics.Drops.Inc()
		return
	}
	gotHash := sha256.Sum256(b.Data)
	if common.Hash(gotHash) != b.DataHash {
		s.Metrics.Drops.Inc()
		return
	}

	s.Metrics.BroadcastsIn.Inc()
	s.Metrics.BytesIn.Add(int64(len(b.Data)))

	sourceShort, err := computePeerShortID(b.Source)
	if err != nil {
		sourceShort = common.Hash{}
	}
	deliver(sourceShort, b.Data)

	excl := map[common.Hash]bool{from: true, sourceShort: true}
	gossip(excl, s.opts.BroadcastTargetCount)
}

// receiveFecBroadcast implements spec.md section 4.5's FEC-broadcast path:
// accumulate symbols into the RaptorQ decoder keyed by transfer hash,
// re-gossip every accepted packet, and deliver once fully reassembled.
func (s *OverlayShard) receiveFecBroadcast(deliver func(source common.Hash, data []byte), from common.Hash, gossip func(excl map[common.Hash]bool, n int), f *BroadcastFec) {
	hash, err := f.hashPart()
	if err != nil {
		s.Metrics.Drops.Inc()
		return
	}

	s.transfersMu.Lock()
	transfer, ok := s.transfers[hash]
	if ok && time.Now().After(transfer.Deadline) && !transfer.Done {
		transfer.Failed = true
		s.Metrics.FecFailed.Inc()
		delete(s.transfers, hash)
		ok = false
	}
	if !ok {
		if s.seen.Contains(hash) {
			s.transfersMu.Unlock()
			return // already delivered; absorb the straggler silently
		}
		dec, err := rldp.NewRaptorQDecoder(rldp.FecType{DataSize: f.DataSize, SymbolSize: f.SymbolSize, SymbolsCount: f.SymbolsCount}, 0)
		if err != nil {
			s.transfersMu.Unlock()
			s.Metrics.Drops.Inc()
			return
		}
		transfer = &BroadcastTransfer{
			Hash: hash, Source: f.Source, DataHash: f.DataHash,
			Decoder: dec, Deadline: time.Now().Add(fecTransferTimeout),
		}
		s.transfers[hash] = transfer
	}
	s.transfersMu.Unlock()

	if transfer.Done {
		return
	}

	done, err := transfer.Decoder.Feed(int(f.Part), f.Seqno, f.Data)
	if err != nil {
		s.Metrics.Drops.Inc()
		return
	}

	s.Metrics.BroadcastsIn.Inc()
	s.Metrics.BytesIn.Add(int64(len(f.Data)))

	sourceShort, _ := computePeerShortID(f.Source)
	excl := map[common.Hash]bool{from: true, sourceShort: true}
	gossip(excl, s.opts.BroadcastTargetCount)

	if !done {
		return
	}

	payload, err := transfer.Decoder.Payload()
	if err != nil {
		s.Metrics.Drops.Inc()
		return
	}
	if !cryptoutil.Verify(f.Source, hash[:], f.Signature) {
		s.Metrics.Drops.Inc()
		return
	}
	gotHash := sha256.Sum256(payload)
	if common.Hash(gotHash) != f.DataHash {
		s.Metrics.Drops.Inc()
		return
	}

	s.transfersMu.Lock()
	transfer.Done = true
	s.seen.Add(hash, struct{}{})
	delete(s.transfers, hash)
	s.transfersMu.Unlock()

	deliver(sourceShort, payload)
}
