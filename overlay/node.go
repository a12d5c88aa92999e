// Package overlay implements the gossip/broadcast group abstraction layered
// on ADNL: one OverlayNode owning a shard per overlay id, simple and FEC
// broadcast, and peer gossip, per spec.md section 4.4-4.5.
package overlay

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ground-x/adnl/adnl"
	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
	"github.com/ground-x/adnl/rldp"
	"github.com/ground-x/adnl/tl"
)

// Subscriber is the per-overlay consumer an OverlayNode delegates broadcasts
// and queries to, spec.md section 4.4's "per-overlay subscriber". This sits
// one layer above adnl.Subscriber: application code never sees ADNL
// envelopes, only overlay-scoped broadcasts and query bytes.
type Subscriber interface {
	// OnBroadcast is invoked at most once per (shard, broadcast) per spec.md
	// invariant (iv), with the broadcasting peer's short id and the
	// reassembled payload.
	OnBroadcast(ctx context.Context, overlayID, source common.Hash, data []byte)
	// HandleQuery answers an opaque application query bundled inside an
	// overlay query envelope. consumed=false rejects the query with
	// UnsupportedQuery.
	HandleQuery(ctx context.Context, overlayID, peer common.Hash, data []byte) (answer []byte, consumed bool, err error)
}

// OverlayNode owns every shard and per-overlay subscriber for one ADNL
// identity, and is itself registered as an adnl.Subscriber, spec.md section
// 4.4.
type OverlayNode struct {
	adnlNode     *adnl.Node
	identity     *cryptoutil.KeyPair
	localShortID common.Hash

	mu     sync.RWMutex
	shards map[common.Hash]*OverlayShard
	subs   map[common.Hash]Subscriber
}

// NewOverlayNode wires an OverlayNode around an already-running ADNL node
// and a local identity already registered with it.
func NewOverlayNode(adnlNode *adnl.Node, identity *cryptoutil.KeyPair, localShortID common.Hash) *OverlayNode {
	o := &OverlayNode{
		adnlNode:     adnlNode,
		identity:     identity,
		localShortID: localShortID,
		shards:       make(map[common.Hash]*OverlayShard),
		subs:         make(map[common.Hash]Subscriber),
	}
	adnlNode.AddSubscriber(o)
	return o
}

func (o *OverlayNode) shard(id common.Hash) (*OverlayShard, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.shards[id]
	return s, ok
}

func (o *OverlayNode) subscriber(id common.Hash) (Subscriber, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.subs[id]
	return s, ok
}

// AddPublicOverlay registers (or returns the existing) public shard for a
// workchain/zero-state-file-hash pair, spec.md section 4.4: "idempotent".
func (o *OverlayNode) AddPublicOverlay(workchain int32, zeroStateFileHash common.Hash, opts ShardOptions) (*OverlayShard, bool, error) {
	full := ComputeOverlayID(workchain, zeroStateFileHash)
	shortID, err := ComputeOverlayShortID(full)
	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.shards[shortID]; ok {
		return existing, false, nil
	}
	shard, err := newOverlayShard(full, shortID, nil, opts)
	if err != nil {
		return nil, false, err
	}
	o.shards[shortID] = shard
	return shard, true, nil
}

// AddPrivateOverlay registers a private shard signed with overlayKey,
// seeding its known peers on first creation, spec.md section 4.4.
func (o *OverlayNode) AddPrivateOverlay(id common.Hash, full OverlayIDFull, overlayKey *cryptoutil.KeyPair, peers []*Node, opts ShardOptions) (*OverlayShard, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.shards[id]; ok {
		return existing, false, nil
	}
	shard, err := newOverlayShard(full, id, overlayKey, opts)
	if err != nil {
		return nil, false, err
	}
	for _, p := range peers {
		shard.addPeer(p, false)
	}
	o.shards[id] = shard
	return shard, true, nil
}

// DeletePrivateOverlay removes a private shard, refusing with
// ErrDeletingPublicOverlay if the shard is public, spec.md testable
// property 5.
func (o *OverlayNode) DeletePrivateOverlay(id common.Hash) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	shard, ok := o.shards[id]
	if !ok {
		return ErrUnknownOverlay
	}
	if !shard.Private {
		return ErrDeletingPublicOverlay
	}
	delete(o.shards, id)
	return nil
}

// AddSubscriber registers the per-overlay subscriber for id, returning
// false (and not overwriting) if one is already present, spec.md section
// 4.4.
func (o *OverlayNode) AddSubscriber(id common.Hash, sub Subscriber) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.subs[id]; exists {
		return false
	}
	o.subs[id] = sub
	return true
}

// AddPrivatePeers injects peers into a private shard's known-peers table
// directly, bypassing gossip signature validation -- the supplemented
// operation spec.md's distillation omitted but the overlay's private/public
// peer-injection split implies.
func (o *OverlayNode) AddPrivatePeers(id common.Hash, peers []*Node) error {
	shard, ok := o.shard(id)
	if !ok {
		return ErrUnknownOverlay
	}
	for _, p := range peers {
		shard.addPeer(p, false)
	}
	return nil
}

// DeletePrivatePeers removes peers from a shard's known-peers table by
// short id.
func (o *OverlayNode) DeletePrivatePeers(id common.Hash, peerShortIDs []common.Hash) error {
	shard, ok := o.shard(id)
	if !ok {
		return ErrUnknownOverlay
	}
	for _, id := range peerShortIDs {
		shard.deletePeer(id)
	}
	return nil
}

// selfNode builds this node's own signed Node entry for a shard, used both
// when replying to GetRandomPeers and when gossiping our own presence.
func (o *OverlayNode) selfNode(shard *OverlayShard) (*Node, error) {
	signer := shard.signer(o.identity)
	if signer == nil {
		return nil, errors.New("overlay: no signing key available for shard")
	}
	addr := adnl.AddressList{}
	return signNode(o.identity.Public, addr, int32(time.Now().Unix()), signer)
}

// gossipEnvelope wraps a boxed payload object in the OverlayMessage
// envelope, the wire shape every custom message and query bundle shares.
func gossipEnvelope(shortID common.Hash, payload tl.Object) ([]byte, error) {
	w := tl.NewWriter()
	if err := tl.WriteBoxed(w, &OverlayMessage{Overlay: shortID}); err != nil {
		return nil, err
	}
	if err := tl.WriteBoxed(w, payload); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// SendBroadcast sends a whole-payload simple broadcast on shard shortID,
// signed with the shard's signing key, and re-gossips it the same way a
// received broadcast would, spec.md section 4.5.
func (o *OverlayNode) SendBroadcast(shortID common.Hash, data []byte) error {
	shard, ok := o.shard(shortID)
	if !ok {
		return ErrUnknownOverlay
	}
	signer := shard.signer(o.identity)
	if signer == nil {
		return errors.New("overlay: no signing key available for shard")
	}

	dataHash := common.Hash(sha256.Sum256(data))
	b := &BroadcastSimple{
		Source:   signer.Public,
		DataHash: dataHash,
		Date:     int32(time.Now().Unix()),
		Data:     data,
	}
	hash, err := b.hashPart()
	if err != nil {
		return err
	}
	b.Signature = signer.Sign(hash[:])

	shard.seen.Add(hash, struct{}{})
	shard.Metrics.BroadcastsOut.Inc()
	shard.Metrics.BytesOut.Add(int64(len(data)))

	envelope, err := gossipEnvelope(shortID, b)
	if err != nil {
		return err
	}
	o.gossip(shard, nil, shard.opts.BroadcastTargetCount, envelope)
	return nil
}

// SendFecBroadcast sends a large payload as a sequence of RaptorQ-coded FEC
// broadcast packets, spec.md section 4.5.
func (o *OverlayNode) SendFecBroadcast(shortID common.Hash, data []byte) error {
	shard, ok := o.shard(shortID)
	if !ok {
		return ErrUnknownOverlay
	}
	signer := shard.signer(o.identity)
	if signer == nil {
		return errors.New("overlay: no signing key available for shard")
	}

	enc, err := rldp.NewRaptorQEncoder(data)
	if err != nil {
		return err
	}
	params := enc.Params()
	dataHash := common.Hash(sha256.Sum256(data))
	date := int32(time.Now().Unix())

	hashPart := broadcastFecHash{
		Source: signer.Public, DataHash: dataHash,
		DataSize: params.DataSize, SymbolSize: params.SymbolSize, SymbolsCount: params.SymbolsCount,
		Date: date,
	}
	hash, err := tl.HashBoxed(hashPart)
	if err != nil {
		return err
	}
	sig := signer.Sign(hash[:])

	for i := uint32(0); i < params.SymbolsCount; i++ {
		seqno := i
		packet, blockIndex, err := enc.Encode(&seqno)
		if err != nil {
			return err
		}
		f := &BroadcastFec{
			Source: signer.Public, DataHash: dataHash,
			DataSize: params.DataSize, SymbolSize: params.SymbolSize, SymbolsCount: params.SymbolsCount,
			Date: date, Part: int32(blockIndex), Seqno: seqno, Data: packet, Signature: sig,
		}
		envelope, err := gossipEnvelope(shortID, f)
		if err != nil {
			return err
		}
		shard.Metrics.BroadcastsOut.Inc()
		shard.Metrics.BytesOut.Add(int64(len(packet)))
		o.gossip(shard, nil, shard.opts.BroadcastTargetCount, envelope)
	}
	return nil
}

func (o *OverlayNode) gossip(shard *OverlayShard, exclude map[common.Hash]bool, n int, envelope []byte) {
	for _, target := range shard.randomPeers(exclude, n) {
		if err := o.adnlNode.SendCustomMessage(o.localShortID, target.ShortID, envelope); err != nil {
			logger.Debug("gossip send failed", "peer", target.ShortID, "err", err)
		}
	}
}

// TryConsumeCustom implements adnl.Subscriber: a custom message is an
// overlay envelope followed by a broadcast payload, spec.md section 4.4.
func (o *OverlayNode) TryConsumeCustom(ctx context.Context, local, peer common.Hash, data []byte) (bool, error) {
	r := tl.NewReader(data)
	tag, err := r.ReadUint32()
	if err != nil || tl.Tag(tag) != tagOverlayMessage {
		return false, nil
	}
	env := &OverlayMessage{}
	if err := env.UnmarshalTL(r); err != nil {
		return false, nil
	}

	shard, ok := o.shard(env.Overlay)
	if !ok {
		return true, ErrUnknownOverlay
	}

	payloadTag, err := r.ReadUint32()
	if err != nil {
		return false, nil
	}

	deliver := func(source common.Hash, payload []byte) {
		if sub, ok := o.subscriber(env.Overlay); ok {
			sub.OnBroadcast(ctx, env.Overlay, source, payload)
		}
	}
	gossip := func(excl map[common.Hash]bool, n int) {
		o.gossip(shard, excl, n, data)
	}

	switch tl.Tag(payloadTag) {
	case tagBroadcastSimple:
		b := &BroadcastSimple{}
		if err := b.UnmarshalTL(r); err != nil {
			return false, nil
		}
		shard.receiveBroadcast(deliver, peer, gossip, b)
		return true, nil
	case tagBroadcastFec:
		f := &BroadcastFec{}
		if err := f.UnmarshalTL(r); err != nil {
			return false, nil
		}
		shard.receiveFecBroadcast(deliver, peer, gossip, f)
		return true, nil
	default:
		return true, ErrUnsupportedOverlayBroadcastMessage
	}
}

// TryConsumeQuery implements adnl.Subscriber: a query bundle is exactly two
// elements, (OverlayQuery{id}, inner), spec.md section 4.4.
func (o *OverlayNode) TryConsumeQuery(ctx context.Context, local, peer common.Hash, data []byte) (adnl.QueryConsumingResult, error) {
	r := tl.NewReader(data)
	tag, err := r.ReadUint32()
	if err != nil || tl.Tag(tag) != tagOverlayQuery {
		return adnl.QueryConsumingResult{}, nil
	}
	oq := &OverlayQuery{}
	if err := oq.UnmarshalTL(r); err != nil {
		return adnl.QueryConsumingResult{}, nil
	}

	shard, ok := o.shard(oq.ID)
	if !ok {
		return adnl.QueryConsumingResult{Consumed: true}, ErrUnknownOverlay
	}

	innerRaw, err := r.ReadRaw(r.Remaining())
	if err != nil {
		return adnl.QueryConsumingResult{}, nil
	}

	innerReader := tl.NewReader(innerRaw)
	if innerTag, err := innerReader.ReadUint32(); err == nil && tl.Tag(innerTag) == tagGetRandomPeers {
		grp := &GetRandomPeers{}
		if err := grp.UnmarshalTL(innerReader); err == nil {
			self, _ := o.selfNode(shard)
			nodes := shard.handleGetRandomPeers(o.identity, self, grp)
			ans, err := tl.SerializeBoxed(nodes)
			if err != nil {
				return adnl.QueryConsumingResult{Consumed: true}, err
			}
			return adnl.QueryConsumingResult{Consumed: true, Answer: ans}, nil
		}
	}

	sub, ok := o.subscriber(oq.ID)
	if !ok {
		return adnl.QueryConsumingResult{Consumed: true}, ErrNoConsumerFound
	}
	answer, consumed, err := sub.HandleQuery(ctx, oq.ID, peer, innerRaw)
	if err != nil {
		return adnl.QueryConsumingResult{Consumed: true}, err
	}
	if !consumed {
		return adnl.QueryConsumingResult{Consumed: true}, ErrUnsupportedQuery
	}
	return adnl.QueryConsumingResult{Consumed: true, Answer: answer}, nil
}
