// Package adnl implements the Abstract Datagram Network Layer: the
// authenticated UDP transport every overlay and RLDP exchange rides on. It
// owns local identities, peer and channel state, and the packet send/
// receive pipelines described in spec.md section 4.1.
package adnl

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
	"github.com/ground-x/adnl/log"
	"github.com/ground-x/adnl/packetview"
	"github.com/ground-x/adnl/tl"
)

var logger = log.NewModuleLogger(log.ModuleADNL)

// Config bundles the knobs a Node is constructed with. Reading it from a
// file is an external collaborator's job (spec.md section 2); this is
// just the plain Go struct the caller fills in.
type Config struct {
	// DispatchWorkers sizes the message-dispatch goroutine pool. Defaults
	// to 4 when zero.
	DispatchWorkers int
	// QueryTimeoutSweep is not read by Node and no periodic sweep runs:
	// each Query removes its own pending entry when its timeout fires or
	// its context ends.
	QueryTimeoutSweep time.Duration
}

// Metrics are the atomic counters spec.md section 5 calls for: "metrics
// counters use atomic increments".
type Metrics struct {
	PacketsDropped   atomic.Int64
	DecodeFailures   atomic.Int64
	UnknownDest      atomic.Int64
	ChannelsOpened   atomic.Int64
	QueriesTimedOut  atomic.Int64
}

// Node is the ADNL node: peer table, channel establishment, packet send/
// receive loop, and subscriber dispatch, per spec.md section 4.1.
type Node struct {
	cfg  Config
	conn net.PacketConn

	keys    *KeyStore
	peers   *peerTable
	queries *queryCache

	subMu       sync.RWMutex
	subscribers []Subscriber

	Metrics Metrics

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewNode wires a Node around an already-bound UDP socket. Binding the
// socket is the caller's responsibility -- spec.md section 6 names exactly
// one UDP socket per node, bound to a caller-supplied address.
func NewNode(conn net.PacketConn, cfg Config) *Node {
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 4
	}
	return &Node{
		cfg:     cfg,
		conn:    conn,
		keys:    newKeyStore(),
		peers:   newPeerTable(),
		queries: newQueryCache(),
	}
}

// AddKey registers a local identity under tag, returning its short id.
func (n *Node) AddKey(kp *cryptoutil.KeyPair, tag int) (common.Hash, error) {
	return n.keys.Add(kp, tag)
}

// KeyByTag looks up a previously registered local identity.
func (n *Node) KeyByTag(tag int) (*NodeKey, error) {
	nk, ok := n.keys.ByTag(tag)
	if !ok {
		return nil, ErrUnknownLocalKey
	}
	return nk, nil
}

// AddSubscriber appends to the node's subscriber list; the list is
// append-only for the node's lifetime per spec.md section 4.1.
func (n *Node) AddSubscriber(s Subscriber) {
	n.subMu.Lock()
	n.subscribers = append(n.subscribers, s)
	n.subMu.Unlock()
}

// AddPeer registers a remote peer under a local identity, returning whether
// it was newly inserted. Idempotent on repeat per spec.md testable property
// 6 and section 4.1's contract.
func (n *Node) AddPeer(ctx PeerContext, local, remote common.Hash, addr AddressUDP, remotePublic []byte) (bool, error) {
	if _, ok := n.keys.ByShortID(local); !ok {
		return false, ErrUnknownLocalKey
	}
	_, isNew := n.peers.addOrGet(local, remote, addr, remotePublic, ctx)
	return isNew, nil
}

// DeletePeer removes a peer and any channel state associated with it.
func (n *Node) DeletePeer(local, remote common.Hash) bool {
	return n.peers.delete(local, remote)
}

// Start launches the receive loop and dispatch pool under ctx. Returns once
// the socket is permanently closed (a fatal I/O error, per spec.md section
// 7) or ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	n.group = g

	inbound := make(chan rawPacket, n.cfg.DispatchWorkers*4)

	g.Go(func() error {
		defer close(inbound)
		return n.recvLoop(gctx, inbound)
	})

	for i := 0; i < n.cfg.DispatchWorkers; i++ {
		g.Go(func() error {
			return n.dispatchLoop(gctx, inbound)
		})
	}

	return g.Wait()
}

// Close cancels every in-flight task, wakes all pending query waiters with
// ErrShutdown, and closes the UDP socket.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.queries.shutdown()
	err := n.conn.Close()
	if n.group != nil {
		_ = n.group.Wait()
	}
	return err
}

type rawPacket struct {
	data []byte
	from net.Addr
}

func (n *Node) recvLoop(ctx context.Context, out chan<- rawPacket) error {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		nRead, from, err := n.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "adnl: udp socket closed")
		}
		pkt := make([]byte, nRead)
		copy(pkt, buf[:nRead])
		select {
		case out <- rawPacket{data: pkt, from: from}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) dispatchLoop(ctx context.Context, in <-chan rawPacket) error {
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			n.handlePacket(ctx, pkt)
		case <-ctx.Done():
			return nil
		}
	}
}

// handlePacket implements spec.md section 4.1's receive pipeline. Any
// decode/decrypt/unknown-destination failure is a silent drop plus a
// counter bump -- never propagated to the caller, since nothing sent this.
func (n *Node) handlePacket(ctx context.Context, pkt rawPacket) {
	view := packetview.New(pkt.data)
	recipientBytes, err := view.Take(shortIDLen)
	if err != nil {
		n.Metrics.PacketsDropped.Inc()
		return
	}
	recipient := common.BytesToHash(recipientBytes)

	var plaintext []byte
	var matchedLocal common.Hash
	var viaChannel *PeerEntry

	if nk, ok := n.keys.ByShortID(recipient); ok {
		matchedLocal = nk.ShortID
		plaintext, err = openHandshakePacket(nk.KeyPair.Private.Seed(), view)
		if err != nil {
			logger.Debug("drop: handshake decrypt failed", "err", err)
			n.Metrics.DecodeFailures.Inc()
			return
		}
	} else if peer, ok := n.peers.byChannel(recipient); ok && peer.Channel.isEstablished() {
		matchedLocal = peer.LocalShortID
		viaChannel = peer
		plaintext, err = openChannelPacket(peer.Channel, view)
		if err != nil {
			logger.Debug("drop: channel decrypt failed", "err", err)
			n.Metrics.DecodeFailures.Inc()
			return
		}
	} else {
		n.Metrics.UnknownDest.Inc()
		return
	}

	r := tl.NewReader(plaintext)
	obj, err := tl.ReadBoxed(r)
	if err != nil {
		n.Metrics.DecodeFailures.Inc()
		return
	}
	contents, ok := obj.(*PacketContents)
	if !ok {
		n.Metrics.DecodeFailures.Inc()
		return
	}

	remoteShort, remotePublic, err := n.resolveFrom(contents)
	if err != nil {
		n.Metrics.DecodeFailures.Inc()
		return
	}

	peer, isNew := n.peers.addOrGet(matchedLocal, remoteShort, addrFromNet(pkt.from), remotePublic, ContextOrdinary)
	if isNew {
		logger.Debug("adnl: implicit peer add on first packet", "local", matchedLocal, "remote", remoteShort)
	}
	if viaChannel != nil {
		peer = viaChannel
	}

	if !peer.acceptInboundSeqno(contents.Seqno) {
		logger.Debug("drop: seqno outside window", "seqno", contents.Seqno)
		n.Metrics.PacketsDropped.Inc()
		return
	}
	peer.touch()

	for _, msg := range contents.Messages {
		n.dispatchMessage(ctx, matchedLocal, remoteShort, peer, msg)
	}
}

func (n *Node) resolveFrom(contents *PacketContents) (common.Hash, []byte, error) {
	if contents.FromPublic != nil {
		id, err := computeShortID(contents.FromPublic)
		if err != nil {
			return common.Hash{}, nil, err
		}
		return id, contents.FromPublic, nil
	}
	if contents.FromShort != nil {
		return *contents.FromShort, nil, nil
	}
	return common.Hash{}, nil, errors.New("adnl: packet carries neither full nor short sender id")
}

func addrFromNet(a net.Addr) AddressUDP {
	udp, ok := a.(*net.UDPAddr)
	if !ok || udp.IP.To4() == nil {
		return AddressUDP{}
	}
	ip4 := udp.IP.To4()
	ipNum := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	return AddressUDP{IP: ipNum, Port: uint16(udp.Port)}
}

func (n *Node) dispatchMessage(ctx context.Context, local, remote common.Hash, peer *PeerEntry, msg Message) {
	switch m := msg.(type) {
	case *MessageCustom:
		n.subMu.RLock()
		subs := append([]Subscriber(nil), n.subscribers...)
		n.subMu.RUnlock()
		for _, s := range subs {
			consumed, err := s.TryConsumeCustom(ctx, local, remote, m.Data)
			if err != nil {
				logger.Warn("subscriber rejected custom message", "err", err)
				continue
			}
			if consumed {
				return
			}
		}
	case *MessageQuery:
		n.subMu.RLock()
		subs := append([]Subscriber(nil), n.subscribers...)
		n.subMu.RUnlock()
		for _, s := range subs {
			result, err := s.TryConsumeQuery(ctx, local, remote, m.Data)
			if err != nil {
				logger.Warn("subscriber error on query", "err", err)
				continue
			}
			if result.Consumed {
				_ = n.sendAnswer(local, remote, peer, m.QueryID, result.Answer)
				return
			}
		}
	case *MessageAnswer:
		n.queries.deliver(m.QueryID, m.Data)
	case *MessageCreateChannel:
		n.onCreateChannel(local, remote, peer, m)
	case *MessageConfirmChannel:
		n.onConfirmChannel(peer, m)
	}
}

func (n *Node) onCreateChannel(local, remote common.Hash, peer *PeerEntry, m *MessageCreateChannel) {
	if peer.Channel == nil {
		pending, err := newPendingChannel()
		if err != nil {
			logger.Error("failed to start channel", "err", err)
			return
		}
		peer.Channel = pending
	}
	if err := peer.Channel.establish(m.Key); err != nil {
		logger.Error("failed to establish channel", "err", err)
		return
	}
	n.peers.registerChannel(peer)
	n.Metrics.ChannelsOpened.Inc()

	confirm := MessageConfirmChannel{Key: peer.Channel.localEphemeralPub, Date: m.Date}
	_ = n.sendMessages(local, remote, peer, confirm)
}

func (n *Node) onConfirmChannel(peer *PeerEntry, m *MessageConfirmChannel) {
	if peer.Channel == nil || peer.Channel.phase != channelPending {
		return
	}
	if err := peer.Channel.establish(m.Key); err != nil {
		logger.Error("failed to confirm channel", "err", err)
		return
	}
	n.peers.registerChannel(peer)
	n.Metrics.ChannelsOpened.Inc()
}

// SendCustomMessage is fire-and-forget, best-effort per spec.md section 4.1.
func (n *Node) SendCustomMessage(local, remote common.Hash, payload []byte) error {
	peer, ok := n.peers.get(local, remote)
	if !ok {
		return ErrUnknownPeer
	}
	return n.sendMessages(local, remote, peer, MessageCustom{Data: payload})
}

// Query correlates by a fresh 256-bit query id and blocks until an answer
// arrives, ctx is done, or timeout elapses, returning ErrTimeout in the
// latter case. Cancelling ctx removes the pending query from the
// correlation table, matching spec.md's cancellation contract.
func (n *Node) Query(ctx context.Context, local, remote common.Hash, data []byte, timeout time.Duration) ([]byte, error) {
	peer, ok := n.peers.get(local, remote)
	if !ok {
		return nil, ErrUnknownPeer
	}

	queryID, err := newQueryID()
	if err != nil {
		return nil, err
	}
	pq, err := n.queries.insert(queryID)
	if err != nil {
		return nil, err
	}

	if err := n.sendMessages(local, remote, peer, MessageQuery{QueryID: queryID, Data: data}); err != nil {
		n.queries.cancel(queryID, nil)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pq.done:
		return pq.data, pq.err
	case <-timer.C:
		n.queries.cancel(queryID, ErrTimeout)
		n.Metrics.QueriesTimedOut.Inc()
		return nil, ErrTimeout
	case <-ctx.Done():
		n.queries.cancel(queryID, ctx.Err())
		return nil, ctx.Err()
	}
}

func (n *Node) sendAnswer(local, remote common.Hash, peer *PeerEntry, queryID common.Hash, data []byte) error {
	return n.sendMessages(local, remote, peer, MessageAnswer{QueryID: queryID, Data: data})
}

// sendMessages implements spec.md section 4.1's send pipeline: choose the
// channel cipher if established, else the handshake cipher, and emit the
// boxed PacketContents envelope carrying msgs.
func (n *Node) sendMessages(local, remote common.Hash, peer *PeerEntry, msgs ...Message) error {
	nk, ok := n.keys.ByShortID(local)
	if !ok {
		return ErrUnknownLocalKey
	}

	rand1, err := randomPacketOffset()
	if err != nil {
		return err
	}
	rand2, err := randomPacketOffset()
	if err != nil {
		return err
	}

	contents := &PacketContents{
		Rand1:    rand1,
		Rand2:    rand2,
		Messages: msgs,
		Seqno:    peer.nextOutSeqno(),
	}
	if peer.Channel.isEstablished() {
		contents.FromShort = &local
	} else {
		contents.FromPublic = nk.KeyPair.Public
	}

	w := tl.NewWriter()
	if err := tl.WriteBoxed(w, contents); err != nil {
		return errors.Wrap(err, "encode packet contents")
	}
	plaintext := w.Bytes()

	var packet []byte
	if peer.Channel.isEstablished() {
		packet, err = buildChannelPacket(peer.Channel, plaintext)
	} else {
		packet, err = buildHandshakePacket(remote, peer.RemotePublic, plaintext)
	}
	if err != nil {
		return err
	}

	udpAddr := &net.UDPAddr{IP: ipFromUint32(peer.Address.IP), Port: int(peer.Address.Port)}
	_, err = n.conn.WriteTo(packet, udpAddr)
	return err
}

func ipFromUint32(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
