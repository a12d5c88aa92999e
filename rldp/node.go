// Package rldp implements the Reliable Large Datagram Protocol on top of
// ADNL custom messages, per spec.md sections 4.6/4.7: query/send_message
// built from FEC-coded MessagePart transfers, paced send with Ack/Complete/
// Error handling.
package rldp

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ground-x/adnl/adnl"
	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/log"
	"github.com/ground-x/adnl/tl"
)

var logger = log.NewModuleLogger(log.ModuleRLDP)

// Config bundles an RLDP node's pacing and bound knobs.
type Config struct {
	// SendInterval is how often an unacknowledged transfer emits a packet.
	// Defaults to 10ms.
	SendInterval time.Duration
	// BackoffInterval is the send interval once at least one Ack has been
	// seen for a transfer. Defaults to 50ms.
	BackoffInterval time.Duration
	// AckEvery is how many accepted symbols a receiver absorbs before
	// sending an Ack. Defaults to 16.
	AckEvery int
	// DefaultTransferTimeout bounds SendMessage and the request leg of
	// Query when the caller doesn't specify one. Defaults to 10s.
	DefaultTransferTimeout time.Duration
	// MaxIncomingDataSize rejects a sender's declared fec_type.data_size
	// above this bound with ParametersRejected. Zero means unbounded.
	MaxIncomingDataSize uint32
	// CompletedSetSize bounds the recently-completed-transfer LRU that
	// absorbs late duplicate MessageParts silently. Defaults to 4096.
	CompletedSetSize int
}

func (c *Config) setDefaults() {
	if c.SendInterval <= 0 {
		c.SendInterval = 10 * time.Millisecond
	}
	if c.BackoffInterval <= 0 {
		c.BackoffInterval = 50 * time.Millisecond
	}
	if c.AckEvery <= 0 {
		c.AckEvery = 16
	}
	if c.DefaultTransferTimeout <= 0 {
		c.DefaultTransferTimeout = 10 * time.Second
	}
	if c.CompletedSetSize <= 0 {
		c.CompletedSetSize = 4096
	}
}

// Subscriber is what an RLDP Node delivers incoming traffic to: answered
// queries and fire-and-forget messages, spec.md section 4.6's "deliver
// payload to the RLDP subscriber (typically a query handler)".
type Subscriber interface {
	HandleQuery(ctx context.Context, peer common.Hash, data []byte) (answer []byte, err error)
	OnMessage(ctx context.Context, peer common.Hash, data []byte)
}

// Metrics are the atomic counters spec.md section 5 calls for.
type Metrics struct {
	TransfersOut atomic.Int64
	TransfersIn  atomic.Int64
	BytesOut     atomic.Int64
	BytesIn      atomic.Int64
	TimedOut     atomic.Int64
	Rejected     atomic.Int64
	DecodeFailed atomic.Int64
}

type queryWaiter struct {
	ch            chan queryResult
	maxAnswerSize int64
}

type queryResult struct {
	data []byte
	err  error
}

// Node is the RLDP endpoint for one local ADNL identity: it multiplexes
// MessagePart/Ack/Complete/Error custom messages across every in-flight
// transfer and exposes Query/SendMessage to callers, spec.md section 4.6.
type Node struct {
	adnlNode     *adnl.Node
	localShortID common.Hash
	cfg          Config
	sub          Subscriber

	mu       sync.Mutex
	outgoing map[common.Hash]*outgoingTransfer
	incoming map[common.Hash]*incomingTransfer
	waiters  map[common.Hash]*queryWaiter

	completed common.Cache

	Metrics Metrics

	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewNode wires an RLDP Node around an already-running ADNL node and
// registers it as an adnl.Subscriber.
func NewNode(ctx context.Context, adnlNode *adnl.Node, localShortID common.Hash, cfg Config, sub Subscriber) (*Node, error) {
	cfg.setDefaults()
	completed, err := common.NewLRUCache(cfg.CompletedSetSize)
	if err != nil {
		return nil, err
	}
	rootCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		adnlNode:     adnlNode,
		localShortID: localShortID,
		cfg:          cfg,
		sub:          sub,
		outgoing:     make(map[common.Hash]*outgoingTransfer),
		incoming:     make(map[common.Hash]*incomingTransfer),
		waiters:      make(map[common.Hash]*queryWaiter),
		completed:    completed,
		rootCtx:      rootCtx,
		cancel:       cancel,
	}
	adnlNode.AddSubscriber(n)
	return n, nil
}

// Close cancels every in-flight transfer's pacing loop.
func (n *Node) Close() {
	n.cancel()
}

func randomHash() (common.Hash, error) {
	var h common.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return common.Hash{}, err
	}
	return h, nil
}

// startOutgoingTransfer builds a RaptorQ encoder over payload and launches
// its pacing loop, spec.md section 4.6's outgoing-transfer path.
func (n *Node) startOutgoingTransfer(id, peer common.Hash, payload []byte, timeout time.Duration) (*outgoingTransfer, error) {
	enc, err := NewRaptorQEncoder(payload)
	if err != nil {
		return nil, ErrFailedToEncode
	}
	ctx, cancel := context.WithTimeout(n.rootCtx, timeout)
	t := &outgoingTransfer{
		id: id, peer: peer,
		encoder: enc, params: enc.Params(),
		done: make(chan struct{}), cancel: cancel,
	}

	n.mu.Lock()
	n.outgoing[id] = t
	n.mu.Unlock()

	n.Metrics.TransfersOut.Inc()
	go n.pace(ctx, t, int64(len(payload)))
	return t, nil
}

// pace sends MessagePart packets at cfg.SendInterval until acked, then backs
// off to cfg.BackoffInterval, stopping on ctx cancellation (Complete, Error,
// or deadline), spec.md section 4.6's pacing contract.
func (n *Node) pace(ctx context.Context, t *outgoingTransfer, totalSize int64) {
	interval := n.cfg.SendInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	// sent counts the packets emitted so far and is the seqno offered to the
	// encoder, so repair packets get seqnos at or past SymbolsCount.
	var sent uint32
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				t.resolve(ErrTransferTimedOut)
				n.Metrics.TimedOut.Inc()
			}
			n.finishOutgoing(t.id)
			return
		case <-timer.C:
		}

		seqno := sent
		packet, blockIndex, err := t.encoder.Encode(&seqno)
		if err != nil {
			t.resolve(ErrFailedToEncode)
			n.finishOutgoing(t.id)
			return
		}
		sent++
		part := &MessagePart{
			TransferID: t.id,
			DataSize:   t.params.DataSize, SymbolSize: t.params.SymbolSize, SymbolsCount: t.params.SymbolsCount,
			Part: int32(blockIndex), TotalSize: totalSize, Seqno: seqno, Data: packet,
		}
		payload, err := tl.SerializeBoxed(part)
		if err == nil {
			if err := n.adnlNode.SendCustomMessage(n.localShortID, t.peer, payload); err != nil {
				logger.Debug("rldp send failed", "peer", t.peer, "err", err)
			} else {
				n.Metrics.BytesOut.Add(int64(len(packet)))
			}
		}

		if t.isAcked() {
			interval = n.cfg.BackoffInterval
		} else {
			interval = n.cfg.SendInterval
		}
		timer.Reset(interval)
	}
}

func (t *outgoingTransfer) resolvedWithSuccess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved && t.err == nil
}

func (n *Node) finishOutgoing(id common.Hash) {
	n.mu.Lock()
	delete(n.outgoing, id)
	n.mu.Unlock()
}

// Query sends data to peer as a correlated request transfer and waits for
// the matching Answer transfer, spec.md section 4.6's query/answer
// correlation: the answer's transfer id is the query's own id.
func (n *Node) Query(ctx context.Context, peer common.Hash, data []byte, timeout time.Duration, maxAnswerSize int64) ([]byte, error) {
	if timeout <= 0 {
		timeout = n.cfg.DefaultTransferTimeout
	}
	queryID, err := randomHash()
	if err != nil {
		return nil, err
	}
	payload, err := tl.SerializeBoxed(&Query{QueryID: queryID, MaxAnswerSize: maxAnswerSize, TimeoutMs: int32(timeout.Milliseconds()), Data: data})
	if err != nil {
		return nil, err
	}

	waiter := &queryWaiter{ch: make(chan queryResult, 1), maxAnswerSize: maxAnswerSize}
	n.mu.Lock()
	n.waiters[queryID] = waiter
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.waiters, queryID)
		n.mu.Unlock()
	}()

	t, err := n.startOutgoingTransfer(queryID, peer, payload, timeout)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-waiter.ch:
		return res.data, res.err
	case <-t.done:
		if t.err != nil {
			return nil, t.err
		}
		// Complete arrived for the request leg before the answer leg did;
		// keep waiting on the answer up to the original deadline.
		select {
		case res := <-waiter.ch:
			return res.data, res.err
		case <-timer.C:
			return nil, ErrTransferTimedOut
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-timer.C:
		return nil, ErrTransferTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendMessage sends data to peer as a fire-and-forget reliable transfer,
// blocking until Complete, an Error, or the deadline, spec.md section 4.6.
func (n *Node) SendMessage(peer common.Hash, data []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = n.cfg.DefaultTransferTimeout
	}
	id, err := randomHash()
	if err != nil {
		return err
	}
	t, err := n.startOutgoingTransfer(id, peer, data, timeout)
	if err != nil {
		return err
	}
	<-t.done
	return t.err
}

func (n *Node) sendControl(peer common.Hash, obj tl.Object) {
	payload, err := tl.SerializeBoxed(obj)
	if err != nil {
		return
	}
	if err := n.adnlNode.SendCustomMessage(n.localShortID, peer, payload); err != nil {
		logger.Debug("rldp control send failed", "peer", peer, "err", err)
	}
}

// TryConsumeCustom implements adnl.Subscriber, dispatching on this module's
// own top-level tags.
func (n *Node) TryConsumeCustom(ctx context.Context, local, peer common.Hash, data []byte) (bool, error) {
	r := tl.NewReader(data)
	tag, err := r.ReadUint32()
	if err != nil {
		return false, nil
	}
	switch tl.Tag(tag) {
	case tagMessagePart:
		part := &MessagePart{}
		if err := part.UnmarshalTL(r); err != nil {
			return false, nil
		}
		n.onMessagePart(ctx, peer, part)
		return true, nil
	case tagAck:
		ack := &Ack{}
		if err := ack.UnmarshalTL(r); err != nil {
			return false, nil
		}
		n.onAck(ack)
		return true, nil
	case tagComplete:
		c := &Complete{}
		if err := c.UnmarshalTL(r); err != nil {
			return false, nil
		}
		n.onComplete(c)
		return true, nil
	case tagError:
		e := &Error{}
		if err := e.UnmarshalTL(r); err != nil {
			return false, nil
		}
		n.onError(e)
		return true, nil
	default:
		return false, nil
	}
}

// TryConsumeQuery implements adnl.Subscriber. RLDP correlates its own
// query/answer pairs over custom messages rather than ADNL's query
// mechanism, so it never consumes an ADNL query bundle.
func (n *Node) TryConsumeQuery(context.Context, common.Hash, common.Hash, []byte) (adnl.QueryConsumingResult, error) {
	return adnl.QueryConsumingResult{}, nil
}

func (n *Node) onAck(ack *Ack) {
	n.mu.Lock()
	t, ok := n.outgoing[ack.TransferID]
	n.mu.Unlock()
	if ok {
		t.markAcked()
	}
}

func (n *Node) onComplete(c *Complete) {
	n.mu.Lock()
	t, ok := n.outgoing[c.TransferID]
	n.mu.Unlock()
	if ok {
		t.cancel()
		t.resolve(nil)
	}
}

func (n *Node) onError(e *Error) {
	n.mu.Lock()
	t, ok := n.outgoing[e.TransferID]
	n.mu.Unlock()
	if ok {
		t.cancel()
		t.resolve(errorForCode(e.Code))
	}
}

func errorForCode(code int32) error {
	switch Kind(code) {
	case KindParametersRejected:
		return ErrParametersRejected
	case KindDecodeFailed:
		return ErrDecodeFailed
	default:
		return ErrDecodeFailed
	}
}

// onMessagePart implements spec.md section 4.6's incoming-transfer path:
// allocate on first sight, feed, periodically Ack, and on full decode emit
// Complete and dispatch the payload.
func (n *Node) onMessagePart(ctx context.Context, peer common.Hash, part *MessagePart) {
	n.mu.Lock()
	it, ok := n.incoming[part.TransferID]
	if !ok {
		if n.completed.Contains(part.TransferID) {
			n.mu.Unlock()
			go n.sendControl(peer, &Complete{TransferID: part.TransferID})
			return
		}
		dec, err := NewRaptorQDecoder(FecType{DataSize: part.DataSize, SymbolSize: part.SymbolSize, SymbolsCount: part.SymbolsCount}, n.cfg.MaxIncomingDataSize)
		if err != nil {
			n.mu.Unlock()
			n.Metrics.Rejected.Inc()
			go n.sendControl(peer, &Error{TransferID: part.TransferID, Code: int32(KindParametersRejected)})
			return
		}
		it = &incomingTransfer{id: part.TransferID, peer: peer, decoder: dec, deadline: time.Now().Add(n.cfg.DefaultTransferTimeout)}
		n.incoming[part.TransferID] = it
		n.Metrics.TransfersIn.Inc()
	}
	n.mu.Unlock()

	it.mu.Lock()
	done, err := it.decoder.Feed(int(part.Part), part.Seqno, part.Data)
	if err != nil {
		it.mu.Unlock()
		n.Metrics.DecodeFailed.Inc()
		n.mu.Lock()
		delete(n.incoming, part.TransferID)
		n.mu.Unlock()
		go n.sendControl(peer, &Error{TransferID: part.TransferID, Code: int32(KindDecodeFailed)})
		return
	}
	n.Metrics.BytesIn.Add(int64(len(part.Data)))

	it.sinceAck++
	sendAck := it.sinceAck >= n.cfg.AckEvery
	if sendAck {
		it.sinceAck = 0
	}
	it.mu.Unlock()
	if sendAck {
		go n.sendControl(peer, &Ack{TransferID: part.TransferID, MaxSeqno: part.Seqno})
	}

	if !done {
		return
	}

	it.mu.Lock()
	payload, err := it.decoder.Payload()
	it.mu.Unlock()
	n.mu.Lock()
	delete(n.incoming, part.TransferID)
	n.mu.Unlock()
	if err != nil {
		n.Metrics.DecodeFailed.Inc()
		go n.sendControl(peer, &Error{TransferID: part.TransferID, Code: int32(KindDecodeFailed)})
		return
	}

	n.completed.Add(part.TransferID, struct{}{})
	go n.sendControl(peer, &Complete{TransferID: part.TransferID})

	n.dispatch(ctx, peer, payload)
}

// dispatch sniffs a fully-reassembled payload's leading tag to tell a
// Query, an Answer, or a plain send_message payload apart.
func (n *Node) dispatch(ctx context.Context, peer common.Hash, payload []byte) {
	r := tl.NewReader(payload)
	tag, err := r.ReadUint32()
	if err != nil {
		n.sub.OnMessage(ctx, peer, payload)
		return
	}
	switch tl.Tag(tag) {
	case tagQuery:
		q := &Query{}
		if err := q.UnmarshalTL(r); err != nil {
			return
		}
		go n.answerQuery(ctx, peer, q)
	case tagAnswer:
		a := &Answer{}
		if err := a.UnmarshalTL(r); err != nil {
			return
		}
		n.mu.Lock()
		waiter, ok := n.waiters[a.QueryID]
		n.mu.Unlock()
		if !ok {
			return
		}
		if waiter.maxAnswerSize > 0 && int64(len(a.Data)) > waiter.maxAnswerSize {
			waiter.ch <- queryResult{err: ErrDecodeFailed}
			return
		}
		waiter.ch <- queryResult{data: a.Data}
	default:
		n.sub.OnMessage(ctx, peer, payload)
	}
}

func (n *Node) answerQuery(ctx context.Context, peer common.Hash, q *Query) {
	ans, err := n.sub.HandleQuery(ctx, peer, q.Data)
	if err != nil {
		logger.Debug("rldp query handler failed", "peer", peer, "err", err)
		return
	}
	payload, err := tl.SerializeBoxed(&Answer{QueryID: q.QueryID, Data: ans})
	if err != nil {
		return
	}
	timeout := time.Duration(q.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = n.cfg.DefaultTransferTimeout
	}
	if _, err := n.startOutgoingTransfer(q.QueryID, peer, payload, timeout); err != nil {
		logger.Debug("rldp answer transfer failed to start", "peer", peer, "err", err)
	}
}
