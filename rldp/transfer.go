package rldp

import (
	"context"
	"sync"
	"time"

	"github.com/ground-x/adnl/common"
)

// outgoingTransfer is the sender-role state: the encoder and the parameters
// it advertises, whether any Ack has arrived, and the one-shot result. The
// next seqno and the deadline live in Node.pace and its context.
type outgoingTransfer struct {
	id   common.Hash
	peer common.Hash

	encoder *RaptorQEncoder
	params  FecType

	mu       sync.Mutex
	acked    bool
	resolved bool
	done     chan struct{}
	err      error

	cancel context.CancelFunc
}

// resolve completes the transfer exactly once, waking Query/SendMessage
// callers blocked on done.
func (t *outgoingTransfer) resolve(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return
	}
	t.resolved = true
	t.err = err
	close(t.done)
}

func (t *outgoingTransfer) markAcked() {
	t.mu.Lock()
	t.acked = true
	t.mu.Unlock()
}

func (t *outgoingTransfer) isAcked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked
}

// incomingTransfer is the receiver-role state: the decoder (which holds the
// sender's parameters), the number of parts accepted since the last Ack,
// and the deadline set when it was allocated. mu serializes Feed
// calls against concurrent MessageParts for the same transfer landing on
// different ADNL dispatch workers.
type incomingTransfer struct {
	id       common.Hash
	peer     common.Hash
	deadline time.Time

	mu       sync.Mutex
	decoder  *RaptorQDecoder
	sinceAck int
}
