package adnl

import (
	"context"

	"github.com/ground-x/adnl/common"
)

// QueryConsumingResult is what a Subscriber reports after looking at a
// query bundle: either it produced an answer, or it wants nothing to do
// with the query so the caller can try the next subscriber / reject it.
type QueryConsumingResult struct {
	Consumed bool
	Answer   []byte
}

// Subscriber is the trait-object interface spec.md's design notes call for:
// a single async method per message kind, represented in Go as a plain
// interface with context-cancellable methods. The overlay node is the
// canonical implementation; application query handlers are plugged in
// beneath it and are explicitly out of this module's scope.
type Subscriber interface {
	// TryConsumeCustom handles a Custom message payload. Returning
	// consumed=false lets the node try the next subscriber.
	TryConsumeCustom(ctx context.Context, local, peer common.Hash, data []byte) (consumed bool, err error)

	// TryConsumeQuery handles a decoded Query payload, returning whether it
	// was consumed and, if so, the answer bytes to send back.
	TryConsumeQuery(ctx context.Context, local, peer common.Hash, data []byte) (QueryConsumingResult, error)
}
