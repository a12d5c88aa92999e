package adnl

import (
	"crypto/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/ground-x/adnl/common"
)

// pendingQuery is a one-shot delivery slot: exactly one of the answer or
// the timeout/shutdown path completes it, never both.
type pendingQuery struct {
	done chan struct{}
	once sync.Once
	data []byte
	err  error
}

func (p *pendingQuery) complete(data []byte, err error) {
	p.once.Do(func() {
		p.data = data
		p.err = err
		close(p.done)
	})
}

// queryCache correlates outbound queries to inbound answers by 256-bit
// query id, per spec.md section 4.3. Insertion happens before send, lookup
// on answer, deletion on delivery, explicit cancellation, or timeout.
type queryCache struct {
	mu      sync.Mutex
	pending map[common.Hash]*pendingQuery
}

func newQueryCache() *queryCache {
	return &queryCache{pending: make(map[common.Hash]*pendingQuery)}
}

// newQueryID draws a fresh cryptographically random 256-bit id. Per spec.md
// testable property 4, collisions within the cache window are negligible.
func newQueryID() (common.Hash, error) {
	var id common.Hash
	if _, err := rand.Read(id[:]); err != nil {
		return id, errors.Wrap(err, "generate query id")
	}
	return id, nil
}

// insert registers a fresh waiter for id. A concurrent insert of the same
// id -- vanishingly unlikely with a cryptographic RNG, per spec.md section
// 4.3 -- is treated as a protocol error rather than silently overwriting
// the existing waiter.
func (c *queryCache) insert(id common.Hash) (*pendingQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, errors.Errorf("adnl: duplicate query id %s", id)
	}
	pq := &pendingQuery{done: make(chan struct{})}
	c.pending[id] = pq
	return pq, nil
}

// deliver completes the waiter for id with an answer, if one is still
// pending. Returns false if no matching query was found (a late or
// unsolicited answer).
func (c *queryCache) deliver(id common.Hash, answer []byte) bool {
	c.mu.Lock()
	pq, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pq.complete(answer, nil)
	return true
}

// cancel removes id from the table and wakes its waiter with err, used when
// a query times out, its context ends, or its send fails. Node shutdown
// goes through shutdown instead.
func (c *queryCache) cancel(id common.Hash, err error) {
	c.mu.Lock()
	pq, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pq.complete(nil, err)
	}
}

// shutdown wakes every still-pending waiter with ErrShutdown, used when the
// owning node is closed.
func (c *queryCache) shutdown() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[common.Hash]*pendingQuery)
	c.mu.Unlock()
	for _, pq := range pending {
		pq.complete(nil, ErrShutdown)
	}
}
