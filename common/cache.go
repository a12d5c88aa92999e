// Package common holds small shared types and a bounded-cache abstraction
// used across the adnl, overlay and rldp packages: a Hash type and an LRU
// cache wrapper adapted from the teacher's common/cache.go. The teacher's
// sharded/ARC cache variants and its CacheKey interface are generalized
// away here: every bounded set this module needs (dedup sets, known-peer
// tables, completed-transfer sets) is a single unsharded LRU keyed on plain
// comparable values, so only that variant survives.
package common

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/ground-x/adnl/log"
)

var logger = log.NewModuleLogger(log.ModuleCommon)

// Cache is a bounded key/value store with LRU eviction.
type Cache interface {
	Add(key, value interface{}) (evicted bool)
	Get(key interface{}) (value interface{}, ok bool)
	Contains(key interface{}) bool
	Remove(key interface{})
	Len() int
	Purge()
	// Keys returns every key currently held, oldest first. Used for random
	// sampling (overlay gossip peer selection).
	Keys() []interface{}
}

type lruCache struct {
	lru *lru.Cache
}

// NewLRUCache builds a Cache bounded at size entries, evicting
// least-recently-used entries once full. Used for the overlay shard's
// known-peers table (bounded at MAX_OVERLAY_PEERS), its broadcast dedup
// set, and the RLDP node's recently-completed-transfer set.
func NewLRUCache(size int) (Cache, error) {
	if size <= 0 {
		logger.Error("invalid cache size", "size", size)
		return nil, errors.New("cache size must be positive")
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "allocate lru cache")
	}
	return &lruCache{lru: c}, nil
}

func (c *lruCache) Add(key, value interface{}) (evicted bool) { return c.lru.Add(key, value) }
func (c *lruCache) Get(key interface{}) (interface{}, bool)   { return c.lru.Get(key) }
func (c *lruCache) Contains(key interface{}) bool             { return c.lru.Contains(key) }
func (c *lruCache) Remove(key interface{})                    { c.lru.Remove(key) }
func (c *lruCache) Len() int                                  { return c.lru.Len() }
func (c *lruCache) Purge()                                    { c.lru.Purge() }
func (c *lruCache) Keys() []interface{}                       { return c.lru.Keys() }
