// Package seencache provides the bounded duplicate-suppression cache used by
// the gossip router. An id absent from the cache is treated as never seen,
// even if it was seen and already evicted; memory stays bounded at the cost
// of re-delivering very old duplicates.
package seencache

import (
	"container/list"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type entry struct {
	id         string
	firstSeen  time.Time
	forwarders map[peer.ID]struct{}
}

// Cache maps message ids to arrival metadata, bounded by both age and size.
// It is not safe for concurrent use; all access is serialized by the event
// loop.
type Cache struct {
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List // oldest at front
	now      func() time.Time
}

// New creates a cache retaining ids for at most ttl, holding at most
// capacity entries.
func New(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Add records id as seen, forwarded to us by from. It returns true if the id
// was not already present. A duplicate still records the forwarder.
func (c *Cache) Add(id string, from peer.ID) bool {
	if el, ok := c.entries[id]; ok {
		el.Value.(*entry).forwarders[from] = struct{}{}
		return false
	}
	for len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	e := &entry{
		id:         id,
		firstSeen:  c.now(),
		forwarders: map[peer.ID]struct{}{from: {}},
	}
	c.entries[id] = c.order.PushBack(e)
	return true
}

// Has reports whether id is currently in the cache.
func (c *Cache) Has(id string) bool {
	_, ok := c.entries[id]
	return ok
}

// Forwarders returns the peers that have forwarded id to us.
func (c *Cache) Forwarders(id string) []peer.ID {
	el, ok := c.entries[id]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	out := make([]peer.ID, 0, len(e.forwarders))
	for p := range e.forwarders {
		out = append(out, p)
	}
	return out
}

// Sweep evicts entries older than the ttl. Called once per maintenance tick.
func (c *Cache) Sweep() {
	cutoff := c.now().Add(-c.ttl)
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if e.firstSeen.After(cutoff) {
			return
		}
		c.evictOldest()
	}
}

// Len returns the number of cached ids.
func (c *Cache) Len() int {
	return len(c.entries)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.id)
}
