// Package msgcache keeps recently forwarded messages in heartbeat-aligned
// windows so the router can answer IWANT requests and collect ids for IHAVE
// gossip.
package msgcache

import "gossipmesh/core/message"

type cacheEntry struct {
	id    string
	topic string
}

// Cache holds full messages for the last `history` heartbeats and gossips
// about ids from the most recent `gossip` of them.
type Cache struct {
	gossip  int
	msgs    map[string]*message.Message
	history [][]cacheEntry
}

// New creates a message cache. gossip must not exceed history.
func New(gossip, history int) *Cache {
	return &Cache{
		gossip:  gossip,
		msgs:    make(map[string]*message.Message),
		history: make([][]cacheEntry, history),
	}
}

// Put adds a message under id to the current window.
func (c *Cache) Put(id string, m *message.Message) {
	if _, ok := c.msgs[id]; ok {
		return
	}
	c.msgs[id] = m
	c.history[0] = append(c.history[0], cacheEntry{id: id, topic: m.Topic})
}

// Get returns the cached message for id, if still in a window.
func (c *Cache) Get(id string) (*message.Message, bool) {
	m, ok := c.msgs[id]
	return m, ok
}

// GossipIDs returns the ids for topic within the gossip windows.
func (c *Cache) GossipIDs(topic string) []string {
	var ids []string
	for _, window := range c.history[:c.gossip] {
		for _, e := range window {
			if e.topic == topic {
				ids = append(ids, e.id)
			}
		}
	}
	return ids
}

// Shift rotates the windows, dropping messages that fall out of the oldest.
// Called once per heartbeat.
func (c *Cache) Shift() {
	last := c.history[len(c.history)-1]
	for _, e := range last {
		delete(c.msgs, e.id)
	}
	copy(c.history[1:], c.history[:len(c.history)-1])
	c.history[0] = nil
}
