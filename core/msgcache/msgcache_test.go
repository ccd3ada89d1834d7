package msgcache

import (
	"testing"

	"gossipmesh/core/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(topic string) *message.Message {
	return &message.Message{Topic: topic, Payload: []byte("x")}
}

func TestPutGet(t *testing.T) {
	c := New(2, 4)
	c.Put("m1", msg("chat"))

	got, ok := c.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "chat", got.Topic)

	_, ok = c.Get("m2")
	assert.False(t, ok)
}

func TestGossipIDsLimitedToGossipWindows(t *testing.T) {
	c := New(2, 4)
	c.Put("m1", msg("chat"))
	c.Shift()
	c.Put("m2", msg("chat"))
	c.Put("other", msg("news"))
	c.Shift()
	c.Put("m3", msg("chat"))

	// m1 is three windows old, outside the 2 gossip windows
	assert.ElementsMatch(t, []string{"m2", "m3"}, c.GossipIDs("chat"))
	assert.ElementsMatch(t, []string{"other"}, c.GossipIDs("news"))
}

func TestShiftDropsMessagesPastHistory(t *testing.T) {
	c := New(1, 3)
	c.Put("m1", msg("chat"))
	for i := 0; i < 2; i++ {
		c.Shift()
		_, ok := c.Get("m1")
		assert.True(t, ok, "message should survive %d shifts", i+1)
	}
	c.Shift()
	_, ok := c.Get("m1")
	assert.False(t, ok)
}

func TestPutDeduplicates(t *testing.T) {
	c := New(1, 2)
	c.Put("m1", msg("chat"))
	c.Put("m1", msg("chat"))
	assert.Len(t, c.GossipIDs("chat"), 1)
}
