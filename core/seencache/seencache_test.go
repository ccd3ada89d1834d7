package seencache

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
)

func TestAddReportsFreshness(t *testing.T) {
	c := New(time.Minute, 16)
	assert.True(t, c.Add("m1", peer.ID("a")))
	assert.False(t, c.Add("m1", peer.ID("b")))
	assert.True(t, c.Has("m1"))
	assert.False(t, c.Has("m2"))
}

func TestForwardersAccumulate(t *testing.T) {
	c := New(time.Minute, 16)
	c.Add("m1", peer.ID("a"))
	c.Add("m1", peer.ID("b"))
	c.Add("m1", peer.ID("b"))
	assert.ElementsMatch(t, []peer.ID{"a", "b"}, c.Forwarders("m1"))
	assert.Nil(t, c.Forwarders("m2"))
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	c := New(time.Minute, 3)
	for i := 0; i < 4; i++ {
		c.Add(fmt.Sprintf("m%d", i), peer.ID("a"))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Has("m0"))
	assert.True(t, c.Has("m1"))
	assert.True(t, c.Has("m3"))
}

func TestSweepExpiresByAge(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(time.Minute, 16)
	c.now = func() time.Time { return now }

	c.Add("old", peer.ID("a"))
	now = now.Add(40 * time.Second)
	c.Add("young", peer.ID("a"))

	now = now.Add(30 * time.Second)
	c.Sweep()

	assert.False(t, c.Has("old"))
	assert.True(t, c.Has("young"))

	// an evicted id is treated as never seen
	assert.True(t, c.Add("old", peer.ID("a")))
}
