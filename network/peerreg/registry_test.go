package peerreg

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestRecordDiscoveredIdempotent(t *testing.T) {
	r := New(time.Minute)
	p := peer.ID("p1")

	assert.True(t, r.RecordDiscovered(p, []multiaddr.Multiaddr{addr(t, "/ip4/10.0.0.1/tcp/4001")}))
	assert.False(t, r.RecordDiscovered(p, []multiaddr.Multiaddr{addr(t, "/ip4/10.0.0.1/tcp/4001")}))
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Addrs(p), 1)
}

func TestAddressSetOnlyGrows(t *testing.T) {
	r := New(time.Minute)
	p := peer.ID("p1")

	r.RecordDiscovered(p, []multiaddr.Multiaddr{addr(t, "/ip4/10.0.0.1/tcp/4001")})
	r.RecordDiscovered(p, []multiaddr.Multiaddr{addr(t, "/ip4/10.0.0.1/udp/4001/quic-v1")})
	assert.Len(t, r.Addrs(p), 2)
}

func TestDialingTransitions(t *testing.T) {
	r := New(time.Minute)
	p := peer.ID("p1")

	assert.False(t, r.MarkDialing(p), "unknown peer must not be dialable")

	r.RecordDiscovered(p, nil)
	assert.True(t, r.MarkDialing(p))
	assert.False(t, r.MarkDialing(p), "already dialing")

	r.MarkDialFailed(p)
	state, ok := r.State(p)
	require.True(t, ok)
	assert.Equal(t, StateDiscovered, state)
}

func TestConnectUpsertsUnknownPeer(t *testing.T) {
	r := New(time.Minute)
	p := peer.ID("inbound")

	// inbound connection from a peer we never discovered
	r.MarkConnected(p, []multiaddr.Multiaddr{addr(t, "/ip4/10.0.0.2/tcp/4001")})
	state, ok := r.State(p)
	require.True(t, ok)
	assert.Equal(t, StateConnected, state)
}

func TestDisconnectUnknownPeerIsIgnored(t *testing.T) {
	r := New(time.Minute)
	r.MarkDisconnected(peer.ID("ghost"))
	assert.Equal(t, 0, r.Len())
}

func TestConnectedPeerNeverEvicted(t *testing.T) {
	r := New(time.Minute)
	p := peer.ID("p1")
	r.RecordDiscovered(p, nil)
	r.MarkDialing(p)
	r.MarkConnected(p, nil)
	r.MarkExpired(p)

	assert.Empty(t, r.EvictExpired())
	assert.Equal(t, 1, r.Len())
}

func TestExpiredPeerEvictedOnceDisconnected(t *testing.T) {
	r := New(time.Hour)
	p := peer.ID("p1")
	r.RecordDiscovered(p, nil)
	r.MarkExpired(p)

	evicted := r.EvictExpired()
	require.Len(t, evicted, 1)
	assert.Equal(t, p, evicted[0])
	assert.Equal(t, 0, r.Len())
}

func TestRediscoveryClearsExpiry(t *testing.T) {
	r := New(time.Hour)
	p := peer.ID("p1")
	r.RecordDiscovered(p, nil)
	r.MarkExpired(p)
	r.RecordDiscovered(p, nil)

	assert.Empty(t, r.EvictExpired())
}

func TestDisconnectedEvictedAfterGrace(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(time.Minute)
	r.now = func() time.Time { return now }

	p := peer.ID("p1")
	r.RecordDiscovered(p, nil)
	r.MarkConnected(p, nil)
	r.MarkDisconnected(p)

	assert.Empty(t, r.EvictExpired(), "still within grace")

	now = now.Add(2 * time.Minute)
	evicted := r.EvictExpired()
	require.Len(t, evicted, 1)
	assert.Equal(t, p, evicted[0])
}

func TestInvalidSigCounter(t *testing.T) {
	r := New(time.Minute)
	p := peer.ID("p1")
	r.RecordDiscovered(p, nil)
	r.RecordInvalidSig(p)
	r.RecordInvalidSig(p)

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(2), snaps[0].InvalidSigs)
}

func TestConnectedPeers(t *testing.T) {
	r := New(time.Minute)
	a, b := peer.ID("a"), peer.ID("b")
	r.RecordDiscovered(a, nil)
	r.RecordDiscovered(b, nil)
	r.MarkConnected(a, nil)

	assert.ElementsMatch(t, []peer.ID{a}, r.ConnectedPeers())
}
