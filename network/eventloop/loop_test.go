package eventloop

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gossipmesh/config"
	"gossipmesh/core/message"
	"gossipmesh/network/gossip"
	"gossipmesh/network/peerreg"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	mu    sync.Mutex
	dials []peer.ID
}

func (d *fakeDialer) Dial(p peer.ID, _ []multiaddr.Multiaddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, p)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type fakeFeed struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (f *fakeFeed) Start() error { f.started.Store(true); return nil }
func (f *fakeFeed) Stop()        { f.stopped.Store(true) }

type recordedRPC struct {
	to  peer.ID
	rpc *message.RPC
}

// recordingSender is written from the loop goroutine and read from the test.
type recordingSender struct {
	mu   sync.Mutex
	sent []recordedRPC
}

func (s *recordingSender) SendRPC(p peer.ID, rpc *message.RPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recordedRPC{to: p, rpc: rpc})
}

func (s *recordingSender) countByType(tp message.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sent {
		if r.rpc.Type == tp {
			n++
		}
	}
	return n
}

type harness struct {
	loop     *Loop
	dialer   *fakeDialer
	feed     *fakeFeed
	registry *peerreg.Registry
	router   *gossip.Router
	sender   *recordingSender

	mu         sync.Mutex
	deliveries []gossip.Delivery
}

func (h *harness) deliveryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deliveries)
}

// meshPeers reads router state through the loop goroutine.
func (h *harness) meshPeers(topic string) []peer.ID {
	var mesh []peer.ID
	_ = h.loop.Eval(context.Background(), func() {
		mesh = h.router.MeshPeers(topic)
	})
	return mesh
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Topics = []string{"chat"}
	cfg.Gossip.HeartbeatInterval = 10 * time.Millisecond

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	var seq uint64
	signer := message.NewSigner(priv, pid, cfg.SignPolicy, func() (uint64, error) {
		seq++
		return seq, nil
	})

	h := &harness{
		dialer:   &fakeDialer{},
		feed:     &fakeFeed{},
		registry: peerreg.New(cfg.Gossip.DisconnectedGrace),
		sender:   &recordingSender{},
	}
	h.router = gossip.NewRouter(pid, signer, cfg.SignPolicy, cfg.Gossip, h.sender, func(d gossip.Delivery) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.deliveries = append(h.deliveries, d)
	})

	events := NewEventChan()
	h.loop = New(cfg, h.registry, h.router, h.dialer, h.feed, nil, events)

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.loop.Done()
	})
	return h
}

func testAddr(t *testing.T) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr("/ip4/10.0.0.1/tcp/4001")
	require.NoError(t, err)
	return a
}

func remoteIdentity(t *testing.T) (crypto.PrivKey, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return priv, pid
}

// connectSubscriber drives a remote peer to connected-and-subscribed state.
func (h *harness) connectSubscriber(t *testing.T, p peer.ID, topic string) {
	t.Helper()
	h.loop.Post(PeerConnected{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})
	h.loop.Post(InboundRPC{From: p, RPC: &message.RPC{Type: message.TypeSubscribe, Topic: topic}})
	require.Eventually(t, func() bool {
		state, ok := h.registry.State(p)
		return ok && state == peerreg.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestDiscoveryTriggersDial(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("discovered")

	h.loop.Post(PeerDiscovered{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})

	require.Eventually(t, func() bool { return h.dialer.count() == 1 }, time.Second, 5*time.Millisecond)
	state, ok := h.registry.State(p)
	require.True(t, ok)
	assert.Equal(t, peerreg.StateDialing, state)

	// a re-announcement while the dial is in flight must not stack dials
	h.loop.Post(PeerDiscovered{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
}

func TestDialFailureLeavesPeerDiscovered(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("unreachable")

	h.loop.Post(PeerDiscovered{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})
	require.Eventually(t, func() bool { return h.dialer.count() == 1 }, time.Second, 5*time.Millisecond)

	h.loop.Post(DialDone{ID: p, Err: assert.AnError})
	require.Eventually(t, func() bool {
		state, ok := h.registry.State(p)
		return ok && state == peerreg.StateDiscovered
	}, time.Second, 5*time.Millisecond)

	// the next announcement may dial again
	h.loop.Post(PeerDiscovered{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})
	require.Eventually(t, func() bool { return h.dialer.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConnectAnnouncesSubscriptions(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("neighbor")

	h.loop.Post(PeerConnected{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})

	require.Eventually(t, func() bool {
		return h.sender.countByType(message.TypeSubscribe) == 1
	}, time.Second, 5*time.Millisecond)

	// a duplicate connected notification must not re-announce
	h.loop.Post(PeerConnected{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.sender.countByType(message.TypeSubscribe))
}

func TestDisconnectPurgesMesh(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("neighbor")
	h.connectSubscriber(t, p, "chat")

	require.Eventually(t, func() bool {
		return len(h.meshPeers("chat")) == 1
	}, time.Second, 5*time.Millisecond)

	h.loop.Post(PeerDisconnected{ID: p})
	require.Eventually(t, func() bool {
		return len(h.meshPeers("chat")) == 0
	}, time.Second, 5*time.Millisecond)

	state, ok := h.registry.State(p)
	require.True(t, ok)
	assert.Equal(t, peerreg.StateDisconnected, state)
}

func TestInboundMessageDelivered(t *testing.T) {
	h := newHarness(t)
	relay := peer.ID("relay")
	h.connectSubscriber(t, relay, "chat")

	priv, pub := remoteIdentity(t)
	var seq uint64
	signer := message.NewSigner(priv, pub, config.SignPolicyStrict, func() (uint64, error) {
		seq++
		return seq, nil
	})
	m, _, err := signer.NewMessage("chat", []byte("hello"))
	require.NoError(t, err)

	h.loop.Post(InboundRPC{From: relay, RPC: &message.RPC{Type: message.TypePublish, Message: m}})

	require.Eventually(t, func() bool { return h.deliveryCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInvalidSignaturePenalizesRelay(t *testing.T) {
	h := newHarness(t)
	relay := peer.ID("relay")
	h.connectSubscriber(t, relay, "chat")

	priv, pub := remoteIdentity(t)
	var seq uint64
	signer := message.NewSigner(priv, pub, config.SignPolicyStrict, func() (uint64, error) {
		seq++
		return seq, nil
	})
	m, _, err := signer.NewMessage("chat", []byte("payload"))
	require.NoError(t, err)
	m.Payload = []byte("tampered")

	h.loop.Post(InboundRPC{From: relay, RPC: &message.RPC{Type: message.TypePublish, Message: m}})

	require.Eventually(t, func() bool {
		for _, snap := range h.registry.Snapshots() {
			if snap.ID == relay.String() && snap.InvalidSigs == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.deliveryCount())
}

func TestPublishRequestRepliesWithID(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("neighbor")
	h.connectSubscriber(t, p, "chat")
	require.Eventually(t, func() bool {
		return len(h.meshPeers("chat")) == 1
	}, time.Second, 5*time.Millisecond)

	reply := make(chan PublishResult, 1)
	h.loop.Post(PublishRequest{Topic: "chat", Payload: []byte("out"), Reply: reply})

	select {
	case res := <-reply:
		require.NoError(t, res.Err)
		assert.NotEmpty(t, res.ID)
	case <-time.After(time.Second):
		t.Fatal("no publish reply")
	}

	require.Eventually(t, func() bool {
		return h.sender.countByType(message.TypePublish) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeRequestJoinsTopic(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("neighbor")
	h.connectSubscriber(t, p, "news")

	h.loop.Post(SubscribeRequest{Topic: "news"})
	require.Eventually(t, func() bool {
		return len(h.meshPeers("news")) == 1
	}, time.Second, 5*time.Millisecond)

	h.loop.Post(UnsubscribeRequest{Topic: "news"})
	require.Eventually(t, func() bool {
		return h.sender.countByType(message.TypeUnsubscribe) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExpiredPeerEvictedByMaintenance(t *testing.T) {
	h := newHarness(t)
	p := peer.ID("transient")

	h.loop.Post(PeerDiscovered{ID: p, Addrs: []multiaddr.Multiaddr{testAddr(t)}})
	require.Eventually(t, func() bool { return h.dialer.count() == 1 }, time.Second, 5*time.Millisecond)

	// dial never completes before the announcement lapses
	h.loop.Post(DialDone{ID: p, Err: assert.AnError})
	h.loop.Post(PeerExpired{ID: p})

	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownStopsDiscoveryFeed(t *testing.T) {
	cfg := config.Default()
	cfg.Gossip.HeartbeatInterval = 10 * time.Millisecond

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	signer := message.NewSigner(priv, pid, cfg.SignPolicy, func() (uint64, error) { return 1, nil })

	feed := &fakeFeed{}
	sender := &recordingSender{}
	router := gossip.NewRouter(pid, signer, cfg.SignPolicy, cfg.Gossip, sender, func(gossip.Delivery) {})
	loop := New(cfg, peerreg.New(time.Minute), router, &fakeDialer{}, feed, nil, NewEventChan())

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	require.Eventually(t, func() bool { return feed.started.Load() }, time.Second, 5*time.Millisecond)

	cancel()
	<-loop.Done()
	assert.True(t, feed.stopped.Load())
}
