// Package eventloop contains the orchestrator: a single goroutine that
// multiplexes discovery, transport, gossip, and application events into a
// serialized sequence of state transitions on the peer registry and the
// gossip router.
package eventloop

import (
	"context"
	"errors"
	"log"
	"time"

	"gossipmesh/config"
	"gossipmesh/core/message"
	"gossipmesh/core/store"
	"gossipmesh/network/gossip"
	"gossipmesh/network/mtr"
	"gossipmesh/network/peerreg"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Dialer starts an asynchronous dial. The outcome arrives later as a
// DialDone event; a failed dial is never retried inline.
type Dialer interface {
	Dial(p peer.ID, addrs []multiaddr.Multiaddr)
}

// Feed is the discovery feed lifecycle. Stop tells the feed to cease
// advertising and listening.
type Feed interface {
	Start() error
	Stop()
}

// Loop is the single coordination point for all shared peer/topic state.
type Loop struct {
	cfg      *config.Config
	registry *peerreg.Registry
	router   *gossip.Router
	dialer   Dialer
	feed     Feed
	store    *store.Store // may be nil

	events chan Event
	eval   chan func()
	done   chan struct{}
}

// NewEventChan creates an event channel sized for the loop. Event sources
// hold the send side before the loop itself is assembled.
func NewEventChan() chan Event {
	return make(chan Event, 256)
}

// New creates a loop around an event channel shared with the event sources.
// st may be nil to run without persistence.
func New(cfg *config.Config, reg *peerreg.Registry, router *gossip.Router, dialer Dialer, feed Feed, st *store.Store, events chan Event) *Loop {
	return &Loop{
		cfg:      cfg,
		registry: reg,
		router:   router,
		dialer:   dialer,
		feed:     feed,
		store:    st,
		events:   events,
		eval:     make(chan func()),
		done:     make(chan struct{}),
	}
}

// Events returns the channel event sources post into. A full channel drops
// the event; producers must never block on the loop.
func (l *Loop) Events() chan<- Event {
	return l.events
}

// Post offers an event without blocking. It returns false if the loop is
// saturated and the event was dropped.
func (l *Loop) Post(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	default:
		log.Printf("eventloop: dropping %T, queue full", ev)
		return false
	}
}

// Run processes events until ctx is cancelled, then stops the discovery
// feed. Exactly one event is processed to completion at a time.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for _, topic := range l.cfg.Topics {
		l.router.Subscribe(topic)
	}

	l.replayPersistedPeers()

	if err := l.feed.Start(); err != nil {
		log.Printf("eventloop: failed to start discovery feed: %v", err)
	}

	ticker := time.NewTicker(l.cfg.Gossip.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.feed.Stop()
			return
		case ev := <-l.events:
			l.handle(ev)
		case <-ticker.C:
			l.maintenance()
		case fn := <-l.eval:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// replayPersistedPeers feeds peers remembered from a previous run through
// the normal discovery path.
func (l *Loop) replayPersistedPeers() {
	if l.store == nil {
		return
	}
	infos, err := l.store.Peers()
	if err != nil {
		log.Printf("eventloop: failed to load persisted peers: %v", err)
		return
	}
	for _, info := range infos {
		pid, err := peer.Decode(info.ID)
		if err != nil {
			continue
		}
		var addrs []multiaddr.Multiaddr
		for _, s := range info.Addrs {
			a, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			addrs = append(addrs, a)
		}
		if len(addrs) == 0 {
			continue
		}
		l.handle(PeerDiscovered{ID: pid, Addrs: addrs})
	}
	if len(infos) > 0 {
		log.Printf("eventloop: replayed %d persisted peer(s)", len(infos))
	}
}

func (l *Loop) handle(ev Event) {
	switch e := ev.(type) {
	case PeerDiscovered:
		l.handleDiscovered(e)
	case PeerExpired:
		l.registry.MarkExpired(e.ID)
	case DialDone:
		if e.Err != nil {
			// peer stays discovered; retried only on re-announcement
			log.Printf("eventloop: peer %s unreachable: %v", e.ID, e.Err)
			mtr.DialFailuresTotal.Inc()
			l.registry.MarkDialFailed(e.ID)
		}
	case PeerConnected:
		l.handleConnected(e)
	case PeerDisconnected:
		l.handleDisconnected(e)
	case InboundRPC:
		if err := l.router.HandleRPC(e.From, e.RPC); err != nil {
			if errors.Is(err, message.ErrInvalidSignature) {
				l.registry.RecordInvalidSig(e.From)
			}
			log.Printf("eventloop: rpc from %s dropped: %v", e.From, err)
		}
	case PublishRequest:
		id, err := l.router.Publish(e.Topic, e.Payload)
		if e.Reply != nil {
			e.Reply <- PublishResult{ID: id, Err: err}
		} else if err != nil {
			log.Printf("eventloop: publish to %q failed: %v", e.Topic, err)
		}
	case SubscribeRequest:
		l.router.Subscribe(e.Topic)
	case UnsubscribeRequest:
		l.router.Unsubscribe(e.Topic)
	default:
		log.Printf("eventloop: unhandled event %T", ev)
	}
}

func (l *Loop) handleDiscovered(e PeerDiscovered) {
	first := l.registry.RecordDiscovered(e.ID, e.Addrs)
	if first {
		log.Printf("eventloop: discovered peer %s", e.ID)
	}
	l.persistPeer(e.ID)
	if l.registry.MarkDialing(e.ID) {
		l.dialer.Dial(e.ID, l.registry.Addrs(e.ID))
	}
}

func (l *Loop) handleConnected(e PeerConnected) {
	state, known := l.registry.State(e.ID)
	if known && state == peerreg.StateConnected {
		// duplicate connection notification
		return
	}
	l.registry.MarkConnected(e.ID, e.Addrs)
	l.persistPeer(e.ID)
	l.router.AddPeer(e.ID)
	mtr.PeerConnectionsTotal.Inc()
	mtr.PeersConnected.Set(float64(len(l.registry.ConnectedPeers())))
	log.Printf("eventloop: peer %s connected", e.ID)
}

func (l *Loop) handleDisconnected(e PeerDisconnected) {
	state, known := l.registry.State(e.ID)
	if !known || state != peerreg.StateConnected {
		return
	}
	l.registry.MarkDisconnected(e.ID)
	l.router.RemovePeer(e.ID)
	mtr.PeerDisconnectionsTotal.Inc()
	mtr.PeersConnected.Set(float64(len(l.registry.ConnectedPeers())))
	log.Printf("eventloop: peer %s disconnected", e.ID)
}

func (l *Loop) maintenance() {
	l.router.Heartbeat()
	for _, pid := range l.registry.EvictExpired() {
		log.Printf("eventloop: evicted peer %s", pid)
		if l.store != nil {
			if err := l.store.DeletePeer(pid.String()); err != nil {
				log.Printf("eventloop: failed to remove persisted peer %s: %v", pid, err)
			}
		}
	}
}

func (l *Loop) persistPeer(pid peer.ID) {
	if l.store == nil {
		return
	}
	addrs := l.registry.Addrs(pid)
	if len(addrs) == 0 {
		return
	}
	info := store.PeerInfo{ID: pid.String(), LastSeen: time.Now()}
	for _, a := range addrs {
		info.Addrs = append(info.Addrs, a.String())
	}
	if err := l.store.SavePeer(info); err != nil {
		log.Printf("eventloop: failed to persist peer %s: %v", pid, err)
	}
}

// Eval runs fn on the loop goroutine and waits for it, giving callers on
// other goroutines a consistent view of loop-owned state.
func (l *Loop) Eval(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case l.eval <- wrapped:
	case <-l.done:
		return errors.New("event loop stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RouterStats fetches a router snapshot via the loop goroutine.
func (l *Loop) RouterStats(ctx context.Context) (gossip.Stats, error) {
	var st gossip.Stats
	err := l.Eval(ctx, func() {
		st = l.router.Stats()
	})
	return st, err
}
