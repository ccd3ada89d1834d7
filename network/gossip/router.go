// Package gossip implements the topic mesh router: randomized flood
// propagation with duplicate suppression, bounded mesh degree, and
// IHAVE/IWANT recovery gossip for peers outside the mesh.
package gossip

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"gossipmesh/config"
	"gossipmesh/core/message"
	"gossipmesh/core/msgcache"
	"gossipmesh/core/seencache"
	"gossipmesh/network/mtr"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Sender delivers an RPC to a peer. Implementations must not block: a send
// that cannot be accepted is dropped for that peer only.
type Sender interface {
	SendRPC(p peer.ID, rpc *message.RPC)
}

// Delivery is a message surfaced to the application shell.
type Delivery struct {
	Topic     string
	Payload   []byte
	Publisher peer.ID
	ID        string
}

// TopicInfo describes one subscribed topic for status reporting.
type TopicInfo struct {
	Topic      string   `json:"topic"`
	MeshPeers  []string `json:"mesh_peers"`
	KnownPeers int      `json:"known_peers"`
}

// Stats is a point-in-time view of router state.
type Stats struct {
	Topics    []TopicInfo `json:"topics"`
	Peers     int         `json:"peers"`
	SeenCache int         `json:"seen_cache"`
}

// Router decides, for every inbound or locally originated message, which
// peers receive it, and keeps each topic mesh within its degree bounds.
//
// The router holds no locks: every method is invoked from the event loop,
// which serializes all mutations.
type Router struct {
	localID peer.ID
	signer  *message.Signer
	policy  string
	params  config.GossipConfig
	sender  Sender
	deliver func(Delivery)

	mesh       map[string]map[peer.ID]struct{}
	fanout     map[string]map[peer.ID]struct{}
	fanoutLast map[string]time.Time
	subs       map[string]struct{}
	topics     map[string]map[peer.ID]struct{}
	peerTopics map[peer.ID]map[string]struct{}
	peers      map[peer.ID]struct{}
	seen       *seencache.Cache
	history    *msgcache.Cache

	shuffle func([]peer.ID)
	now     func() time.Time
}

// NewRouter creates a router. deliver is invoked for every message on a
// locally subscribed topic, at most once per message id within the
// seen-cache retention window.
func NewRouter(local peer.ID, signer *message.Signer, policy string, params config.GossipConfig, sender Sender, deliver func(Delivery)) *Router {
	return &Router{
		localID:    local,
		signer:     signer,
		policy:     policy,
		params:     params,
		sender:     sender,
		deliver:    deliver,
		mesh:       make(map[string]map[peer.ID]struct{}),
		fanout:     make(map[string]map[peer.ID]struct{}),
		fanoutLast: make(map[string]time.Time),
		subs:       make(map[string]struct{}),
		topics:     make(map[string]map[peer.ID]struct{}),
		peerTopics: make(map[peer.ID]map[string]struct{}),
		peers:      make(map[peer.ID]struct{}),
		seen:       seencache.New(params.SeenTTL, params.SeenCapacity),
		history:    msgcache.New(params.HistoryGossip, params.HistoryLength),
		shuffle: func(ps []peer.ID) {
			rand.Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })
		},
		now: time.Now,
	}
}

// AddPeer registers a connected peer and announces our subscriptions to it.
func (r *Router) AddPeer(p peer.ID) {
	if _, ok := r.peers[p]; ok {
		return
	}
	r.peers[p] = struct{}{}
	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		r.send(p, &message.RPC{Type: message.TypeSubscribe, Topic: topic})
	}
}

// RemovePeer purges a peer from every mesh, fanout, and subscription map.
// Called on disconnect; the purge is immediate, not deferred to maintenance.
func (r *Router) RemovePeer(p peer.ID) {
	delete(r.peers, p)
	for topic, peers := range r.mesh {
		delete(peers, p)
		mtr.MeshPeers.WithLabelValues(topic).Set(float64(len(peers)))
	}
	for _, peers := range r.fanout {
		delete(peers, p)
	}
	for _, peers := range r.topics {
		delete(peers, p)
	}
	delete(r.peerTopics, p)
}

// Subscribe registers local interest in a topic. The mesh starts empty and
// is filled by the next maintenance cycle.
func (r *Router) Subscribe(topic string) {
	if _, ok := r.subs[topic]; ok {
		return
	}
	r.subs[topic] = struct{}{}
	r.mesh[topic] = make(map[peer.ID]struct{})
	delete(r.fanout, topic)
	delete(r.fanoutLast, topic)
	for p := range r.peers {
		r.send(p, &message.RPC{Type: message.TypeSubscribe, Topic: topic})
	}
	log.Printf("gossip: subscribed to topic %q", topic)
}

// Unsubscribe drops local interest in a topic and notifies peers
// best-effort.
func (r *Router) Unsubscribe(topic string) {
	if _, ok := r.subs[topic]; !ok {
		return
	}
	delete(r.subs, topic)
	delete(r.mesh, topic)
	mtr.MeshPeers.DeleteLabelValues(topic)
	for p := range r.peers {
		r.send(p, &message.RPC{Type: message.TypeUnsubscribe, Topic: topic})
	}
	log.Printf("gossip: unsubscribed from topic %q", topic)
}

// Subscribed reports whether the local node subscribes to topic.
func (r *Router) Subscribed(topic string) bool {
	_, ok := r.subs[topic]
	return ok
}

// Publish constructs a fresh message and hands it to the transport for every
// mesh peer of the topic. Fire-and-forget: it returns once each send is
// queued. Publishing to a topic we do not subscribe to uses fanout peers.
func (r *Router) Publish(topic string, payload []byte) (string, error) {
	m, id, err := r.signer.NewMessage(topic, payload)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}
	r.seen.Add(id, r.localID)
	r.history.Put(id, m)

	targets := r.mesh[topic]
	if _, ok := r.subs[topic]; !ok {
		targets = r.fanoutPeers(topic)
	}
	rpc := &message.RPC{Type: message.TypePublish, Message: m}
	for p := range targets {
		r.send(p, rpc)
	}
	return id, nil
}

// HandleRPC processes one inbound RPC from a peer. Errors are informational
// for the caller; the router has already applied its drop semantics.
func (r *Router) HandleRPC(from peer.ID, rpc *message.RPC) error {
	mtr.MessagesTotal.WithLabelValues(string(rpc.Type), "in").Inc()
	switch rpc.Type {
	case message.TypeSubscribe:
		r.handleSubscribe(from, rpc.Topic)
	case message.TypeUnsubscribe:
		r.handleUnsubscribe(from, rpc.Topic)
	case message.TypePublish:
		if rpc.Message == nil {
			return fmt.Errorf("publish rpc from %s missing message", from)
		}
		return r.handleInbound(from, rpc.Message)
	case message.TypeIHave:
		r.handleIHave(from, rpc.Topic, rpc.MessageIDs)
	case message.TypeIWant:
		r.handleIWant(from, rpc.MessageIDs)
	default:
		return fmt.Errorf("unknown rpc type %q from %s", rpc.Type, from)
	}
	return nil
}

func (r *Router) handleSubscribe(from peer.ID, topic string) {
	if topic == "" {
		return
	}
	peers, ok := r.topics[topic]
	if !ok {
		peers = make(map[peer.ID]struct{})
		r.topics[topic] = peers
	}
	peers[from] = struct{}{}
	pt, ok := r.peerTopics[from]
	if !ok {
		pt = make(map[string]struct{})
		r.peerTopics[from] = pt
	}
	pt[topic] = struct{}{}
}

func (r *Router) handleUnsubscribe(from peer.ID, topic string) {
	if peers, ok := r.topics[topic]; ok {
		delete(peers, from)
	}
	if pt, ok := r.peerTopics[from]; ok {
		delete(pt, topic)
	}
	// a peer that left the topic has no place in its mesh
	if peers, ok := r.mesh[topic]; ok {
		delete(peers, from)
		mtr.MeshPeers.WithLabelValues(topic).Set(float64(len(peers)))
	}
	if peers, ok := r.fanout[topic]; ok {
		delete(peers, from)
	}
}

// handleInbound applies flood-with-dedup: drop duplicates, gate on the
// signature, deliver locally, then forward to mesh peers except the source
// and the publisher.
func (r *Router) handleInbound(from peer.ID, m *message.Message) error {
	id := m.ID(r.policy)
	if r.seen.Has(id) {
		r.seen.Add(id, from)
		mtr.DuplicatesTotal.Inc()
		return nil
	}
	if r.policy == config.SignPolicyStrict {
		if err := m.Verify(); err != nil {
			mtr.InvalidSignaturesTotal.Inc()
			return fmt.Errorf("message %s relayed by %s: %w", id, from, err)
		}
	}
	r.seen.Add(id, from)
	r.history.Put(id, m)

	publisher, err := peer.Decode(m.Publisher)
	if err != nil {
		return fmt.Errorf("message %s has malformed publisher %q: %w", id, m.Publisher, err)
	}

	if _, ok := r.subs[m.Topic]; ok {
		mtr.DeliveredTotal.Inc()
		r.deliver(Delivery{Topic: m.Topic, Payload: m.Payload, Publisher: publisher, ID: id})
	}

	rpc := &message.RPC{Type: message.TypePublish, Message: m}
	for p := range r.mesh[m.Topic] {
		if p == from || p == publisher {
			continue
		}
		r.send(p, rpc)
	}
	return nil
}

// handleIHave requests payloads we have not seen for topics we subscribe to.
func (r *Router) handleIHave(from peer.ID, topic string, ids []string) {
	if _, ok := r.subs[topic]; !ok {
		return
	}
	var want []string
	for _, id := range ids {
		if len(want) >= r.params.MaxIHaveLength {
			break
		}
		if !r.seen.Has(id) {
			want = append(want, id)
		}
	}
	if len(want) == 0 {
		return
	}
	r.send(from, &message.RPC{Type: message.TypeIWant, Topic: topic, MessageIDs: want})
}

// handleIWant answers payload requests from the windowed message cache.
func (r *Router) handleIWant(from peer.ID, ids []string) {
	n := 0
	for _, id := range ids {
		if n >= r.params.MaxIHaveLength {
			break
		}
		m, ok := r.history.Get(id)
		if !ok {
			continue
		}
		r.send(from, &message.RPC{Type: message.TypePublish, Message: m})
		n++
	}
}

// Heartbeat runs one maintenance cycle: seen-cache sweep, mesh degree
// repair, fanout upkeep, IHAVE emission, and history window rotation.
func (r *Router) Heartbeat() {
	r.seen.Sweep()

	for topic := range r.subs {
		peers := r.mesh[topic]

		// drop mesh members that disconnected or left the topic
		for p := range peers {
			if !r.eligible(topic, p) {
				delete(peers, p)
			}
		}

		if len(peers) < r.params.Dlo {
			need := r.params.D - len(peers)
			for _, p := range r.candidates(topic, need, func(p peer.ID) bool {
				_, inMesh := peers[p]
				return !inMesh
			}) {
				peers[p] = struct{}{}
			}
		}

		if len(peers) > r.params.Dhi {
			excess := len(peers) - r.params.D
			members := peerMapToList(peers)
			r.shuffle(members)
			for _, p := range members[:excess] {
				delete(peers, p)
			}
		}

		mtr.MeshPeers.WithLabelValues(topic).Set(float64(len(peers)))
	}

	r.maintainFanout()
	r.emitGossip()
	r.history.Shift()
}

// maintainFanout prunes dead fanout entries and tops up live ones.
func (r *Router) maintainFanout() {
	now := r.now()
	for topic, peers := range r.fanout {
		if now.Sub(r.fanoutLast[topic]) > r.params.FanoutTTL {
			delete(r.fanout, topic)
			delete(r.fanoutLast, topic)
			continue
		}
		for p := range peers {
			if !r.eligible(topic, p) {
				delete(peers, p)
			}
		}
		if len(peers) < r.params.D {
			for _, p := range r.candidates(topic, r.params.D-len(peers), func(p peer.ID) bool {
				_, in := peers[p]
				return !in
			}) {
				peers[p] = struct{}{}
			}
		}
	}
}

// emitGossip sends IHAVE announcements for recent message ids to a random
// sample of subscribed peers outside the mesh, so they can pull anything the
// flood missed.
func (r *Router) emitGossip() {
	for topic := range r.subs {
		ids := r.history.GossipIDs(topic)
		if len(ids) == 0 {
			continue
		}
		if len(ids) > r.params.MaxIHaveLength {
			ids = ids[:r.params.MaxIHaveLength]
		}
		mesh := r.mesh[topic]
		targets := r.candidates(topic, r.params.Dgossip, func(p peer.ID) bool {
			_, inMesh := mesh[p]
			return !inMesh
		})
		rpc := &message.RPC{Type: message.TypeIHave, Topic: topic, MessageIDs: ids}
		for _, p := range targets {
			r.send(p, rpc)
		}
	}
}

// fanoutPeers returns (creating if needed) the fanout set for a topic we
// publish to without subscribing.
func (r *Router) fanoutPeers(topic string) map[peer.ID]struct{} {
	r.fanoutLast[topic] = r.now()
	if peers, ok := r.fanout[topic]; ok {
		return peers
	}
	peers := make(map[peer.ID]struct{})
	for _, p := range r.candidates(topic, r.params.D, func(peer.ID) bool { return true }) {
		peers[p] = struct{}{}
	}
	r.fanout[topic] = peers
	return peers
}

// eligible reports whether p is connected and known to subscribe to topic.
func (r *Router) eligible(topic string, p peer.ID) bool {
	if _, ok := r.peers[p]; !ok {
		return false
	}
	_, ok := r.topics[topic][p]
	return ok
}

// candidates returns up to n eligible peers for topic passing filter, chosen
// uniformly at random. Uniform selection with no preference ordering avoids
// centralizing traffic on any peer.
func (r *Router) candidates(topic string, n int, filter func(peer.ID) bool) []peer.ID {
	if n <= 0 {
		return nil
	}
	var out []peer.ID
	for p := range r.topics[topic] {
		if _, connected := r.peers[p]; !connected {
			continue
		}
		if filter(p) {
			out = append(out, p)
		}
	}
	// map iteration order is already random, but not uniformly so
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	r.shuffle(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns a snapshot of router state. Call from the event loop only.
func (r *Router) Stats() Stats {
	st := Stats{Peers: len(r.peers), SeenCache: r.seen.Len()}
	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		info := TopicInfo{Topic: topic, KnownPeers: len(r.topics[topic])}
		for p := range r.mesh[topic] {
			info.MeshPeers = append(info.MeshPeers, p.String())
		}
		sort.Strings(info.MeshPeers)
		st.Topics = append(st.Topics, info)
	}
	return st
}

// MeshPeers returns the current mesh members for a topic.
func (r *Router) MeshPeers(topic string) []peer.ID {
	return peerMapToList(r.mesh[topic])
}

func (r *Router) send(p peer.ID, rpc *message.RPC) {
	mtr.MessagesTotal.WithLabelValues(string(rpc.Type), "out").Inc()
	r.sender.SendRPC(p, rpc)
}

func peerMapToList(peers map[peer.ID]struct{}) []peer.ID {
	out := make([]peer.ID, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}
