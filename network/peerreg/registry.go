// Package peerreg tracks known peer identities, their addresses, and
// connection state. It is the single source of truth for "who do we know".
package peerreg

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ConnState is the connection lifecycle state of a peer record.
type ConnState int

const (
	StateDiscovered ConnState = iota
	StateDialing
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Record holds per-peer metadata. Addresses only grow until the record is
// evicted.
type Record struct {
	ID             peer.ID
	State          ConnState
	FirstSeen      time.Time
	LastSeen       time.Time
	DisconnectedAt time.Time
	Expired        bool
	InvalidSigs    uint64
	addrs          map[string]multiaddr.Multiaddr
}

// Snapshot is the externally visible form of a record.
type Snapshot struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Addrs       []string  `json:"addrs"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	InvalidSigs uint64    `json:"invalid_sigs,omitempty"`
}

// Registry maintains peer records. All mutations come from the event loop;
// the mutex exists so the REST layer can take read snapshots.
type Registry struct {
	mu    sync.RWMutex
	peers map[peer.ID]*Record
	grace time.Duration
	now   func() time.Time
}

// New creates a registry. Disconnected records are retained for grace before
// becoming eligible for eviction.
func New(grace time.Duration) *Registry {
	return &Registry{
		peers: make(map[peer.ID]*Record),
		grace: grace,
		now:   time.Now,
	}
}

// RecordDiscovered upserts a peer from a discovery event. It returns true if
// the peer was not known before. The address set only grows; re-discovery
// clears a pending expiry.
func (r *Registry) RecordDiscovered(pid peer.ID, addrs []multiaddr.Multiaddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	rec, ok := r.peers[pid]
	if !ok {
		rec = &Record{
			ID:        pid,
			State:     StateDiscovered,
			FirstSeen: now,
			addrs:     make(map[string]multiaddr.Multiaddr),
		}
		r.peers[pid] = rec
	}
	for _, a := range addrs {
		rec.addrs[a.String()] = a
	}
	rec.Expired = false
	rec.LastSeen = now
	return !ok
}

// MarkDialing transitions a peer to Dialing. It returns false if the peer is
// unknown or already dialing/connected.
func (r *Registry) MarkDialing(pid peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[pid]
	if !ok {
		log.Printf("registry: dial request for unknown peer %s ignored", pid)
		return false
	}
	if rec.State == StateDialing || rec.State == StateConnected {
		return false
	}
	rec.State = StateDialing
	rec.LastSeen = r.now()
	return true
}

// MarkDialFailed returns a peer that failed to dial to Discovered. The peer
// is retried only on its next discovery announcement.
func (r *Registry) MarkDialFailed(pid peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[pid]
	if !ok {
		log.Printf("registry: dial failure for unknown peer %s ignored", pid)
		return
	}
	if rec.State == StateDialing {
		rec.State = StateDiscovered
	}
}

// MarkConnected transitions a peer to Connected, creating the record if the
// connection is inbound from a peer we never discovered.
func (r *Registry) MarkConnected(pid peer.ID, addrs []multiaddr.Multiaddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	rec, ok := r.peers[pid]
	if !ok {
		rec = &Record{
			ID:        pid,
			FirstSeen: now,
			addrs:     make(map[string]multiaddr.Multiaddr),
		}
		r.peers[pid] = rec
	}
	for _, a := range addrs {
		rec.addrs[a.String()] = a
	}
	rec.State = StateConnected
	rec.LastSeen = now
}

// MarkDisconnected transitions a peer to Disconnected. Unknown peers are
// treated as a late or duplicate event, not an error.
func (r *Registry) MarkDisconnected(pid peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[pid]
	if !ok {
		log.Printf("registry: disconnect for unknown peer %s ignored", pid)
		return
	}
	now := r.now()
	rec.State = StateDisconnected
	rec.DisconnectedAt = now
	rec.LastSeen = now
}

// MarkExpired flags a peer whose discovery announcement lapsed as an
// eviction candidate. Live connections are not affected.
func (r *Registry) MarkExpired(pid peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[pid]
	if !ok {
		log.Printf("registry: expiry for unknown peer %s ignored", pid)
		return
	}
	rec.Expired = true
}

// RecordInvalidSig bumps the invalid-signature counter for a relaying peer.
func (r *Registry) RecordInvalidSig(pid peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[pid]; ok {
		rec.InvalidSigs++
	}
}

// State returns the connection state of a peer.
func (r *Registry) State(pid peer.ID) (ConnState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[pid]
	if !ok {
		return StateDiscovered, false
	}
	return rec.State, true
}

// Addrs returns the known addresses of a peer.
func (r *Registry) Addrs(pid peer.ID) []multiaddr.Multiaddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[pid]
	if !ok {
		return nil
	}
	out := make([]multiaddr.Multiaddr, 0, len(rec.addrs))
	for _, a := range rec.addrs {
		out = append(out, a)
	}
	return out
}

// ConnectedPeers returns all peers currently in the Connected state.
func (r *Registry) ConnectedPeers() []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []peer.ID
	for pid, rec := range r.peers {
		if rec.State == StateConnected {
			out = append(out, pid)
		}
	}
	return out
}

// EvictExpired removes records that are explicitly expired with no live
// connection, or that have been disconnected longer than the grace window.
// Records with an open or opening connection are never evicted. It returns
// the evicted peer ids.
func (r *Registry) EvictExpired() []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var evicted []peer.ID
	for pid, rec := range r.peers {
		if rec.State == StateConnected || rec.State == StateDialing {
			continue
		}
		if rec.Expired {
			evicted = append(evicted, pid)
			continue
		}
		if rec.State == StateDisconnected && now.Sub(rec.DisconnectedAt) > r.grace {
			evicted = append(evicted, pid)
		}
	}
	for _, pid := range evicted {
		delete(r.peers, pid)
	}
	return evicted
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshots returns a copy of all records, most recently seen first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.peers))
	for _, rec := range r.peers {
		addrs := make([]string, 0, len(rec.addrs))
		for s := range rec.addrs {
			addrs = append(addrs, s)
		}
		sort.Strings(addrs)
		out = append(out, Snapshot{
			ID:          rec.ID.String(),
			State:       rec.State.String(),
			Addrs:       addrs,
			FirstSeen:   rec.FirstSeen,
			LastSeen:    rec.LastSeen,
			InvalidSigs: rec.InvalidSigs,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}
