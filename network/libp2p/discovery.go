package libp2p

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gossipmesh/network/eventloop"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// ServiceTag identifies gossipmesh nodes in mDNS announcements.
const ServiceTag = "gossipmesh"

// Discovery is the local-network discovery feed. It wraps mDNS and
// synthesizes expiry events for peers that stop re-announcing, since
// go-libp2p's mDNS service only reports discoveries.
type Discovery struct {
	host   host.Host
	events chan<- eventloop.Event
	window time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSeen map[peer.ID]time.Time
	service  mdns.Service
}

// NewDiscovery creates the feed. A peer not re-announced within window is
// reported as expired.
func NewDiscovery(ctx context.Context, h host.Host, events chan<- eventloop.Event, window time.Duration) *Discovery {
	ctx, cancel := context.WithCancel(ctx)
	return &Discovery{
		host:     h,
		events:   events,
		window:   window,
		ctx:      ctx,
		cancel:   cancel,
		lastSeen: make(map[peer.ID]time.Time),
	}
}

// Start begins advertising and listening on the local network.
func (d *Discovery) Start() error {
	service := mdns.NewMdnsService(d.host, ServiceTag, d)
	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}
	d.service = service
	go d.sweepLoop()
	return nil
}

// Stop ceases advertising and listening. No events are emitted afterwards.
func (d *Discovery) Stop() {
	d.cancel()
	if d.service != nil {
		if err := d.service.Close(); err != nil {
			log.Printf("Error closing mDNS: %v", err)
		}
	}
}

// HandlePeerFound implements the mDNS notifee.
func (d *Discovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.host.ID() || d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	d.lastSeen[pi.ID] = time.Now()
	d.mu.Unlock()

	select {
	case d.events <- eventloop.PeerDiscovered{ID: pi.ID, Addrs: pi.Addrs}:
	default:
		log.Printf("Event queue full, dropping discovery of %s", pi.ID)
	}
}

// sweepLoop emits expiry events for peers whose announcements lapsed.
func (d *Discovery) sweepLoop() {
	ticker := time.NewTicker(d.window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var expired []peer.ID
			d.mu.Lock()
			for pid, seen := range d.lastSeen {
				if now.Sub(seen) > d.window {
					delete(d.lastSeen, pid)
					expired = append(expired, pid)
				}
			}
			d.mu.Unlock()
			for _, pid := range expired {
				select {
				case d.events <- eventloop.PeerExpired{ID: pid}:
				case <-d.ctx.Done():
					return
				}
			}
		}
	}
}
