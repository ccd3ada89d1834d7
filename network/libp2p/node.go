// Package libp2p wraps the libp2p host as the node's transport layer:
// authenticated encrypted connections, one multiplexed gossip stream per
// peer, and connection lifecycle events for the orchestrator.
package libp2p

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gossipmesh/config"
	"gossipmesh/core/message"
	"gossipmesh/network/eventloop"
	"gossipmesh/network/mtr"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

const (
	ProtocolGossip = protocol.ID("/gossipmesh/1.0.0")

	dialTimeout       = 15 * time.Second
	streamOpenTimeout = 10 * time.Second
)

// Node is the transport abstraction over a libp2p host.
type Node struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	events chan<- eventloop.Event

	queueLen  int
	sendersMu sync.Mutex
	senders   map[peer.ID]*peerSender
}

// NewNode creates and starts a libp2p host listening on TCP and QUIC.
func NewNode(ctx context.Context, cfg *config.Config, priv crypto.PrivKey, events chan<- eventloop.Event) (*Node, error) {
	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort),
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:     h,
		ctx:      nodeCtx,
		cancel:   cancel,
		events:   events,
		queueLen: cfg.Gossip.SendQueueLength,
		senders:  make(map[peer.ID]*peerSender),
	}

	h.SetStreamHandler(ProtocolGossip, n.handleGossipStream)
	h.Network().Notify(&networkNotifiee{node: n})

	log.Printf("Node started with ID: %s", h.ID())
	for _, addr := range h.Addrs() {
		log.Printf("Listening on %s/p2p/%s", addr, h.ID())
	}
	return n, nil
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the local peer id.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the full listen addresses of this node.
func (n *Node) Addrs() []string {
	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// ConnectedPeers returns currently connected peers.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Dial connects to a peer in the background; the outcome is posted as a
// DialDone event.
func (n *Node) Dial(p peer.ID, addrs []multiaddr.Multiaddr) {
	go func() {
		if sw, ok := n.host.Network().(*swarm.Swarm); ok {
			sw.Backoff().Clear(p)
		}
		ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		defer cancel()
		err := n.host.Connect(ctx, peer.AddrInfo{ID: p, Addrs: addrs})
		n.post(eventloop.DialDone{ID: p, Err: err})
	}()
}

// SendRPC queues an RPC for a peer. It never blocks: a full queue drops the
// RPC for that peer only.
func (n *Node) SendRPC(p peer.ID, rpc *message.RPC) {
	s := n.senderFor(p)
	select {
	case s.ch <- rpc:
	default:
		mtr.SendDropsTotal.Inc()
		log.Printf("Dropping %s rpc to %s: queue full", rpc.Type, p)
	}
}

// Close shuts down all peer senders and the host.
func (n *Node) Close() error {
	n.cancel()
	n.sendersMu.Lock()
	for p, s := range n.senders {
		s.cancel()
		delete(n.senders, p)
	}
	n.sendersMu.Unlock()
	return n.host.Close()
}

// peerSender owns the outbound gossip stream to one peer. Writes happen on
// a dedicated goroutine so slow peers never stall the rest of the mesh.
type peerSender struct {
	ch     chan *message.RPC
	cancel context.CancelFunc
}

func (n *Node) senderFor(p peer.ID) *peerSender {
	n.sendersMu.Lock()
	defer n.sendersMu.Unlock()
	if s, ok := n.senders[p]; ok {
		return s
	}
	ctx, cancel := context.WithCancel(n.ctx)
	s := &peerSender{
		ch:     make(chan *message.RPC, n.queueLen),
		cancel: cancel,
	}
	n.senders[p] = s
	go n.writeLoop(ctx, p, s.ch)
	return s
}

func (n *Node) dropSender(p peer.ID) {
	n.sendersMu.Lock()
	if s, ok := n.senders[p]; ok {
		s.cancel()
		delete(n.senders, p)
	}
	n.sendersMu.Unlock()
}

// writeLoop opens the outbound gossip stream and drains the queue into it.
// Any write failure tears down the connection; the resulting disconnect
// event purges the peer from all meshes.
func (n *Node) writeLoop(ctx context.Context, p peer.ID, ch <-chan *message.RPC) {
	openCtx, cancel := context.WithTimeout(ctx, streamOpenTimeout)
	stream, err := n.host.NewStream(openCtx, p, ProtocolGossip)
	cancel()
	if err != nil {
		log.Printf("Failed to open gossip stream to %s: %v", p, err)
		n.dropSender(p)
		n.host.Network().ClosePeer(p)
		return
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case rpc := <-ch:
			if err := message.WriteRPC(stream, rpc); err != nil {
				log.Printf("Failed to write %s rpc to %s: %v", rpc.Type, p, err)
				stream.Reset()
				n.dropSender(p)
				n.host.Network().ClosePeer(p)
				return
			}
		}
	}
}

// handleGossipStream reads length-prefixed RPC frames from an inbound
// stream and posts them to the event loop.
func (n *Node) handleGossipStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()
	defer stream.Close()

	for {
		rpc, err := message.ReadRPC(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && n.ctx.Err() == nil {
				log.Printf("Gossip stream from %s closed: %v", remote, err)
			}
			return
		}
		n.post(eventloop.InboundRPC{From: remote, RPC: rpc})
	}
}

func (n *Node) post(ev eventloop.Event) {
	select {
	case n.events <- ev:
	default:
		log.Printf("Event queue full, dropping %T", ev)
	}
}

// networkNotifiee translates libp2p connection callbacks into loop events.
type networkNotifiee struct {
	node *Node
}

func (nn *networkNotifiee) Connected(net network.Network, conn network.Conn) {
	nn.node.post(eventloop.PeerConnected{
		ID:    conn.RemotePeer(),
		Addrs: []multiaddr.Multiaddr{conn.RemoteMultiaddr()},
	})
}

func (nn *networkNotifiee) Disconnected(net network.Network, conn network.Conn) {
	p := conn.RemotePeer()
	// another connection to the peer may still be open
	if net.Connectedness(p) == network.Connected {
		return
	}
	nn.node.dropSender(p)
	nn.node.post(eventloop.PeerDisconnected{ID: p})
}

func (nn *networkNotifiee) Listen(net network.Network, addr multiaddr.Multiaddr)      {}
func (nn *networkNotifiee) ListenClose(net network.Network, addr multiaddr.Multiaddr) {}

// LoadOrCreateIdentity loads the node key from keyPath, generating and
// persisting a fresh Ed25519 key on first run.
func LoadOrCreateIdentity(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	if keyData, err := os.ReadFile(keyPath); err == nil {
		keyBytes, err := base64.StdEncoding.DecodeString(string(keyData))
		if err == nil {
			privKey, err := crypto.UnmarshalPrivateKey(keyBytes)
			if err == nil {
				log.Printf("Loaded identity from %s", keyPath)
				return privKey, nil
			}
		}
		log.Printf("Warning: failed to parse key at %s, creating new", keyPath)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	keyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyData := base64.StdEncoding.EncodeToString(keyBytes)
	if err := os.WriteFile(keyPath, []byte(keyData), 0600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	log.Printf("Generated new identity at %s", keyPath)
	return privKey, nil
}
