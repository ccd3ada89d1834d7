package eventloop

import (
	"gossipmesh/core/message"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Event is one input to the orchestrator. Every concrete event maps to
// exactly one state transition in the dispatcher.
type Event interface {
	isEvent()
}

// PeerDiscovered reports a peer announced on the local network.
type PeerDiscovered struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// PeerExpired reports a peer whose discovery announcement lapsed.
type PeerExpired struct {
	ID peer.ID
}

// DialDone reports the outcome of an asynchronous dial.
type DialDone struct {
	ID  peer.ID
	Err error
}

// PeerConnected reports an established connection, inbound or outbound.
type PeerConnected struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// PeerDisconnected reports a closed or failed connection.
type PeerDisconnected struct {
	ID peer.ID
}

// InboundRPC carries one gossip protocol message read from a peer stream.
type InboundRPC struct {
	From peer.ID
	RPC  *message.RPC
}

// PublishResult is the reply to a PublishRequest.
type PublishResult struct {
	ID  string
	Err error
}

// PublishRequest asks the router to publish a local message. Reply may be
// nil for fire-and-forget callers.
type PublishRequest struct {
	Topic   string
	Payload []byte
	Reply   chan<- PublishResult
}

// SubscribeRequest registers local interest in a topic.
type SubscribeRequest struct {
	Topic string
}

// UnsubscribeRequest drops local interest in a topic.
type UnsubscribeRequest struct {
	Topic string
}

func (PeerDiscovered) isEvent()     {}
func (PeerExpired) isEvent()        {}
func (DialDone) isEvent()           {}
func (PeerConnected) isEvent()      {}
func (PeerDisconnected) isEvent()   {}
func (InboundRPC) isEvent()         {}
func (PublishRequest) isEvent()     {}
func (SubscribeRequest) isEvent()   {}
func (UnsubscribeRequest) isEvent() {}
