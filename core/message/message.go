package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gossipmesh/config"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

// Type identifies a gossip RPC variant.
type Type string

const (
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePublish     Type = "publish"
	TypeIHave       Type = "ihave"
	TypeIWant       Type = "iwant"
)

const (
	// MaxFrameSize bounds a single length-prefixed frame on the wire.
	MaxFrameSize = 1 << 20

	signPrefix = "gossipmesh:"
)

var (
	ErrInvalidSignature = errors.New("invalid message signature")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
)

// Message is a full application message as carried by PUBLISH RPCs.
// Immutable once constructed.
type Message struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Publisher string `json:"publisher"`
	Seqno     uint64 `json:"seqno,omitempty"`
	Key       []byte `json:"key,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// RPC is a single frame of the gossip wire protocol.
type RPC struct {
	Type       Type     `json:"type"`
	Topic      string   `json:"topic,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Message    *Message `json:"message,omitempty"`
}

// ID derives the deduplication key for a message under the given policy.
// Under the strict policy ids are (publisher, seqno); under the content
// policy they are a CID over the payload hash, so identical payloads share
// an id and a collision is just a duplicate.
func (m *Message) ID(policy string) string {
	if policy == config.SignPolicyContent {
		mh, err := multihash.Sum(m.Payload, multihash.SHA2_256, -1)
		if err != nil {
			// sha2-256 cannot fail; fall through to the strict form
			return fmt.Sprintf("%s:%d", m.Publisher, m.Seqno)
		}
		return cid.NewCidV1(cid.Raw, mh).String()
	}
	return fmt.Sprintf("%s:%d", m.Publisher, m.Seqno)
}

// signable returns the byte string covered by the signature. The key and
// signature fields are excluded; the key is bound to the publisher id
// during verification instead.
func (m *Message) signable() []byte {
	buf := make([]byte, 0, len(signPrefix)+len(m.Topic)+1+8+len(m.Payload))
	buf = append(buf, signPrefix...)
	buf = append(buf, m.Topic...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, m.Seqno)
	buf = append(buf, m.Payload...)
	return buf
}

// Sign attaches the publisher's public key and a signature to the message.
func (m *Message) Sign(priv crypto.PrivKey) error {
	keyBytes, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	sig, err := priv.Sign(m.signable())
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	m.Key = keyBytes
	m.Signature = sig
	return nil
}

// Verify checks that the message carries a valid signature from a key that
// belongs to the claimed publisher. Any failure is ErrInvalidSignature.
func (m *Message) Verify() error {
	if len(m.Signature) == 0 || len(m.Key) == 0 {
		return ErrInvalidSignature
	}
	pub, err := crypto.UnmarshalPublicKey(m.Key)
	if err != nil {
		return ErrInvalidSignature
	}
	pid, err := peer.Decode(m.Publisher)
	if err != nil {
		return ErrInvalidSignature
	}
	if !pid.MatchesPublicKey(pub) {
		return ErrInvalidSignature
	}
	ok, err := pub.Verify(m.signable(), m.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Signer constructs outbound messages for the local node.
type Signer struct {
	privKey   crypto.PrivKey
	publisher string
	policy    string
	nextSeqno func() (uint64, error)
}

// NewSigner creates a Signer. nextSeqno must return a value strictly greater
// than any returned before, including across restarts.
func NewSigner(priv crypto.PrivKey, local peer.ID, policy string, nextSeqno func() (uint64, error)) *Signer {
	return &Signer{
		privKey:   priv,
		publisher: local.String(),
		policy:    policy,
		nextSeqno: nextSeqno,
	}
}

// NewMessage builds, and under the strict policy signs, a fresh message.
// It returns the message and its deduplication id.
func (s *Signer) NewMessage(topic string, payload []byte) (*Message, string, error) {
	seqno, err := s.nextSeqno()
	if err != nil {
		return nil, "", fmt.Errorf("failed to allocate seqno: %w", err)
	}
	m := &Message{
		Topic:     topic,
		Payload:   payload,
		Publisher: s.publisher,
		Seqno:     seqno,
	}
	if s.policy == config.SignPolicyStrict {
		if err := m.Sign(s.privKey); err != nil {
			return nil, "", err
		}
	}
	return m, m.ID(s.policy), nil
}

// WriteRPC writes one length-prefixed JSON frame.
func WriteRPC(w io.Writer, rpc *RPC) error {
	data, err := json.Marshal(rpc)
	if err != nil {
		return fmt.Errorf("failed to encode rpc: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadRPC reads one length-prefixed JSON frame.
func ReadRPC(r io.Reader) (*RPC, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var rpc RPC
	if err := json.Unmarshal(buf, &rpc); err != nil {
		return nil, fmt.Errorf("failed to decode rpc: %w", err)
	}
	return &rpc, nil
}
