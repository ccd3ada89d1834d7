package config

import (
	"fmt"
	"time"
)

// Signing policies for outbound messages.
const (
	// SignPolicyStrict signs every published message with the node key and
	// derives message ids from (publisher, seqno).
	SignPolicyStrict = "strict"
	// SignPolicyContent leaves messages unsigned and derives message ids
	// from a content hash of the payload.
	SignPolicyContent = "content"
)

// Config holds all node configuration.
type Config struct {
	// Node configuration
	DataDir    string   `json:"data_dir"`
	KeyPath    string   `json:"key_path"`
	ListenPort int      `json:"listen_port"`
	Topics     []string `json:"topics"`
	SignPolicy string   `json:"sign_policy"`

	// Gossip configuration
	Gossip GossipConfig `json:"gossip"`

	// Discovery configuration
	Discovery DiscoveryConfig `json:"discovery"`

	// API configuration
	API APIConfig `json:"api"`
}

// GossipConfig holds the gossip router tunables.
type GossipConfig struct {
	// Mesh degree targets: Dlo <= D <= Dhi.
	D   int `json:"d"`
	Dlo int `json:"d_lo"`
	Dhi int `json:"d_hi"`
	// Number of non-mesh peers that receive IHAVE gossip each heartbeat.
	Dgossip int `json:"d_gossip"`
	// Maximum message ids carried in a single IHAVE or IWANT.
	MaxIHaveLength int `json:"max_ihave_length"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// Seen-cache retention. Ids older than SeenTTL may be re-delivered.
	SeenTTL      time.Duration `json:"seen_ttl"`
	SeenCapacity int           `json:"seen_capacity"`

	// Message-cache windows: full payloads are kept for HistoryLength
	// heartbeats and gossiped about for the most recent HistoryGossip.
	HistoryGossip int `json:"history_gossip"`
	HistoryLength int `json:"history_length"`

	// Outbound queue length per peer. A full queue drops the message for
	// that peer only.
	SendQueueLength int `json:"send_queue_length"`

	// How long a disconnected peer record is retained before eviction.
	DisconnectedGrace time.Duration `json:"disconnected_grace"`

	// Fanout entries for topics we publish to without subscribing expire
	// after this long without a publish.
	FanoutTTL time.Duration `json:"fanout_ttl"`
}

// DiscoveryConfig holds mDNS discovery settings.
type DiscoveryConfig struct {
	// A peer that has not re-announced within ExpiryWindow is reported
	// as expired.
	ExpiryWindow time.Duration `json:"expiry_window"`
}

// APIConfig holds the REST API settings.
type APIConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		KeyPath:    "./data/identity.key",
		ListenPort: 0,
		Topics:     []string{"chat"},
		SignPolicy: SignPolicyStrict,
		Gossip: GossipConfig{
			D:                 6,
			Dlo:               4,
			Dhi:               12,
			Dgossip:           3,
			MaxIHaveLength:    64,
			HeartbeatInterval: 1 * time.Second,
			SeenTTL:           2 * time.Minute,
			SeenCapacity:      4096,
			HistoryGossip:     3,
			HistoryLength:     5,
			SendQueueLength:   32,
			DisconnectedGrace: 5 * time.Minute,
			FanoutTTL:         1 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			ExpiryWindow: 1 * time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8480,
		},
	}
}

// Validate checks invariants between the configured values.
func (c *Config) Validate() error {
	g := c.Gossip
	if g.Dlo > g.D || g.D > g.Dhi {
		return fmt.Errorf("invalid mesh degrees: need Dlo <= D <= Dhi, got %d <= %d <= %d", g.Dlo, g.D, g.Dhi)
	}
	if g.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if g.HistoryGossip > g.HistoryLength {
		return fmt.Errorf("history gossip window %d exceeds history length %d", g.HistoryGossip, g.HistoryLength)
	}
	if g.SeenCapacity <= 0 {
		return fmt.Errorf("seen capacity must be positive")
	}
	if c.SignPolicy != SignPolicyStrict && c.SignPolicy != SignPolicyContent {
		return fmt.Errorf("unknown sign policy %q", c.SignPolicy)
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	return nil
}
