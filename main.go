package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gossipmesh/api/rest"
	"gossipmesh/config"
	"gossipmesh/core/message"
	"gossipmesh/core/store"
	"gossipmesh/network/eventloop"
	"gossipmesh/network/gossip"
	"gossipmesh/network/libp2p"
	"gossipmesh/network/peerreg"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	dataDir    string
	keyPath    string
	p2pPort    int
	apiPort    int
	apiEnabled bool
	topics     []string
	signPolicy string
	heartbeat  time.Duration
	meshD      int
	meshDlo    int
	meshDhi    int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gossipmesh",
	Short: "gossipmesh is a LAN gossip messaging node",
	Long: `gossipmesh is a peer-to-peer gossip messaging node for local networks.

It discovers peers via mDNS without any configuration, connects to them over
encrypted multiplexed libp2p transports, and disseminates topic-scoped chat
messages through a bounded-degree gossip mesh with deduplication and
signature verification.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// runCmd starts the node and the interactive shell
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a gossipmesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode()
	},
}

// idCmd prints the node identity
var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the node's peer id",
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := libp2p.LoadOrCreateIdentity(keyPath)
		if err != nil {
			return err
		}
		pid, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return fmt.Errorf("failed to derive peer id: %w", err)
		}
		fmt.Println(pid)
		return nil
	},
}

func init() {
	defaults := config.Default()

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaults.DataDir, "Data directory")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key", defaults.KeyPath, "Identity key file")

	runCmd.Flags().IntVar(&p2pPort, "port", defaults.ListenPort, "P2P listen port (0 for random)")
	runCmd.Flags().IntVar(&apiPort, "api-port", defaults.API.Port, "REST API port")
	runCmd.Flags().BoolVar(&apiEnabled, "api", defaults.API.Enabled, "Enable the REST API")
	runCmd.Flags().StringSliceVar(&topics, "topic", defaults.Topics, "Topics to subscribe to")
	runCmd.Flags().StringVar(&signPolicy, "sign-policy", defaults.SignPolicy, "Message signing policy (strict or content)")
	runCmd.Flags().DurationVar(&heartbeat, "heartbeat", defaults.Gossip.HeartbeatInterval, "Mesh maintenance interval")
	runCmd.Flags().IntVar(&meshD, "mesh-degree", defaults.Gossip.D, "Target mesh degree")
	runCmd.Flags().IntVar(&meshDlo, "mesh-degree-low", defaults.Gossip.Dlo, "Mesh degree low watermark")
	runCmd.Flags().IntVar(&meshDhi, "mesh-degree-high", defaults.Gossip.Dhi, "Mesh degree high watermark")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(idCmd)
}

func buildConfig() (*config.Config, error) {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.KeyPath = keyPath
	cfg.ListenPort = p2pPort
	cfg.API.Port = apiPort
	cfg.API.Enabled = apiEnabled
	cfg.Topics = topics
	cfg.SignPolicy = signPolicy
	cfg.Gossip.HeartbeatInterval = heartbeat
	cfg.Gossip.D = meshD
	cfg.Gossip.Dlo = meshDlo
	cfg.Gossip.Dhi = meshDhi
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode() error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	priv, err := libp2p.LoadOrCreateIdentity(cfg.KeyPath)
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return err
	}
	defer st.Close()

	events := eventloop.NewEventChan()

	node, err := libp2p.NewNode(ctx, cfg, priv, events)
	if err != nil {
		return err
	}
	defer node.Close()

	discovery := libp2p.NewDiscovery(ctx, node.Host(), events, cfg.Discovery.ExpiryWindow)
	registry := peerreg.New(cfg.Gossip.DisconnectedGrace)

	deliveries := make(chan gossip.Delivery, 64)
	deliver := func(d gossip.Delivery) {
		select {
		case deliveries <- d:
		default:
			log.Printf("Delivery queue full, dropping message %s", d.ID)
		}
	}

	signer := message.NewSigner(priv, node.ID(), cfg.SignPolicy, st.NextSeqno)
	router := gossip.NewRouter(node.ID(), signer, cfg.SignPolicy, cfg.Gossip, node, deliver)
	loop := eventloop.New(cfg, registry, router, node, discovery, st, events)

	if cfg.API.Enabled {
		api := rest.NewServer(loop, registry, node)
		if err := api.Start(cfg.API.Port); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			api.Shutdown(shutdownCtx)
		}()
	}

	go loop.Run(ctx)
	go readInput(ctx, stop, cfg, loop, node, registry)

	fmt.Printf("Type messages to publish to %q. Commands: /join <topic>, /leave <topic>, /peers, /quit\n", cfg.Topics[0])

	for {
		select {
		case <-ctx.Done():
			<-loop.Done()
			log.Printf("Shutting down")
			return nil
		case d := <-deliveries:
			fmt.Printf("[%s] %s: %s\n", d.Topic, shortPeer(d.Publisher), string(d.Payload))
		}
	}
}

// readInput turns stdin lines into publish requests and shell commands.
func readInput(ctx context.Context, stop func(), cfg *config.Config, loop *eventloop.Loop, node *libp2p.Node, registry *peerreg.Registry) {
	current := cfg.Topics[0]
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			stop()
			return
		case line == "/peers":
			peers := node.ConnectedPeers()
			fmt.Printf("%d connected, %d known\n", len(peers), registry.Len())
			for _, p := range peers {
				fmt.Printf("  %s\n", p)
			}
		case strings.HasPrefix(line, "/join "):
			topic := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			if topic == "" {
				continue
			}
			loop.Post(eventloop.SubscribeRequest{Topic: topic})
			current = topic
			fmt.Printf("Now publishing to %q\n", current)
		case strings.HasPrefix(line, "/leave "):
			topic := strings.TrimSpace(strings.TrimPrefix(line, "/leave "))
			loop.Post(eventloop.UnsubscribeRequest{Topic: topic})
		default:
			reply := make(chan eventloop.PublishResult, 1)
			if !loop.Post(eventloop.PublishRequest{Topic: current, Payload: []byte(line), Reply: reply}) {
				fmt.Println("Node is busy, message dropped")
				continue
			}
			select {
			case res := <-reply:
				if res.Err != nil {
					fmt.Printf("Publish error: %v\n", res.Err)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func shortPeer(p peer.ID) string {
	s := p.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
