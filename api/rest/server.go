// Package rest exposes node status and a publish endpoint over HTTP,
// alongside the prometheus metrics listener.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"gossipmesh/network/eventloop"
	"gossipmesh/network/libp2p"
	"gossipmesh/network/peerreg"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const publishTimeout = 5 * time.Second

// Server is the REST API server.
type Server struct {
	loop     *eventloop.Loop
	registry *peerreg.Registry
	node     *libp2p.Node
	router   *mux.Router
	server   *http.Server
	session  string
	started  time.Time
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	PeerID         string      `json:"peer_id"`
	SessionID      string      `json:"session_id"`
	UptimeSeconds  int64       `json:"uptime_seconds"`
	Addresses      []string    `json:"addresses"`
	ConnectedPeers int         `json:"connected_peers"`
	KnownPeers     int         `json:"known_peers"`
	Gossip         interface{} `json:"gossip"`
}

// PublishRequest is the body of the publish endpoint.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// PublishResponse is returned on a successful publish.
type PublishResponse struct {
	MessageID string `json:"message_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewServer creates a REST API server.
func NewServer(loop *eventloop.Loop, registry *peerreg.Registry, node *libp2p.Node) *Server {
	s := &Server{
		loop:     loop,
		registry: registry,
		node:     node,
		router:   mux.NewRouter(),
		session:  uuid.NewString(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)

	api := s.router.PathPrefix("/api/v0").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/peers", s.handlePeers).Methods("GET")
	api.HandleFunc("/mesh", s.handleMesh).Methods("GET")
	api.HandleFunc("/publish", s.handlePublish).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start begins serving on the given port.
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	log.Printf("REST API listening on port %d", port)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("REST API server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.loop.RouterStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("failed to read router state: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		PeerID:         s.node.ID().String(),
		SessionID:      s.session,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		Addresses:      s.node.Addrs(),
		ConnectedPeers: len(s.node.ConnectedPeers()),
		KnownPeers:     s.registry.Len(),
		Gossip:         stats,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Snapshots())
}

func (s *Server) handleMesh(w http.ResponseWriter, r *http.Request) {
	stats, err := s.loop.RouterStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("failed to read router state: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Topic == "" || req.Payload == "" {
		s.writeError(w, http.StatusBadRequest, "topic and payload are required")
		return
	}

	reply := make(chan eventloop.PublishResult, 1)
	if !s.loop.Post(eventloop.PublishRequest{Topic: req.Topic, Payload: []byte(req.Payload), Reply: reply}) {
		s.writeError(w, http.StatusServiceUnavailable, "node is overloaded")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	select {
	case res := <-reply:
		if res.Err != nil {
			s.writeError(w, http.StatusInternalServerError, res.Err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, PublishResponse{MessageID: res.ID})
	case <-ctx.Done():
		s.writeError(w, http.StatusGatewayTimeout, "publish timed out")
	}
}

// requestIDMiddleware tags every request with an id for log correlation.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		log.Printf("api: %s %s (%s)", r.Method, r.URL.Path, reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg, Code: code})
}
