// Package api exposes the node's observability surface: REST endpoints
// over the latest published coordinator snapshot and a WebSocket stream of
// consensus outcomes. The coordinator stays single-writer; the serve loop
// publishes into this package and the handlers only read.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sehyukpark/peppermint/pkg/consensus"
	"github.com/sehyukpark/peppermint/pkg/crypto"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	status   consensus.Status
	blocks   []crypto.Hash256
	outcomes []outcomeEntry
}

type outcomeEntry struct {
	Kind    string                   `json:"kind"`
	Outcome consensus.ProgressResult `json:"outcome"`
}

// maxKeptOutcomes bounds the REST outcome backlog; the WebSocket stream is
// unbounded by construction.
const maxKeptOutcomes = 256

// NewServer creates an API server with no published state yet.
func NewServer(log *zap.SugaredLogger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/blocks", s.handleGetBlocks).Methods("GET")
	api.HandleFunc("/outcomes", s.handleGetOutcomes).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the hub and the HTTP listener. Blocks until the listener
// fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// PublishStatus records the latest coordinator snapshot.
func (s *Server) PublishStatus(status consensus.Status, blocks []crypto.Hash256) {
	s.mu.Lock()
	s.status = status
	s.blocks = blocks
	s.mu.Unlock()
}

// PublishOutcome records a consensus outcome and streams it to WebSocket
// subscribers.
func (s *Server) PublishOutcome(r consensus.ProgressResult) {
	entry := outcomeEntry{Kind: outcomeKind(r), Outcome: r}
	s.mu.Lock()
	s.outcomes = append(s.outcomes, entry)
	if len(s.outcomes) > maxKeptOutcomes {
		s.outcomes = s.outcomes[len(s.outcomes)-maxKeptOutcomes:]
	}
	s.mu.Unlock()
	s.hub.Broadcast(entry)
}

func outcomeKind(r consensus.ProgressResult) string {
	switch r.(type) {
	case consensus.Proposed:
		return "proposed"
	case consensus.NonNilPreVoted:
		return "non_nil_prevoted"
	case consensus.NonNilPreCommitted:
		return "non_nil_precommitted"
	case consensus.NilPreVoted:
		return "nil_prevoted"
	case consensus.NilPreCommitted:
		return "nil_precommitted"
	case consensus.Finalized:
		return "finalized"
	case consensus.ViolationReported:
		return "violation_reported"
	default:
		return "unknown"
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	respondJSON(w, status)
}

func (s *Server) handleGetBlocks(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	blocks := make([]string, len(s.blocks))
	for i, h := range s.blocks {
		blocks[i] = h.String()
	}
	s.mu.RUnlock()
	respondJSON(w, map[string]any{"verified_block_hashes": blocks})
}

func (s *Server) handleGetOutcomes(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := append([]outcomeEntry(nil), s.outcomes...)
	s.mu.RUnlock()
	respondJSON(w, map[string]any{"outcomes": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
