// Package gateway serves the operational HTTP surface of a lockbox process:
// prometheus metrics, a store health check and raft status.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/raft"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// read by /healthz, never written
var healthKey = types.Key{Application: "lockbox", SessionID: "healthz"}

const healthTimeout = 2 * time.Second

type Server struct {
	httpServer *http.Server
	store      store.Store
	node       *raft.Node
	logger     *slog.Logger
}

// NewServer builds the ops server. node may be nil for non raft backends.
func NewServer(addr string, s store.Store, node *raft.Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}

	srv := &Server{
		store:  s,
		node:   node,
		logger: logger,
	}
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthz)
	r.Get("/raft", s.raftStatus)

	return r
}

// blocks until Stop is called or the listener fails
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("ops server listening", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start ops server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	//a round trip that finds nothing is a healthy store
	_, err := s.store.Get(ctx, healthKey)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type raftStatus struct {
	Leader       bool              `json:"leader"`
	LeaderAddr   string            `json:"leader_addr"`
	LocalAddr    string            `json:"local_addr"`
	Peers        int               `json:"peers"`
	AppliedIndex uint64            `json:"applied_index"`
	Records      int               `json:"records"`
	Locked       int               `json:"locked"`
	Raft         map[string]string `json:"raft"`
}

func (s *Server) raftStatus(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backend is not replicated"})
		return
	}

	stats := s.node.Stats()
	writeJSON(w, http.StatusOK, raftStatus{
		Leader:       s.node.IsLeader(),
		LeaderAddr:   s.node.Leader(),
		LocalAddr:    s.node.LocalAddr(),
		Peers:        s.node.Peers(),
		AppliedIndex: s.node.AppliedIndex(),
		Records:      stats.Records,
		Locked:       stats.Locked,
		Raft:         s.node.RaftStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
