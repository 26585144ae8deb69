// Package api exposes the permission-gated HTTP surface: request
// binding from the Ninja-* headers, the sequence allocation endpoints,
// and the health/metrics plumbing around them.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/gate"
)

// Server wires the HTTP mux: ungated health and metrics endpoints plus
// the permission-gated sequence API.
type Server struct {
	store    blobstore.Store
	gate     *PermissionGate
	sequence *SequenceService

	mux        *http.ServeMux
	httpServer *http.Server
}

func NewServer(store blobstore.Store, gate *PermissionGate, sequence *SequenceService) *Server {
	s := &Server{
		store:    store,
		gate:     gate,
		sequence: sequence,
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/api/sequence/next",
		s.gate.Middleware(methodHandler(http.MethodPost, s.sequence.HandleNext)))
	s.mux.Handle("/api/sequence/reconcile",
		s.gate.Middleware(methodHandler(http.MethodPost, s.sequence.HandleReconcile)))
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return ErrorHandler(s.mux)
}

// Start serves on addr and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, _, err := s.store.Read(ctx, gate.PathAppsMaster); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "storage_unavailable",
			"Blob storage unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func methodHandler(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}
