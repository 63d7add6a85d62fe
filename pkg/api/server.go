package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/security"
	"github.com/crankbird/crank-platform/pkg/types"
)

// Options configures the controller API server.
type Options struct {
	// ServiceName appears in health responses and logs.
	ServiceName string

	// AuthToken, when non-empty, is accepted as a bearer credential in
	// addition to a verified client certificate and is checked on every
	// write endpoint.
	AuthToken string
}

// Server is the controller's HTTPS surface: registration, heartbeat,
// deregistration, routing and introspection over the capability
// registry. Every endpoint except GET /health requires an mTLS-verified
// peer (or the migration bearer token).
type Server struct {
	registry *registry.Registry
	opts     Options
	mux      *http.ServeMux
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer builds the controller API around a recovered registry. The
// routing table is fixed at construction; handlers are plain values on
// the mux.
func NewServer(reg *registry.Registry, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "crank-controller"
	}
	s := &Server{
		registry: reg,
		opts:     opts,
		mux:      http.NewServeMux(),
		logger:   log.WithComponent("api"),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/register", s.requireAuth(s.handleRegister))
	s.mux.HandleFunc("/heartbeat", s.requireAuth(s.handleHeartbeat))
	s.mux.HandleFunc("/deregister/", s.requireAuth(s.handleDeregister))
	s.mux.HandleFunc("/route", s.requireAuth(s.handleRoute))
	s.mux.HandleFunc("/capabilities", s.requireAuth(s.handleCapabilities))
	s.mux.HandleFunc("/workers", s.requireAuth(s.handleWorkers))
	s.mux.Handle("/metrics", s.requireAuthHandler(metrics.Handler()))

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return correlate(s.observe(s.mux))
}

// Start serves HTTPS on port using the controller's certificate bundle
// until ctx is cancelled. HTTP is refused by construction: the listener
// only exists with a TLS config.
func (s *Server) Start(ctx context.Context, port int, bundle *security.Bundle) error {
	tlsConfig, err := bundle.ServerTLSConfig()
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// Cert and key come from TLSConfig.
		errCh <- s.server.ListenAndServeTLS("", "")
	}()
	s.logger.Info().Int("port", port).Msg("Controller API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleHealth reports controller liveness. Degraded means the journal
// rejected its last write; orchestrators should restart or page.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, code := "healthy", http.StatusOK
	if !s.registry.JournalHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":  status,
		"service": s.opts.ServiceName,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req types.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	result, err := s.registry.Register(req)
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	metrics.RegistryMutationsTotal.WithLabelValues(string(registry.EntryRegistered)).Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req types.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	if err := s.registry.Heartbeat(req.WorkerID); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			metrics.HeartbeatsTotal.WithLabelValues("unknown_worker").Inc()
			writeJSON(w, http.StatusNotFound, types.HeartbeatResult{
				Status:       types.StatusUnknown,
				Acknowledged: false,
			})
			return
		}
		s.writeRegistryError(w, r, err)
		return
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	metrics.RegistryMutationsTotal.WithLabelValues(string(registry.EntryHeartbeat)).Inc()
	writeJSON(w, http.StatusOK, types.HeartbeatResult{Status: types.StatusOK, Acknowledged: true})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	workerID := strings.TrimPrefix(r.URL.Path, "/deregister/")
	if workerID == "" || strings.Contains(workerID, "/") {
		writeError(w, http.StatusBadRequest, "worker_id path segment is required")
		return
	}

	if err := s.registry.Deregister(workerID); err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	metrics.RegistryMutationsTotal.WithLabelValues(string(registry.EntryDeregistered)).Inc()
	writeJSON(w, http.StatusOK, types.DeregisterResult{
		Status:   types.StatusDeregistered,
		WorkerID: workerID,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req types.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Capability == "" {
		writeError(w, http.StatusBadRequest, "capability is required")
		return
	}
	// slo_constraints, requester_identity and budget_tokens are
	// accepted and deliberately ignored; selection must not depend on
	// them.
	result, err := s.registry.Route(req.Verb, req.Capability)
	if err != nil {
		if errors.Is(err, registry.ErrNoWorkerAvailable) {
			metrics.RouteLookupsTotal.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, "No worker available")
			return
		}
		s.writeRegistryError(w, r, err)
		return
	}
	metrics.RouteLookupsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Capabilities())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Workers())
}

// writeRegistryError maps registry error types onto status codes. Stack
// detail stays in the logs; callers get a short machine-readable string.
func (s *Server) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	var perr *registry.PersistenceError
	if errors.As(err, &perr) {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Registry persistence failure")
		writeError(w, http.StatusInternalServerError, "registry persistence failure")
		return
	}
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Unexpected registry error")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, types.ErrorResponse{Detail: detail})
}
