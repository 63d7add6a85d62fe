package ca

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/security"
	"github.com/crankbird/crank-platform/pkg/types"
)

// Per-client-IP rate limit on the CSR endpoint. Signing is CPU-heavy
// and unauthenticated by design (it is the trust bootstrap), so it is
// the one endpoint worth throttling.
const (
	csrRatePerSecond = 1
	csrBurst         = 5
)

// Server exposes the CA contract over HTTPS: GET /health,
// GET /ca/certificate, and POST /certificates/csr. CSR payloads are
// never logged.
type Server struct {
	authority *Authority
	provider  string
	mux       *http.ServeMux
	server    *http.Server
	logger    zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds the CA HTTP surface around an authority. provider
// names the backing implementation in health responses.
func NewServer(authority *Authority, provider string) *Server {
	s := &Server{
		authority: authority,
		provider:  provider,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("ca-server"),
		limiters:  make(map[string]*rate.Limiter),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ca/certificate", s.handleCACertificate)
	s.mux.HandleFunc("/certificates/csr", s.handleCSR)
	return s
}

// Handler returns the CA's HTTP handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start issues the CA's own server certificate, persists it as the
// platform pair in certDir, and serves HTTPS on port until ctx is
// cancelled. The CA refuses to serve plain HTTP.
func (s *Server) Start(ctx context.Context, port int, certDir string) error {
	cfg := security.NewConfig(certDir, "crank-ca")
	certPEM, keyPEM, err := s.authority.IssueServerPair(
		"crank-ca",
		[]string{"crank-ca", "ca-service", "localhost"},
		[]net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	)
	if err != nil {
		return fmt.Errorf("issuing CA server certificate: %w", err)
	}
	if err := security.SavePlatformPair(cfg, certPEM, keyPEM); err != nil {
		return err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("loading CA server key pair: %w", err)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		TLSConfig:    &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// Cert and key come from TLSConfig.
		errCh <- s.server.ListenAndServeTLS("", "")
	}()
	s.logger.Info().Int("port", port).Msg("CA service listening")

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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Provider: s.provider})
}

func (s *Server) handleCACertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, CACertificateResponse{
		CACertificate: string(s.authority.CACertificatePEM()),
	})
}

func (s *Server) handleCSR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.allowClient(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "csr rate limit exceeded")
		return
	}

	var req CSRRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.CSR == "" || req.ServiceName == "" {
		writeError(w, http.StatusBadRequest, "csr and service_name are required")
		return
	}

	certPEM, err := s.authority.SignCSR([]byte(req.CSR), req.ServiceName)
	if err != nil {
		var csrErr *CSRError
		if errors.As(err, &csrErr) {
			writeError(w, http.StatusBadRequest, csrErr.Reason)
			return
		}
		s.logger.Error().Err(err).Str("service_name", req.ServiceName).Msg("Certificate issuance failed")
		writeError(w, http.StatusInternalServerError, "certificate issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, CSRResponse{Certificate: string(certPEM)})
}

// allowClient checks the per-IP token bucket for the CSR endpoint.
func (s *Server) allowClient(ip string) bool {
	s.mu.Lock()
	limiter, ok := s.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(csrRatePerSecond, csrBurst)
		s.limiters[ip] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// logRequests records one line per request. Bodies are never logged:
// CSR payloads carry identity claims and must stay out of the logs.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration_ms", time.Since(start)).
			Msg("Request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, types.ErrorResponse{Detail: detail})
}
