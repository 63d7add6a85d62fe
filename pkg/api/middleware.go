package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/crankbird/crank-platform/pkg/metrics"
)

// CorrelationHeader is echoed on every response when the caller sets it.
const CorrelationHeader = "X-Correlation-ID"

// correlate echoes the caller's correlation id so responses can be tied
// back to the originating request chain.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cid := r.Header.Get(CorrelationHeader); cid != "" {
			w.Header().Set(CorrelationHeader, cid)
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs one line per request and feeds the API metrics. Request
// bodies are never logged: registration metadata is caller-controlled
// and route requests may carry requester identities.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := timer.Duration()

		endpoint := endpointLabel(r.URL.Path)
		metrics.APIRequestsTotal.WithLabelValues(endpoint, http.StatusText(sw.status)).Inc()
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(endpoint))

		rec := s.logger.Info()
		if sw.status >= http.StatusInternalServerError {
			rec = s.logger.Error()
		}
		rec.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration_ms", duration)
		if cid := r.Header.Get(CorrelationHeader); cid != "" {
			rec = rec.Str("correlation_id", cid)
		}
		rec.Msg("Request handled")
	})
}

// requireAuth wraps a handler func with peer authentication.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	wrapped := s.requireAuthHandler(next)
	return wrapped.ServeHTTP
}

// requireAuthHandler enforces the fleet's peer policy: a client
// certificate verified against the fleet CA, or, when the migration
// bearer token is configured, that exact token. A presented bearer that
// does not match is refused even for mTLS-verified peers.
func (s *Server) requireAuthHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, hasBearer := bearerToken(r)
		if hasBearer {
			if s.opts.AuthToken == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(s.opts.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS != nil && len(r.TLS.VerifiedChains) > 0 {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "client certificate or bearer token required")
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", false
	}
	return token, true
}

// endpointLabel collapses paths with ids into stable metric labels.
func endpointLabel(path string) string {
	if strings.HasPrefix(path, "/deregister/") {
		return "/deregister"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
