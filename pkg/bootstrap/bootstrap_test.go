package bootstrap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbird/crank-platform/pkg/ca"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/security"
)

// eventRecorder captures every emitted event in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.EventContext
}

func newEventRecorder(e *events.Emitter) *eventRecorder {
	rec := &eventRecorder{}
	for _, kind := range events.AllKinds {
		e.RegisterHandler(kind, func(ectx events.EventContext) {
			rec.mu.Lock()
			rec.events = append(rec.events, ectx)
			rec.mu.Unlock()
		})
	}
	return rec
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// startMockCA serves handler over TLS with a certificate the authority
// itself signed, so the bootstrap's pinned client accepts it.
func startMockCA(t *testing.T, authority *ca.Authority, handler http.Handler) *httptest.Server {
	t.Helper()
	certPEM, keyPEM, err := authority.IssueServerPair("localhost", []string{"localhost"}, []net.IP{net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(handler)
	ts.TLS = &tls.Config{Certificates: []tls.Certificate{pair}}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts
}

func testAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	store, err := ca.OpenStore(filepath.Join(t.TempDir(), "ca.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	authority, err := ca.LoadOrCreateAuthority(store)
	require.NoError(t, err)
	return authority
}

// TestInitialize tests the happy path: event order, file modes, and
// that the persisted key matches the issued certificate.
func TestInitialize(t *testing.T) {
	authority := testAuthority(t)
	ts := startMockCA(t, authority, ca.NewServer(authority, "test-ca").Handler())

	emitter := events.NewEmitter()
	rec := newEventRecorder(emitter)
	certDir := t.TempDir()

	bundle, err := Initialize(context.Background(), Options{
		CAServiceURL: ts.URL,
		CertDir:      certDir,
		WorkerID:     "worker-boot-1",
		KeyBits:      2048,
		Emitter:      emitter,
	})
	require.NoError(t, err)

	assert.Equal(t, []events.Kind{events.KindCSRGenerated, events.KindCSRSubmitted, events.KindCertIssued}, rec.kinds())
	for _, e := range rec.events {
		assert.Equal(t, rec.events[0].CorrelationID, e.CorrelationID)
		assert.Equal(t, "worker-boot-1", e.WorkerID)
	}

	wantModes := map[string]os.FileMode{
		filepath.Join(certDir, "client.crt"): 0o644,
		filepath.Join(certDir, "client.key"): 0o600,
		filepath.Join(certDir, "ca.crt"):     0o644,
	}
	for path, want := range wantModes {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, want, info.Mode().Perm(), path)
	}

	// The persisted key must pair with the issued certificate.
	keyPEM, err := os.ReadFile(bundle.KeyFile)
	require.NoError(t, err)
	key, err := security.ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	leaf, err := bundle.LeafCertificate()
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(leaf.PublicKey))

	// And the whole bundle must reload and verify.
	_, err = security.LoadBundle(security.NewConfig(certDir, "worker-boot-1"))
	require.NoError(t, err)
}

// TestInitializeCARejection tests that a CA refusal is terminal
func TestInitializeCARejection(t *testing.T) {
	authority := testAuthority(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ca.HealthResponse{Status: "healthy", Provider: "test"})
	})
	mux.HandleFunc("/ca/certificate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ca.CACertificateResponse{CACertificate: string(authority.CACertificatePEM())})
	})
	mux.HandleFunc("/certificates/csr", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "policy says no"})
	})
	ts := startMockCA(t, authority, mux)

	emitter := events.NewEmitter()
	rec := newEventRecorder(emitter)

	_, err := Initialize(context.Background(), Options{
		CAServiceURL: ts.URL,
		CertDir:      t.TempDir(),
		WorkerID:     "worker-boot-2",
		KeyBits:      2048,
		Emitter:      emitter,
	})
	require.Error(t, err)

	var initErr *CertificateInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "csr_submission", initErr.Phase)

	kinds := rec.kinds()
	assert.Contains(t, kinds, events.KindCSRFailed)
	assert.NotContains(t, kinds, events.KindCertIssued)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, events.KindCSRFailed, last.Kind)
	assert.Equal(t, "csr_submission", last.Metadata["phase"])
}

// TestInitializeCAUnavailable tests the wait-for-CA timeout
func TestInitializeCAUnavailable(t *testing.T) {
	emitter := events.NewEmitter()
	rec := newEventRecorder(emitter)

	_, err := Initialize(context.Background(), Options{
		CAServiceURL: "https://127.0.0.1:1", // nothing listens here
		CertDir:      t.TempDir(),
		WorkerID:     "worker-boot-3",
		KeyBits:      2048,
		WaitTimeout:  time.Millisecond,
		HTTPTimeout:  time.Second,
		Emitter:      emitter,
	})
	require.Error(t, err)

	var initErr *CertificateInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "bootstrap_other", initErr.Phase)
	assert.Contains(t, rec.kinds(), events.KindCAUnavailable)
}

// TestInitializeRequiresWorkerID tests input validation
func TestInitializeRequiresWorkerID(t *testing.T) {
	_, err := Initialize(context.Background(), Options{CAServiceURL: "https://ca:8443"})
	require.Error(t, err)
}
