package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Default HTTP client timeouts across the fleet.
const (
	DefaultHTTPTimeout   = 30 * time.Second
	HeartbeatHTTPTimeout = 5 * time.Second
)

// ServerTLSConfig builds the TLS configuration for a fleet HTTPS
// server: it presents the bundle's certificate and asks clients for a
// certificate verified against the fleet CA. Verification is
// VerifyClientCertIfGiven rather than RequireAndVerify so that GET
// /health stays reachable for orchestrator liveness probes; every other
// endpoint enforces a verified peer at the middleware layer.
func (b *Bundle) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}
	pool, err := b.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the TLS configuration for intra-fleet calls:
// the peer is verified against the fleet CA and the bundle's client
// certificate is presented.
func (b *Bundle) ClientTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client key pair: %w", err)
	}
	pool, err := b.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// HTTPClient returns an HTTPS client pinned to the fleet CA and
// presenting this bundle's client certificate. Zero timeout means
// DefaultHTTPTimeout.
func (b *Bundle) HTTPClient(timeout time.Duration) (*http.Client, error) {
	tlsConfig, err := b.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// HTTPClientForCA returns an HTTPS client that verifies the peer
// against the supplied CA certificate without presenting a client
// certificate. The bootstrap uses it between fetching the CA cert and
// receiving its own certificate.
func HTTPClientForCA(caPEM []byte, timeout time.Duration) (*http.Client, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificates in CA PEM")
	}
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}

// BootstrapHTTPClient returns an HTTPS client with peer verification
// disabled. It exists solely for first contact with the CA service,
// before the CA certificate is known; nothing else may use it.
func BootstrapHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402 -- first CA contact only
				MinVersion:         tls.VersionTLS12,
			},
		},
	}
}

func (b *Bundle) caPool() (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(b.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificates in %s", b.CAFile)
	}
	return pool, nil
}
