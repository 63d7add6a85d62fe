package ca

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbird/crank-platform/pkg/security"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	authority, _ := testAuthority(t)
	s := NewServer(authority, "crank-internal-ca")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postCSR(t *testing.T, ts *httptest.Server, body CSRRequest) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/certificates/csr", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

// TestHealthEndpoint tests GET /health
func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "crank-internal-ca", body.Provider)
}

// TestCACertificateEndpoint tests GET /ca/certificate
func TestCACertificateEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/ca/certificate")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body CACertificateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	block, _ := pem.Decode([]byte(body.CACertificate))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
}

// TestCSREndpoint tests the full sign-over-HTTP flow
func TestCSREndpoint(t *testing.T) {
	s, ts := testServer(t)

	key, err := security.GenerateKey(2048)
	require.NoError(t, err)
	csrPEM, err := security.BuildCSR(key, "worker-http-1", nil)
	require.NoError(t, err)

	resp := postCSR(t, ts, CSRRequest{CSR: string(csrPEM), ServiceName: "worker-http-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body CSRResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	block, _ := pem.Decode([]byte(body.Certificate))
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "worker-http-1", leaf.Subject.CommonName)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(s.authority.CACertificatePEM()))
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)
}

// TestCSREndpointValidation tests the 400 paths
func TestCSREndpointValidation(t *testing.T) {
	_, ts := testServer(t)

	resp := postCSR(t, ts, CSRRequest{CSR: "", ServiceName: "x"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postCSR(t, ts, CSRRequest{CSR: "not a csr", ServiceName: "x"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Detail)
}

// TestCSRRateLimit tests the per-IP throttle on the CSR endpoint
func TestCSRRateLimit(t *testing.T) {
	_, ts := testServer(t)

	var sawTooMany bool
	for i := 0; i < csrBurst+2; i++ {
		resp := postCSR(t, ts, CSRRequest{CSR: "junk", ServiceName: "x"})
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			sawTooMany = true
		}
	}
	assert.True(t, sawTooMany, "expected a 429 once the burst was exhausted")
}

// TestClientAgainstServer tests the CA client end to end
func TestClientAgainstServer(t *testing.T) {
	_, ts := testServer(t)
	client := NewClient(ts.URL, ts.Client())

	ctx := context.Background()
	require.NoError(t, client.Health(ctx))

	caPEM, err := client.FetchCACertificate(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(caPEM), "BEGIN CERTIFICATE")

	key, err := security.GenerateKey(2048)
	require.NoError(t, err)
	csrPEM, err := security.BuildCSR(key, "worker-client-1", nil)
	require.NoError(t, err)

	certPEM, err := client.SubmitCSR(ctx, csrPEM, "worker-client-1")
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")

	_, err = client.SubmitCSR(ctx, []byte("junk"), "ghost")
	require.Error(t, err)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusBadRequest, rej.StatusCode)
}
