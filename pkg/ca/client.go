package ca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// RejectionError reports a CSR the CA refused. It is terminal: the
// request itself is wrong, so retrying cannot help.
type RejectionError struct {
	StatusCode int
	Detail     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("CA rejected request (HTTP %d): %s", e.StatusCode, e.Detail)
}

// Client consumes the CA service contract. The HTTP client is supplied
// by the caller because its trust posture changes across the bootstrap:
// first contact uses the verification-disabled bootstrap client, every
// later call a client pinned to the fetched CA certificate.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a CA client for baseURL using httpClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Health probes GET /health and errors unless the CA reports healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("CA health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("CA health check: HTTP %d", resp.StatusCode)
	}
	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("CA health check: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("CA reports status %q", body.Status)
	}
	return nil
}

// FetchCACertificate retrieves the root certificate PEM.
func (c *Client) FetchCACertificate(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ca/certificate", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching CA certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching CA certificate: HTTP %d", resp.StatusCode)
	}
	var body CACertificateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding CA certificate response: %w", err)
	}
	if body.CACertificate == "" {
		return nil, fmt.Errorf("CA returned an empty certificate")
	}
	return []byte(body.CACertificate), nil
}

// SubmitCSR posts a PEM CSR for signing and returns the signed
// certificate PEM, possibly including a chain. A non-2xx response is a
// RejectionError; transport failures are returned as-is so callers can
// retry them.
func (c *Client) SubmitCSR(ctx context.Context, csrPEM []byte, serviceName string) ([]byte, error) {
	payload, err := json.Marshal(CSRRequest{CSR: string(csrPEM), ServiceName: serviceName})
	if err != nil {
		return nil, fmt.Errorf("encoding CSR request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/certificates/csr", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting CSR: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RejectionError{StatusCode: resp.StatusCode, Detail: readDetail(resp)}
	}
	var body CSRResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding CSR response: %w", err)
	}
	if body.Certificate == "" {
		return nil, fmt.Errorf("CA returned an empty signed certificate")
	}
	return []byte(body.Certificate), nil
}

func readDetail(resp *http.Response) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Detail == "" {
		return resp.Status
	}
	return body.Detail
}
