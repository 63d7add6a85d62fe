package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/types"
)

// CorrelationHeader carries the request correlation id; the controller
// echoes it on responses.
const CorrelationHeader = "X-Correlation-ID"

// Outcome is the typed result of a controller call, derived from the
// HTTP status so callers never branch on raw codes.
type Outcome string

const (
	OutcomeRegistered       Outcome = "registered"
	OutcomeOK               Outcome = "ok"
	OutcomeUnknownWorker    Outcome = "unknown_worker"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeUnauthorized     Outcome = "unauthorized"
	OutcomePersistenceError Outcome = "persistence_error"
	OutcomeUnreachable      Outcome = "unreachable"
)

// Client wraps the controller's registration surface: POST /register,
// POST /heartbeat and DELETE /deregister/{id}. It is transport-thin;
// the supplied http.Client carries the mTLS configuration.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    zerolog.Logger
}

// New builds a controller client. authToken, when non-empty, is sent
// as a bearer token alongside the client certificate.
func New(baseURL string, httpClient *http.Client, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      httpClient,
		logger:    log.WithComponent("controller-client"),
	}
}

// Register submits a worker registration.
func (c *Client) Register(ctx context.Context, reg types.RegisterRequest) (types.RegisterResult, Outcome, error) {
	var result types.RegisterResult
	status, err := c.postJSON(ctx, "/register", reg, &result)
	if err != nil {
		return result, OutcomeUnreachable, err
	}
	switch status {
	case http.StatusOK:
		return result, OutcomeRegistered, nil
	case http.StatusBadRequest:
		return result, OutcomeInvalid, fmt.Errorf("controller rejected registration for %s", reg.WorkerID)
	case http.StatusUnauthorized, http.StatusForbidden:
		return result, OutcomeUnauthorized, fmt.Errorf("controller refused credentials for %s", reg.WorkerID)
	case http.StatusInternalServerError:
		return result, OutcomePersistenceError, fmt.Errorf("controller failed to persist registration for %s", reg.WorkerID)
	default:
		return result, OutcomeUnreachable, fmt.Errorf("unexpected registration status %d", status)
	}
}

// Heartbeat reports liveness for workerID. An unknown-worker outcome is
// not an error: the caller decides whether to re-register.
func (c *Client) Heartbeat(ctx context.Context, workerID string) (Outcome, error) {
	var result types.HeartbeatResult
	status, err := c.postJSON(ctx, "/heartbeat", types.HeartbeatRequest{WorkerID: workerID}, &result)
	if err != nil {
		return OutcomeUnreachable, err
	}
	switch status {
	case http.StatusOK:
		return OutcomeOK, nil
	case http.StatusNotFound:
		return OutcomeUnknownWorker, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return OutcomeUnauthorized, fmt.Errorf("controller refused credentials for %s", workerID)
	default:
		return OutcomeUnreachable, fmt.Errorf("unexpected heartbeat status %d", status)
	}
}

// Deregister removes workerID from the controller. Idempotent on the
// controller side, so a 200 is the only success signal needed.
func (c *Client) Deregister(ctx context.Context, workerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/deregister/"+workerID, nil)
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deregistering %s: %w", workerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deregistering %s: HTTP %d", workerID, resp.StatusCode)
	}
	return nil
}

// postJSON sends body to path and decodes the response into out when
// the controller returned JSON. The HTTP status is returned for outcome
// mapping; transport failures are errors.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		// Error bodies use a different shape; only decode success and
		// the unknown-worker body, which shares the result type.
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set(CorrelationHeader, uuid.New().String())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
