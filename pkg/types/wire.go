package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Registration status strings returned by the controller API.
const (
	StatusRegistered   = "registered"
	StatusDeregistered = "deregistered"
	StatusOK           = "ok"
	StatusUnknown      = "unknown_worker"
)

// RegisterRequest is the body of POST /register. Top-level fields beyond
// the known set are preserved verbatim in Metadata.
type RegisterRequest struct {
	WorkerID     string
	WorkerURL    string
	Capabilities []CapabilityDefinition
	Metadata     map[string]json.RawMessage
}

func (r *RegisterRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("registration must be an object: %w", err)
	}
	*r = RegisterRequest{}
	if raw, ok := fields["worker_id"]; ok {
		if err := json.Unmarshal(raw, &r.WorkerID); err != nil {
			return fmt.Errorf("worker_id: %w", err)
		}
		delete(fields, "worker_id")
	}
	if raw, ok := fields["worker_url"]; ok {
		if err := json.Unmarshal(raw, &r.WorkerURL); err != nil {
			return fmt.Errorf("worker_url: %w", err)
		}
		delete(fields, "worker_url")
	}
	if raw, ok := fields["capabilities"]; ok {
		if err := json.Unmarshal(raw, &r.Capabilities); err != nil {
			return err
		}
		delete(fields, "capabilities")
	}
	if len(fields) > 0 {
		r.Metadata = fields
	}
	return nil
}

func (r RegisterRequest) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Metadata)+3)
	for k, v := range r.Metadata {
		fields[k] = v
	}
	var err error
	if fields["worker_id"], err = json.Marshal(r.WorkerID); err != nil {
		return nil, err
	}
	if fields["worker_url"], err = json.Marshal(r.WorkerURL); err != nil {
		return nil, err
	}
	caps := r.Capabilities
	if caps == nil {
		caps = []CapabilityDefinition{}
	}
	if fields["capabilities"], err = json.Marshal(caps); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// RegisterResult is the body of a successful POST /register response.
type RegisterResult struct {
	Status                 string `json:"status"`
	WorkerID               string `json:"worker_id"`
	CapabilitiesRegistered int    `json:"capabilities_registered"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatResult is the body of a POST /heartbeat response. Status is
// "ok" with Acknowledged true, or "unknown_worker" with Acknowledged
// false when the controller has no record of the worker.
type HeartbeatResult struct {
	Status       string `json:"status"`
	Acknowledged bool   `json:"acknowledged"`
}

// DeregisterResult is the body of a DELETE /deregister/{worker_id} response.
type DeregisterResult struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id"`
}

// RouteRequest is the body of POST /route. SLOConstraints,
// RequesterIdentity and BudgetTokens are reserved: the router accepts
// them and ignores them.
type RouteRequest struct {
	Verb              string          `json:"verb,omitempty"`
	Capability        string          `json:"capability"`
	SLOConstraints    json.RawMessage `json:"slo_constraints,omitempty"`
	RequesterIdentity string          `json:"requester_identity,omitempty"`
	BudgetTokens      json.RawMessage `json:"budget_tokens,omitempty"`
}

// RouteResult names the worker selected for a capability key.
type RouteResult struct {
	WorkerID   string `json:"worker_id"`
	WorkerURL  string `json:"worker_url"`
	Capability string `json:"capability"`
}

// CapabilitySummary aggregates provider counts for one capability key.
type CapabilitySummary struct {
	Workers        int `json:"workers"`
	HealthyWorkers int `json:"healthy_workers"`
}

// WorkerView is the operator-facing projection of one registered worker
// returned by GET /workers. LastHeartbeat is serialized as RFC 3339.
type WorkerView struct {
	WorkerID      string          `json:"worker_id"`
	WorkerURL     string          `json:"worker_url"`
	Capabilities  []CapabilityKey `json:"capabilities"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Healthy       bool            `json:"is_healthy"`
}

// ErrorResponse is the uniform error body returned by fleet APIs.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
