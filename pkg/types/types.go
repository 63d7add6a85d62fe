package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultVerb is applied when a capability or route request omits the verb.
const DefaultVerb = "invoke"

// CapabilityVersion is a semantic version attached to a capability definition.
type CapabilityVersion struct {
	Major int
	Minor int
	Patch int
}

// ParseCapabilityVersion parses a dotted "major.minor.patch" string.
func ParseCapabilityVersion(s string) (CapabilityVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return CapabilityVersion{}, fmt.Errorf("invalid capability version %q: want major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return CapabilityVersion{}, fmt.Errorf("invalid capability version %q: component %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}
	return CapabilityVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v CapabilityVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare orders versions by major, then minor, then patch.
// Returns -1 if v < o, 0 if equal, 1 if v > o.
func (v CapabilityVersion) Compare(o CapabilityVersion) int {
	pairs := [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// IsZero reports whether the version was never set. The zero version is
// not a valid capability version; definitions must carry at least 0.0.1.
func (v CapabilityVersion) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

func (v CapabilityVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *CapabilityVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("capability version must be a string: %w", err)
	}
	parsed, err := ParseCapabilityVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// CapabilityContract carries the opaque input/output schemas of a
// capability. The router stores and returns them without inspection.
type CapabilityContract struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// CapabilityDefinition is the immutable descriptor a worker submits for
// each capability it offers. Fields beyond the known set are preserved
// verbatim in Hints and never interpreted.
type CapabilityDefinition struct {
	ID       string
	Verb     string
	Version  CapabilityVersion
	Contract *CapabilityContract
	Tags     []string
	Hints    map[string]json.RawMessage
}

// Key returns the routing key for the definition, applying DefaultVerb
// when the worker did not supply one.
func (d CapabilityDefinition) Key() CapabilityKey {
	return NewCapabilityKey(d.Verb, d.ID)
}

func (d *CapabilityDefinition) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("capability definition must be an object: %w", err)
	}
	*d = CapabilityDefinition{}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &d.ID); err != nil {
			return fmt.Errorf("capability id: %w", err)
		}
		delete(fields, "id")
	}
	if raw, ok := fields["verb"]; ok {
		if err := json.Unmarshal(raw, &d.Verb); err != nil {
			return fmt.Errorf("capability verb: %w", err)
		}
		delete(fields, "verb")
	}
	if raw, ok := fields["version"]; ok {
		if err := json.Unmarshal(raw, &d.Version); err != nil {
			return err
		}
		delete(fields, "version")
	}
	if raw, ok := fields["contract"]; ok {
		if err := json.Unmarshal(raw, &d.Contract); err != nil {
			return fmt.Errorf("capability contract: %w", err)
		}
		delete(fields, "contract")
	}
	if raw, ok := fields["tags"]; ok {
		if err := json.Unmarshal(raw, &d.Tags); err != nil {
			return fmt.Errorf("capability tags: %w", err)
		}
		delete(fields, "tags")
	}
	if len(fields) > 0 {
		d.Hints = fields
	}
	return nil
}

func (d CapabilityDefinition) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.Hints)+5)
	for k, v := range d.Hints {
		fields[k] = v
	}
	var err error
	if fields["id"], err = json.Marshal(d.ID); err != nil {
		return nil, err
	}
	if d.Verb != "" {
		if fields["verb"], err = json.Marshal(d.Verb); err != nil {
			return nil, err
		}
	}
	if !d.Version.IsZero() {
		if fields["version"], err = json.Marshal(d.Version); err != nil {
			return nil, err
		}
	}
	if d.Contract != nil {
		if fields["contract"], err = json.Marshal(d.Contract); err != nil {
			return nil, err
		}
	}
	if d.Tags != nil {
		if fields["tags"], err = json.Marshal(d.Tags); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

// CapabilityKey is the routing key "{verb}:{capability_id}". Workers that
// expose the same key are interchangeable providers.
type CapabilityKey string

// NewCapabilityKey builds a key from a verb and capability id, applying
// DefaultVerb when verb is empty.
func NewCapabilityKey(verb, id string) CapabilityKey {
	if verb == "" {
		verb = DefaultVerb
	}
	return CapabilityKey(verb + ":" + id)
}

// Verb returns the verb component of the key.
func (k CapabilityKey) Verb() string {
	if i := strings.Index(string(k), ":"); i >= 0 {
		return string(k)[:i]
	}
	return string(k)
}

// Capability returns the capability id component of the key.
func (k CapabilityKey) Capability() string {
	if i := strings.Index(string(k), ":"); i >= 0 {
		return string(k)[i+1:]
	}
	return ""
}

// WorkerRegistration is the complete record the controller keeps for one
// worker: the registration payload plus liveness bookkeeping. Metadata
// holds extended registration fields verbatim.
type WorkerRegistration struct {
	WorkerID      string                     `json:"worker_id"`
	WorkerURL     string                     `json:"worker_url"`
	Capabilities  []CapabilityDefinition     `json:"capabilities"`
	Metadata      map[string]json.RawMessage `json:"metadata,omitempty"`
	RegisteredAt  time.Time                  `json:"registered_at"`
	LastHeartbeat time.Time                  `json:"last_heartbeat"`
}

// Keys returns the routing keys derived from the registered capabilities,
// in submission order.
func (r *WorkerRegistration) Keys() []CapabilityKey {
	keys := make([]CapabilityKey, 0, len(r.Capabilities))
	for _, def := range r.Capabilities {
		keys = append(keys, def.Key())
	}
	return keys
}
