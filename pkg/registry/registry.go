package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/types"
)

// workerRecord is the registry's in-memory state for one worker. seq is
// the journal sequence of its REGISTERED entry and doubles as the
// earliest-registered routing tie-break.
type workerRecord struct {
	registration types.WorkerRegistration
	keys         []types.CapabilityKey
	seq          uint64
}

// Registry is the node-local capability registry and router. All state
// lives in memory and is rebuilt from the journal on startup; every
// acknowledged mutation hits the journal before memory.
type Registry struct {
	heartbeatTimeout time.Duration
	nowFunc          func() time.Time

	mu      sync.RWMutex
	journal *Journal
	workers map[string]*workerRecord
	index   map[types.CapabilityKey]map[string]*workerRecord
	logger  zerolog.Logger
}

// Open recovers the registry from the journal at path, creating an
// empty journal when none exists. heartbeatTimeout bounds how stale a
// worker's last heartbeat may be before it stops receiving routes.
func Open(path string, heartbeatTimeout time.Duration) (*Registry, error) {
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		nowFunc:          time.Now,
		workers:          make(map[string]*workerRecord),
		index:            make(map[types.CapabilityKey]map[string]*workerRecord),
		logger:           log.WithComponent("registry"),
	}

	journal, err := OpenJournal(path, r.applyEntry)
	if err != nil {
		return nil, err
	}
	r.journal = journal

	r.logger.Info().
		Str("path", path).
		Uint64("seq", journal.Seq()).
		Int("workers", len(r.workers)).
		Int("capability_keys", len(r.index)).
		Msg("Registry recovered")
	return r, nil
}

// Close closes the underlying journal.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.journal.Close()
}

// Register validates and stores a worker registration. Re-registration
// under the same worker_id replaces the previous record wholesale,
// including its position in the routing tie-break order.
func (r *Registry) Register(req types.RegisterRequest) (types.RegisterResult, error) {
	if err := validateRegistration(req); err != nil {
		return types.RegisterResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.journal.Append(EntryRegistered, r.nowFunc().UTC(), req)
	if err != nil {
		return types.RegisterResult{}, &PersistenceError{Op: "append", Err: err}
	}
	r.applyRegister(entry, req)

	r.logger.Info().
		Str("worker_id", req.WorkerID).
		Str("worker_url", req.WorkerURL).
		Int("capabilities", len(req.Capabilities)).
		Msg("Worker registered")

	return types.RegisterResult{
		Status:                 types.StatusRegistered,
		WorkerID:               req.WorkerID,
		CapabilitiesRegistered: len(req.Capabilities),
	}, nil
}

// Heartbeat refreshes a worker's liveness. Unknown workers return
// ErrUnknownWorker without touching the journal, so a rebooted
// controller tells stale workers to re-register.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return ErrUnknownWorker
	}

	ts := r.nowFunc().UTC()
	if _, err := r.journal.Append(EntryHeartbeat, ts, heartbeatPayload{WorkerID: workerID}); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	r.applyHeartbeat(ts, workerID)
	return nil
}

// Deregister removes a worker and all its capability index references.
// Deregistering an unknown worker succeeds without journaling anything:
// retried deletes and restart races are routine.
func (r *Registry) Deregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return nil
	}
	if _, err := r.journal.Append(EntryDeregistered, r.nowFunc().UTC(), deregisterPayload{WorkerID: workerID}); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	r.applyDeregister(workerID)

	r.logger.Info().Str("worker_id", workerID).Msg("Worker deregistered")
	return nil
}

// Route selects a healthy provider for the capability key built from
// verb and capability. Among healthy providers the earliest-registered
// one wins, so repeated lookups are deterministic.
func (r *Registry) Route(verb, capability string) (types.RouteResult, error) {
	key := types.NewCapabilityKey(verb, capability)

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowFunc()
	var chosen *workerRecord
	for _, rec := range r.index[key] {
		if !r.healthyAt(rec, now) {
			continue
		}
		if chosen == nil || rec.seq < chosen.seq {
			chosen = rec
		}
	}
	if chosen == nil {
		return types.RouteResult{}, fmt.Errorf("%w for capability %q", ErrNoWorkerAvailable, key)
	}
	return types.RouteResult{
		WorkerID:   chosen.registration.WorkerID,
		WorkerURL:  chosen.registration.WorkerURL,
		Capability: string(key),
	}, nil
}

// Capabilities summarizes provider counts per capability key. Keys with
// no providers left have been pruned and do not appear.
func (r *Registry) Capabilities() map[types.CapabilityKey]types.CapabilitySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowFunc()
	out := make(map[types.CapabilityKey]types.CapabilitySummary, len(r.index))
	for key, providers := range r.index {
		summary := types.CapabilitySummary{Workers: len(providers)}
		for _, rec := range providers {
			if r.healthyAt(rec, now) {
				summary.HealthyWorkers++
			}
		}
		out[key] = summary
	}
	return out
}

// Workers returns operator-facing views of every registered worker in
// registration order.
func (r *Registry) Workers() []types.WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*workerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	now := r.nowFunc()
	views := make([]types.WorkerView, 0, len(records))
	for _, rec := range records {
		views = append(views, types.WorkerView{
			WorkerID:      rec.registration.WorkerID,
			WorkerURL:     rec.registration.WorkerURL,
			Capabilities:  append([]types.CapabilityKey(nil), rec.keys...),
			LastHeartbeat: rec.registration.LastHeartbeat,
			Healthy:       r.healthyAt(rec, now),
		})
	}
	return views
}

// WorkerCounts reports total and healthy worker counts for metrics.
func (r *Registry) WorkerCounts() (total, healthy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowFunc()
	total = len(r.workers)
	for _, rec := range r.workers {
		if r.healthyAt(rec, now) {
			healthy++
		}
	}
	return total, healthy
}

// CapabilityKeyCount reports the number of indexed capability keys.
func (r *Registry) CapabilityKeyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// JournalHealthy reports whether the last journal write succeeded.
func (r *Registry) JournalHealthy() bool {
	return r.journal.Healthy()
}

// healthyAt derives liveness from the last heartbeat; health is never
// stored, so recovered state ages out naturally.
func (r *Registry) healthyAt(rec *workerRecord, now time.Time) bool {
	return now.Sub(rec.registration.LastHeartbeat) <= r.heartbeatTimeout
}

// applyEntry routes one journal entry to its in-memory mutation. Replay
// and the live write path share it so recovered state cannot drift.
func (r *Registry) applyEntry(entry Entry) error {
	switch entry.Kind {
	case EntryRegistered:
		var req types.RegisterRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil {
			return fmt.Errorf("decoding REGISTERED payload: %w", err)
		}
		r.applyRegister(entry, req)
	case EntryHeartbeat:
		var hb heartbeatPayload
		if err := json.Unmarshal(entry.Payload, &hb); err != nil {
			return fmt.Errorf("decoding HEARTBEAT payload: %w", err)
		}
		r.applyHeartbeat(entry.TS, hb.WorkerID)
	case EntryDeregistered:
		var d deregisterPayload
		if err := json.Unmarshal(entry.Payload, &d); err != nil {
			return fmt.Errorf("decoding DEREGISTERED payload: %w", err)
		}
		r.applyDeregister(d.WorkerID)
	default:
		r.logger.Warn().
			Str("kind", string(entry.Kind)).
			Uint64("seq", entry.Seq).
			Msg("Skipping journal entry of unknown kind")
	}
	return nil
}

func (r *Registry) applyRegister(entry Entry, req types.RegisterRequest) {
	if old, ok := r.workers[req.WorkerID]; ok {
		r.dropFromIndex(old)
	}

	rec := &workerRecord{
		registration: types.WorkerRegistration{
			WorkerID:      req.WorkerID,
			WorkerURL:     req.WorkerURL,
			Capabilities:  req.Capabilities,
			Metadata:      req.Metadata,
			RegisteredAt:  entry.TS,
			LastHeartbeat: entry.TS,
		},
		seq: entry.Seq,
	}
	rec.keys = rec.registration.Keys()

	r.workers[req.WorkerID] = rec
	for _, key := range rec.keys {
		providers := r.index[key]
		if providers == nil {
			providers = make(map[string]*workerRecord)
			r.index[key] = providers
		}
		providers[req.WorkerID] = rec
	}
}

func (r *Registry) applyHeartbeat(ts time.Time, workerID string) {
	rec, ok := r.workers[workerID]
	if !ok {
		// Stray entries can survive in the journal across a
		// deregistration; they are harmless.
		r.logger.Debug().Str("worker_id", workerID).Msg("Skipping heartbeat for unknown worker")
		return
	}
	if ts.After(rec.registration.LastHeartbeat) {
		rec.registration.LastHeartbeat = ts
	}
}

func (r *Registry) applyDeregister(workerID string) {
	rec, ok := r.workers[workerID]
	if !ok {
		return
	}
	r.dropFromIndex(rec)
	delete(r.workers, workerID)
}

func (r *Registry) dropFromIndex(rec *workerRecord) {
	for _, key := range rec.keys {
		providers := r.index[key]
		delete(providers, rec.registration.WorkerID)
		if len(providers) == 0 {
			delete(r.index, key)
		}
	}
}

func validateRegistration(req types.RegisterRequest) error {
	if req.WorkerID == "" {
		return &ValidationError{Field: "worker_id", Reason: "must not be empty"}
	}
	if req.WorkerURL == "" {
		return &ValidationError{Field: "worker_url", Reason: "must not be empty"}
	}
	u, err := url.Parse(req.WorkerURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return &ValidationError{Field: "worker_url", Reason: "must be an absolute https URL"}
	}
	seen := make(map[types.CapabilityKey]struct{}, len(req.Capabilities))
	for i, def := range req.Capabilities {
		if def.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("capabilities[%d].id", i), Reason: "must not be empty"}
		}
		if def.Version.IsZero() {
			return &ValidationError{Field: fmt.Sprintf("capabilities[%d].version", i), Reason: "must be at least 0.0.1"}
		}
		key := def.Key()
		if _, dup := seen[key]; dup {
			return &ValidationError{Field: fmt.Sprintf("capabilities[%d]", i), Reason: fmt.Sprintf("duplicate capability key %q", key)}
		}
		seen[key] = struct{}{}
	}
	return nil
}
