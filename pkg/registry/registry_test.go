package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbird/crank-platform/pkg/types"
)

func testRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	r, err := Open(path, 120*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, path
}

func echoRegistration(workerID string) types.RegisterRequest {
	return types.RegisterRequest{
		WorkerID:  workerID,
		WorkerURL: "https://10.0.0.7:8443",
		Capabilities: []types.CapabilityDefinition{
			{ID: "echo", Version: types.CapabilityVersion{Major: 1}},
		},
	}
}

// TestRegisterAndRoute tests the first-registration happy path
func TestRegisterAndRoute(t *testing.T) {
	r, _ := testRegistry(t)

	result, err := r.Register(echoRegistration("worker-echo-1"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRegistered, result.Status)
	assert.Equal(t, "worker-echo-1", result.WorkerID)
	assert.Equal(t, 1, result.CapabilitiesRegistered)

	caps := r.Capabilities()
	require.Contains(t, caps, types.CapabilityKey("invoke:echo"))
	assert.Equal(t, 1, caps["invoke:echo"].Workers)
	assert.Equal(t, 1, caps["invoke:echo"].HealthyWorkers)

	route, err := r.Route("", "echo")
	require.NoError(t, err)
	assert.Equal(t, "worker-echo-1", route.WorkerID)
	assert.Equal(t, "https://10.0.0.7:8443", route.WorkerURL)
	assert.Equal(t, "invoke:echo", route.Capability)
}

// TestRegisterValidation tests rejected registrations
func TestRegisterValidation(t *testing.T) {
	r, _ := testRegistry(t)

	tests := []struct {
		name  string
		req   types.RegisterRequest
		field string
	}{
		{
			name:  "missing worker id",
			req:   types.RegisterRequest{WorkerURL: "https://w:8443"},
			field: "worker_id",
		},
		{
			name:  "missing worker url",
			req:   types.RegisterRequest{WorkerID: "w1"},
			field: "worker_url",
		},
		{
			name:  "plain http url",
			req:   types.RegisterRequest{WorkerID: "w1", WorkerURL: "http://w:8080"},
			field: "worker_url",
		},
		{
			name:  "relative url",
			req:   types.RegisterRequest{WorkerID: "w1", WorkerURL: "w:8443"},
			field: "worker_url",
		},
		{
			name: "capability without id",
			req: types.RegisterRequest{
				WorkerID:  "w1",
				WorkerURL: "https://w:8443",
				Capabilities: []types.CapabilityDefinition{
					{Version: types.CapabilityVersion{Major: 1}},
				},
			},
			field: "capabilities[0].id",
		},
		{
			name: "capability without version",
			req: types.RegisterRequest{
				WorkerID:     "w1",
				WorkerURL:    "https://w:8443",
				Capabilities: []types.CapabilityDefinition{{ID: "echo"}},
			},
			field: "capabilities[0].version",
		},
		{
			name: "duplicate capability key",
			req: types.RegisterRequest{
				WorkerID:  "w1",
				WorkerURL: "https://w:8443",
				Capabilities: []types.CapabilityDefinition{
					{ID: "echo", Version: types.CapabilityVersion{Major: 1}},
					{ID: "echo", Version: types.CapabilityVersion{Major: 2}},
				},
			},
			field: "capabilities[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	// Nothing was journaled or applied.
	assert.Empty(t, r.Workers())
	assert.Equal(t, uint64(0), r.journal.Seq())
}

// TestSameIDDifferentVerbs tests that one id may appear under distinct verbs
func TestSameIDDifferentVerbs(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Register(types.RegisterRequest{
		WorkerID:  "w1",
		WorkerURL: "https://w:8443",
		Capabilities: []types.CapabilityDefinition{
			{ID: "image", Verb: "analyze", Version: types.CapabilityVersion{Major: 1}},
			{ID: "image", Verb: "transform", Version: types.CapabilityVersion{Major: 1}},
		},
	})
	require.NoError(t, err)

	caps := r.Capabilities()
	assert.Contains(t, caps, types.CapabilityKey("analyze:image"))
	assert.Contains(t, caps, types.CapabilityKey("transform:image"))
}

// TestRegisterEmptyCapabilities tests that a worker may register nothing
func TestRegisterEmptyCapabilities(t *testing.T) {
	r, _ := testRegistry(t)

	result, err := r.Register(types.RegisterRequest{
		WorkerID:  "idle-worker",
		WorkerURL: "https://w:8443",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.CapabilitiesRegistered)

	assert.Empty(t, r.Capabilities())
	require.Len(t, r.Workers(), 1)

	_, err = r.Route("", "anything")
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

// TestReRegisterReplacesRecord tests wholesale replacement on re-registration
func TestReRegisterReplacesRecord(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Register(types.RegisterRequest{
		WorkerID:  "w1",
		WorkerURL: "https://old:8443",
		Capabilities: []types.CapabilityDefinition{
			{ID: "echo", Version: types.CapabilityVersion{Major: 1}},
			{ID: "resize", Verb: "transform", Version: types.CapabilityVersion{Major: 1}},
		},
	})
	require.NoError(t, err)

	_, err = r.Register(types.RegisterRequest{
		WorkerID:  "w1",
		WorkerURL: "https://new:8443",
		Capabilities: []types.CapabilityDefinition{
			{ID: "echo", Version: types.CapabilityVersion{Major: 2}},
		},
	})
	require.NoError(t, err)

	workers := r.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "https://new:8443", workers[0].WorkerURL)
	assert.Equal(t, []types.CapabilityKey{"invoke:echo"}, workers[0].Capabilities)

	// The dropped key was pruned from the index entirely.
	caps := r.Capabilities()
	assert.NotContains(t, caps, types.CapabilityKey("transform:resize"))
	assert.Equal(t, 1, caps["invoke:echo"].Workers)
}

// TestRouteTieBreak tests deterministic earliest-registered selection
func TestRouteTieBreak(t *testing.T) {
	r, _ := testRegistry(t)

	reg1 := echoRegistration("w1")
	reg2 := echoRegistration("w2")
	reg2.WorkerURL = "https://10.0.0.8:8443"

	_, err := r.Register(reg1)
	require.NoError(t, err)
	_, err = r.Register(reg2)
	require.NoError(t, err)

	// Both healthy: the earlier registration wins every time.
	for i := 0; i < 5; i++ {
		route, err := r.Route("invoke", "echo")
		require.NoError(t, err)
		assert.Equal(t, "w1", route.WorkerID)
	}

	require.NoError(t, r.Deregister("w1"))

	route, err := r.Route("invoke", "echo")
	require.NoError(t, err)
	assert.Equal(t, "w2", route.WorkerID)

	// Re-registration puts w1 behind w2 in the tie-break order.
	_, err = r.Register(reg1)
	require.NoError(t, err)
	route, err = r.Route("invoke", "echo")
	require.NoError(t, err)
	assert.Equal(t, "w2", route.WorkerID)
}

// TestHeartbeatUnknownWorker tests the 404 contract for unknown ids
func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := testRegistry(t)

	err := r.Heartbeat("ghost")
	assert.ErrorIs(t, err, ErrUnknownWorker)

	// Nothing was journaled for the unknown worker.
	assert.Equal(t, uint64(0), r.journal.Seq())
}

// TestHealthDerivedFromHeartbeat tests liveness expiry and revival
func TestHealthDerivedFromHeartbeat(t *testing.T) {
	r, _ := testRegistry(t)

	base := time.Now().UTC()
	r.nowFunc = func() time.Time { return base }

	_, err := r.Register(echoRegistration("w1"))
	require.NoError(t, err)

	// Within the timeout the worker routes.
	r.nowFunc = func() time.Time { return base.Add(120 * time.Second) }
	_, err = r.Route("", "echo")
	require.NoError(t, err)

	// One second past the timeout it is excluded but never deleted.
	r.nowFunc = func() time.Time { return base.Add(121 * time.Second) }
	_, err = r.Route("", "echo")
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)

	caps := r.Capabilities()
	assert.Equal(t, 1, caps["invoke:echo"].Workers)
	assert.Equal(t, 0, caps["invoke:echo"].HealthyWorkers)

	workers := r.Workers()
	require.Len(t, workers, 1)
	assert.False(t, workers[0].Healthy)

	// A heartbeat revives routing without re-registration.
	require.NoError(t, r.Heartbeat("w1"))
	route, err := r.Route("", "echo")
	require.NoError(t, err)
	assert.Equal(t, "w1", route.WorkerID)
}

// TestRouteSkipsUnhealthyProvider tests that routing falls through to healthy peers
func TestRouteSkipsUnhealthyProvider(t *testing.T) {
	r, _ := testRegistry(t)

	base := time.Now().UTC()
	r.nowFunc = func() time.Time { return base }

	_, err := r.Register(echoRegistration("w1"))
	require.NoError(t, err)
	_, err = r.Register(echoRegistration("w2"))
	require.NoError(t, err)

	// Only w2 heartbeats; w1 ages out.
	r.nowFunc = func() time.Time { return base.Add(110 * time.Second) }
	require.NoError(t, r.Heartbeat("w2"))

	r.nowFunc = func() time.Time { return base.Add(150 * time.Second) }
	route, err := r.Route("", "echo")
	require.NoError(t, err)
	assert.Equal(t, "w2", route.WorkerID)
}

// TestDeregisterIdempotent tests repeated and unknown deregistrations
func TestDeregisterIdempotent(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Register(echoRegistration("w1"))
	require.NoError(t, err)

	require.NoError(t, r.Deregister("w1"))
	seqAfterFirst := r.journal.Seq()

	// Second delete and unknown ids succeed without journaling.
	require.NoError(t, r.Deregister("w1"))
	require.NoError(t, r.Deregister("never-existed"))
	assert.Equal(t, seqAfterFirst, r.journal.Seq())

	assert.Empty(t, r.Workers())
	assert.Empty(t, r.Capabilities())
}

// TestRecoveryReplaysJournal tests the crash-recovery scenario
func TestRecoveryReplaysJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	r, err := Open(path, 120*time.Second)
	require.NoError(t, err)

	_, err = r.Register(echoRegistration("w1"))
	require.NoError(t, err)
	_, err = r.Register(echoRegistration("w2"))
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("w1"))
	require.NoError(t, r.Deregister("w2"))
	require.NoError(t, r.Close())

	// Simulated restart: state is rebuilt from the journal alone.
	recovered, err := Open(path, 120*time.Second)
	require.NoError(t, err)
	defer recovered.Close()

	workers := recovered.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].WorkerID)

	route, err := recovered.Route("", "echo")
	require.NoError(t, err)
	assert.Equal(t, "w1", route.WorkerID)

	// New mutations continue the sequence rather than restarting it.
	assert.Equal(t, uint64(4), recovered.journal.Seq())
	_, err = recovered.Register(echoRegistration("w3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), recovered.journal.Seq())
}

// TestRecoveryPreservesRegistrationMetadata tests verbatim metadata round-trip
func TestRecoveryPreservesRegistrationMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	r, err := Open(path, 120*time.Second)
	require.NoError(t, err)

	req := echoRegistration("w1")
	req.Metadata = map[string]json.RawMessage{
		"zone": json.RawMessage(`"rack-2"`),
	}
	req.Capabilities[0].Hints = map[string]json.RawMessage{
		"runtime": json.RawMessage(`"gvisor"`),
	}
	_, err = r.Register(req)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	recovered, err := Open(path, 120*time.Second)
	require.NoError(t, err)
	defer recovered.Close()

	rec := recovered.workers["w1"]
	require.NotNil(t, rec)
	assert.JSONEq(t, `"rack-2"`, string(rec.registration.Metadata["zone"]))
	require.Len(t, rec.registration.Capabilities, 1)
	assert.JSONEq(t, `"gvisor"`, string(rec.registration.Capabilities[0].Hints["runtime"]))
}

// TestRecoveryDiscardsTornTail tests crash-mid-write tolerance
func TestRecoveryDiscardsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	r, err := Open(path, 120*time.Second)
	require.NoError(t, err)
	_, err = r.Register(echoRegistration("w1"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// A crash mid-append leaves a partial line at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ts":"2026-0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := Open(path, 120*time.Second)
	require.NoError(t, err)
	defer recovered.Close()

	require.Len(t, recovered.Workers(), 1)
	assert.Equal(t, uint64(1), recovered.journal.Seq())

	// The torn bytes were truncated away, so new appends stay valid JSONL.
	_, err = recovered.Register(echoRegistration("w2"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, line := range splitLines(data) {
		var entry Entry
		assert.NoError(t, json.Unmarshal(line, &entry))
	}
}

// TestRecoveryFailsOnInteriorCorruption tests fail-fast on non-tail damage
func TestRecoveryFailsOnInteriorCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	r, err := Open(path, 120*time.Second)
	require.NoError(t, err)
	_, err = r.Register(echoRegistration("w1"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := append([]byte("not json at all\n"), data...)
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	_, err = Open(path, 120*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt journal entry")
}

// TestRegisterFailsWhenJournalUnavailable tests that mutations are not applied on persistence failure
func TestRegisterFailsWhenJournalUnavailable(t *testing.T) {
	r, _ := testRegistry(t)

	// Force every subsequent append to fail.
	require.NoError(t, r.journal.file.Close())

	_, err := r.Register(echoRegistration("w1"))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	// All or nothing: the worker is not visible in memory either.
	assert.Empty(t, r.Workers())
	assert.False(t, r.JournalHealthy())
}

// TestWorkerCountsForMetrics tests the collector-facing counters
func TestWorkerCountsForMetrics(t *testing.T) {
	r, _ := testRegistry(t)

	base := time.Now().UTC()
	r.nowFunc = func() time.Time { return base }

	_, err := r.Register(echoRegistration("w1"))
	require.NoError(t, err)
	_, err = r.Register(echoRegistration("w2"))
	require.NoError(t, err)

	r.nowFunc = func() time.Time { return base.Add(121 * time.Second) }
	require.NoError(t, r.Heartbeat("w2"))

	total, healthy := r.WorkerCounts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 1, r.CapabilityKeyCount())
}

// TestConcurrentRegistryAccess tests reads racing mutations
func TestConcurrentRegistryAccess(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Register(echoRegistration("w1"))
	require.NoError(t, err)

	done := make(chan struct{}, 30)
	for i := 0; i < 10; i++ {
		go func() {
			_ = r.Heartbeat("w1")
			done <- struct{}{}
		}()
		go func() {
			_, _ = r.Route("", "echo")
			done <- struct{}{}
		}()
		go func() {
			_ = r.Capabilities()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 30; i++ {
		<-done
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
