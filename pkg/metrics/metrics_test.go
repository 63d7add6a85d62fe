package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crankbird/crank-platform/pkg/events"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 50 * time.Millisecond
	time.Sleep(sleepDuration)

	if d := timer.Duration(); d < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", d, sleepDuration)
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	if got := testutil.CollectAndCount(histogram); got != 1 {
		t.Errorf("histogram sample count = %d, want 1", got)
	}
}

type staticStats struct {
	total, healthy, keys int
}

func (s staticStats) WorkerCounts() (int, int) { return s.total, s.healthy }
func (s staticStats) CapabilityKeyCount() int  { return s.keys }

// TestCollectorSamplesGauges tests that one collection updates the registry gauges
func TestCollectorSamplesGauges(t *testing.T) {
	c := NewCollector(staticStats{total: 5, healthy: 3, keys: 7})

	c.collect()

	if got := testutil.ToFloat64(WorkersTotal.WithLabelValues("true")); got != 3 {
		t.Errorf("healthy workers gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(WorkersTotal.WithLabelValues("false")); got != 2 {
		t.Errorf("unhealthy workers gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CapabilityKeysTotal); got != 7 {
		t.Errorf("capability keys gauge = %v, want 7", got)
	}
}

// TestInstrumentEmitter tests that emitted events increment the event counter
func TestInstrumentEmitter(t *testing.T) {
	e := events.NewEmitter()
	InstrumentEmitter(e)

	before := testutil.ToFloat64(CertificateEventsTotal.WithLabelValues(string(events.KindCertIssued)))

	e.Emit(events.KindCertIssued, "worker-1", "", nil)
	e.Emit(events.KindCertIssued, "worker-2", "", nil)

	after := testutil.ToFloat64(CertificateEventsTotal.WithLabelValues(string(events.KindCertIssued)))
	if after-before != 2 {
		t.Errorf("certificate event counter delta = %v, want 2", after-before)
	}
}
