package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crankbird/crank-platform/pkg/events"
)

var (
	// Registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crank_workers_total",
			Help: "Registered workers by derived health",
		},
		[]string{"healthy"},
	)

	CapabilityKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crank_capability_keys_total",
			Help: "Distinct capability keys with at least one provider",
		},
	)

	RegistryMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_registry_mutations_total",
			Help: "Acknowledged registry mutations by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_api_requests_total",
			Help: "Controller API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crank_api_request_duration_seconds",
			Help:    "Controller API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_heartbeats_total",
			Help: "Heartbeats received by acknowledgement status",
		},
		[]string{"status"},
	)

	RouteLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_route_lookups_total",
			Help: "Route lookups by outcome",
		},
		[]string{"outcome"},
	)

	// Certificate metrics
	CertificateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_certificate_events_total",
			Help: "Certificate lifecycle events by kind",
		},
		[]string{"event"},
	)

	CertificatesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_ca_certificates_issued_total",
			Help: "Certificates issued by the CA service",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(CapabilityKeysTotal)
	prometheus.MustRegister(RegistryMutationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(RouteLookupsTotal)
	prometheus.MustRegister(CertificateEventsTotal)
	prometheus.MustRegister(CertificatesIssuedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentEmitter counts every emitted certificate event by kind.
func InstrumentEmitter(e *events.Emitter) {
	for _, kind := range events.AllKinds {
		e.RegisterHandler(kind, func(ectx events.EventContext) {
			CertificateEventsTotal.WithLabelValues(string(ectx.Kind)).Inc()
		})
	}
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer creates a timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on the given observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
