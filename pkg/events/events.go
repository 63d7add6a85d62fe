package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
)

// Kind identifies a certificate lifecycle event. The set is closed:
// consumers switch over these values and rely on no others appearing.
type Kind string

const (
	KindCSRGenerated         Kind = "CSR_GENERATED"
	KindCSRSubmitted         Kind = "CSR_SUBMITTED"
	KindCertIssued           Kind = "CERT_ISSUED"
	KindCertRenewed          Kind = "CERT_RENEWED"
	KindCertExpiringSoon     Kind = "CERT_EXPIRING_SOON"
	KindCertExpired          Kind = "CERT_EXPIRED"
	KindCertValidationFailed Kind = "CERT_VALIDATION_FAILED"
	KindCSRFailed            Kind = "CSR_FAILED"
	KindCAUnavailable        Kind = "CA_UNAVAILABLE"
	KindCertRevoked          Kind = "CERT_REVOKED"
)

// AllKinds lists every event kind, for consumers that subscribe to the
// whole taxonomy (metrics counters, audit sinks).
var AllKinds = []Kind{
	KindCSRGenerated,
	KindCSRSubmitted,
	KindCertIssued,
	KindCertRenewed,
	KindCertExpiringSoon,
	KindCertExpired,
	KindCertValidationFailed,
	KindCSRFailed,
	KindCAUnavailable,
	KindCertRevoked,
}

// EventContext is the correlation-scoped view of one emitted event,
// returned to the emitter's caller and passed to handlers.
type EventContext struct {
	Kind          Kind              `json:"event"`
	WorkerID      string            `json:"worker_id,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Handler receives events of the kind it was registered for. Handlers
// run synchronously on the emitting goroutine; panics are isolated.
type Handler func(EventContext)

// Emitter turns lifecycle moments into structured log records and
// dispatches them to registered handlers. Every event carries a
// correlation id; one is generated when the caller has none.
type Emitter struct {
	logger   zerolog.Logger
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	nowFunc  func() time.Time
}

// NewEmitter creates an emitter logging through the global logger.
func NewEmitter() *Emitter {
	return &Emitter{
		logger:   log.WithComponent("events"),
		handlers: make(map[Kind][]Handler),
		nowFunc:  time.Now,
	}
}

// RegisterHandler subscribes a handler to one event kind.
func (e *Emitter) RegisterHandler(kind Kind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], h)
}

// Emit records an event at info level. An empty correlationID is
// replaced with a fresh UUID; the returned context carries the id used.
func (e *Emitter) Emit(kind Kind, workerID, correlationID string, metadata map[string]string) EventContext {
	return e.EmitLevel(zerolog.InfoLevel, kind, workerID, correlationID, metadata)
}

// EmitLevel records an event at an explicit log level.
func (e *Emitter) EmitLevel(level zerolog.Level, kind Kind, workerID, correlationID string, metadata map[string]string) EventContext {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	ectx := EventContext{
		Kind:          kind,
		WorkerID:      workerID,
		CorrelationID: correlationID,
		Timestamp:     e.nowFunc().UTC(),
		Metadata:      metadata,
	}

	rec := e.logger.WithLevel(level).
		Str("event", string(kind)).
		Str("correlation_id", correlationID)
	if workerID != "" {
		rec = rec.Str("worker_id", workerID)
	}
	for k, v := range metadata {
		rec = rec.Str(k, v)
	}
	rec.Msg(string(kind))

	e.dispatch(ectx)
	return ectx
}

func (e *Emitter) dispatch(ectx EventContext) {
	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers[ectx.Kind]))
	copy(handlers, e.handlers[ectx.Kind])
	e.mu.RUnlock()

	for _, h := range handlers {
		e.call(h, ectx)
	}
}

// call isolates handler panics so one misbehaving subscriber cannot
// break the emitting code path.
func (e *Emitter) call(h Handler, ectx EventContext) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("event", string(ectx.Kind)).
				Str("correlation_id", ectx.CorrelationID).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(ectx)
}
