package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmitGeneratesCorrelationID tests that a missing correlation id is filled in
func TestEmitGeneratesCorrelationID(t *testing.T) {
	e := NewEmitter()

	ectx := e.Emit(KindCSRGenerated, "worker-1", "", map[string]string{"key_bits": "4096"})

	assert.Equal(t, KindCSRGenerated, ectx.Kind)
	assert.Equal(t, "worker-1", ectx.WorkerID)
	assert.False(t, ectx.Timestamp.IsZero())

	// Generated ids are valid UUIDs.
	_, err := uuid.Parse(ectx.CorrelationID)
	assert.NoError(t, err)
}

// TestEmitPreservesCorrelationID tests that a caller-supplied id is kept
func TestEmitPreservesCorrelationID(t *testing.T) {
	e := NewEmitter()

	first := e.Emit(KindCSRGenerated, "worker-1", "", nil)
	second := e.Emit(KindCSRSubmitted, "worker-1", first.CorrelationID, nil)
	third := e.Emit(KindCertIssued, "worker-1", second.CorrelationID, nil)

	// One bootstrap flow shares one correlation id end to end.
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, first.CorrelationID, third.CorrelationID)
}

// TestHandlerDispatch tests that handlers receive events of their kind only
func TestHandlerDispatch(t *testing.T) {
	e := NewEmitter()

	var issued []EventContext
	var failed []EventContext
	e.RegisterHandler(KindCertIssued, func(ectx EventContext) {
		issued = append(issued, ectx)
	})
	e.RegisterHandler(KindCSRFailed, func(ectx EventContext) {
		failed = append(failed, ectx)
	})

	e.Emit(KindCertIssued, "worker-1", "cid-1", map[string]string{"cert_path": "/etc/certs/client.crt"})
	e.Emit(KindCSRGenerated, "worker-1", "cid-1", nil)

	require.Len(t, issued, 1)
	assert.Equal(t, "cid-1", issued[0].CorrelationID)
	assert.Equal(t, "/etc/certs/client.crt", issued[0].Metadata["cert_path"])
	assert.Empty(t, failed)
}

// TestHandlerPanicIsolation tests that a panicking handler does not break emission
func TestHandlerPanicIsolation(t *testing.T) {
	e := NewEmitter()

	var called bool
	e.RegisterHandler(KindCAUnavailable, func(EventContext) {
		panic("handler bug")
	})
	e.RegisterHandler(KindCAUnavailable, func(EventContext) {
		called = true
	})

	var ectx EventContext
	require.NotPanics(t, func() {
		ectx = e.Emit(KindCAUnavailable, "worker-1", "", map[string]string{"attempt": "1"})
	})

	// The second handler still ran and the caller still got a context.
	assert.True(t, called)
	assert.NotEmpty(t, ectx.CorrelationID)
}

// TestAllKindsClosed tests the taxonomy is exactly the documented set
func TestAllKindsClosed(t *testing.T) {
	assert.Len(t, AllKinds, 10)
	assert.Contains(t, AllKinds, KindCertValidationFailed)
	assert.Contains(t, AllKinds, KindCertRevoked)
}

// TestEmitConcurrency tests concurrent emission with handler registration
func TestEmitConcurrency(t *testing.T) {
	e := NewEmitter()

	done := make(chan struct{}, 20)
	for i := 0; i < 10; i++ {
		go func() {
			e.Emit(KindCSRGenerated, "worker-1", "", nil)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		go func() {
			e.RegisterHandler(KindCSRGenerated, func(EventContext) {})
			done <- struct{}{}
		}()
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 20; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("concurrent emit did not finish")
		}
	}
}
