package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/security"
)

// DefaultCertCheckInterval is how often the monitor re-reads the leaf
// certificate. Leaves live 90 days, so hours-scale is plenty.
const DefaultCertCheckInterval = 6 * time.Hour

// CertMonitor watches a bundle's leaf certificate and emits
// CERT_EXPIRING_SOON inside the warning window and CERT_EXPIRED past
// NotAfter. Each condition is emitted once, not on every tick.
type CertMonitor struct {
	bundle   *security.Bundle
	workerID string
	interval time.Duration
	emitter  *events.Emitter
	logger   zerolog.Logger
	nowFunc  func() time.Time

	mu       sync.Mutex
	lastKind events.Kind
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCertMonitor builds a monitor. Zero interval means
// DefaultCertCheckInterval.
func NewCertMonitor(bundle *security.Bundle, workerID string, interval time.Duration, emitter *events.Emitter) *CertMonitor {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &CertMonitor{
		bundle:   bundle,
		workerID: workerID,
		interval: interval,
		emitter:  emitter,
		logger:   log.WithWorkerID(workerID).With().Str("component", "certmonitor").Logger(),
		nowFunc:  time.Now,
	}
}

// Start launches the periodic check. No-op when already running.
func (m *CertMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)
}

// Stop cancels the loop and waits for it to exit.
func (m *CertMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *CertMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.check()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check re-reads the leaf from disk so renewals swapped in underneath
// are picked up.
func (m *CertMonitor) check() {
	leaf, err := m.bundle.LeafCertificate()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Cannot read leaf certificate")
		return
	}

	now := m.nowFunc()
	var kind events.Kind
	switch {
	case security.CertExpired(leaf, now):
		kind = events.KindCertExpired
	case security.CertExpiringSoon(leaf, now):
		kind = events.KindCertExpiringSoon
	default:
		m.setLastKind("")
		return
	}

	if m.setLastKind(kind) {
		level := zerolog.WarnLevel
		if kind == events.KindCertExpired {
			level = zerolog.ErrorLevel
		}
		m.emitter.EmitLevel(level, kind, m.workerID, "", map[string]string{
			"not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
		})
	}
}

// setLastKind records the condition and reports whether it changed.
func (m *CertMonitor) setLastKind(kind events.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastKind == kind {
		return false
	}
	m.lastKind = kind
	return true
}
