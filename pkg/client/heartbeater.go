package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
)

// DefaultHeartbeatInterval matches the controller's expectations: well
// inside the default 120 s health timeout.
const DefaultHeartbeatInterval = 20 * time.Second

// Heartbeater owns the periodic liveness task a worker runs against the
// controller. Failures are absorbed with warning logs; an unknown-worker
// response triggers one re-registration attempt and the loop resumes.
type Heartbeater struct {
	client   *Client
	workerID string
	interval time.Duration
	timeout  time.Duration

	// Reregister is called once when the controller answers 404. The
	// worker runtime wires it to a fresh Register call.
	Reregister func(ctx context.Context) error

	// OnResult observes every attempt's outcome; the worker runtime
	// drives its health state machine from it. Optional.
	OnResult func(outcome Outcome)

	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeater builds a heartbeater for workerID. Zero interval means
// DefaultHeartbeatInterval; the per-call timeout is fixed at 5 s.
func NewHeartbeater(c *Client, workerID string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeater{
		client:   c,
		workerID: workerID,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   log.WithWorkerID(workerID).With().Str("component", "heartbeat").Logger(),
	}
}

// Start launches the heartbeat loop. It is a no-op when already running.
func (h *Heartbeater) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.run(loopCtx, h.done)
	h.logger.Info().Dur("interval", h.interval).Msg("Heartbeat loop started")
}

// Stop cancels the loop and waits for the in-flight iteration to
// finish, bounded by the per-call HTTP timeout.
func (h *Heartbeater) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	h.logger.Info().Msg("Heartbeat loop stopped")
}

func (h *Heartbeater) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

// beat sends one heartbeat and handles the unknown-worker case with a
// single immediate re-registration attempt.
func (h *Heartbeater) beat(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	outcome, err := h.client.Heartbeat(callCtx, h.workerID)
	cancel()

	if h.OnResult != nil {
		h.OnResult(outcome)
	}

	switch outcome {
	case OutcomeOK:
		h.logger.Debug().Msg("Heartbeat acknowledged")
	case OutcomeUnknownWorker:
		// The controller restarted or pruned us; re-register once and
		// let the next tick confirm.
		h.logger.Warn().Msg("Controller does not know this worker, re-registering")
		if h.Reregister != nil {
			regCtx, regCancel := context.WithTimeout(ctx, h.timeout)
			if regErr := h.Reregister(regCtx); regErr != nil {
				h.logger.Warn().Err(regErr).Msg("Re-registration failed")
			}
			regCancel()
		}
	default:
		h.logger.Warn().Err(err).Str("outcome", string(outcome)).Msg("Heartbeat failed")
	}
}
