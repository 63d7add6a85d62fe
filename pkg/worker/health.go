package worker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
)

// State is a worker's lifecycle health state.
type State string

const (
	StateStarting State = "STARTING"
	StateHealthy  State = "HEALTHY"
	StateDegraded State = "DEGRADED"
	StateStopping State = "STOPPING"
)

// transitions is the legal state machine:
// STARTING → HEALTHY ⇄ DEGRADED → STOPPING, with STOPPING terminal and
// reachable from anywhere.
var transitions = map[State][]State{
	StateStarting: {StateHealthy, StateStopping},
	StateHealthy:  {StateDegraded, StateStopping},
	StateDegraded: {StateHealthy, StateStopping},
	StateStopping: {},
}

// FSM tracks a worker's health state and enforces legal transitions.
type FSM struct {
	mu     sync.RWMutex
	state  State
	logger zerolog.Logger
}

// NewFSM starts in STARTING.
func NewFSM() *FSM {
	return &FSM{
		state:  StateStarting,
		logger: log.WithComponent("health"),
	}
}

// Current returns the present state.
func (f *FSM) Current() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// To transitions to next. Same-state transitions are no-ops; illegal
// ones are rejected so a stopping worker can never report healthy.
func (f *FSM) To(next State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == next {
		return nil
	}
	for _, allowed := range transitions[f.state] {
		if allowed == next {
			f.logger.Info().
				Str("from", string(f.state)).
				Str("to", string(next)).
				Msg("Health state changed")
			f.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal health transition %s -> %s", f.state, next)
}
