package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
)

// DefaultHookTimeout bounds a shutdown callback that declares none.
const DefaultHookTimeout = 10 * time.Second

// Hook is one shutdown callback. Hooks run in reverse registration
// order, so resources unwind the way they were built up.
type Hook struct {
	Name        string
	Description string
	Timeout     time.Duration
	Tags        []string
	Fn          func(ctx context.Context) error
}

// Hooks is the ordered shutdown callback registry.
type Hooks struct {
	mu     sync.Mutex
	hooks  []Hook
	logger zerolog.Logger
}

// NewHooks creates an empty registry.
func NewHooks() *Hooks {
	return &Hooks{logger: log.WithComponent("shutdown")}
}

// Register appends a hook. Hooks registered first run last, which is
// why the runtime installs its own defaults before handing the registry
// to the service.
func (h *Hooks) Register(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Run executes every hook in LIFO order. Each gets its own timeout; a
// hook that overruns is abandoned (its goroutine is left to finish or
// leak, the process is exiting) and the next hook still runs.
func (h *Hooks) Run(ctx context.Context) {
	h.mu.Lock()
	hooks := make([]Hook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h.runOne(ctx, hooks[i])
	}
}

func (h *Hooks) runOne(ctx context.Context, hook Hook) {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- hook.Fn(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			h.logger.Warn().
				Err(err).
				Str("hook", hook.Name).
				Msg("Shutdown hook failed")
			return
		}
		h.logger.Info().
			Str("hook", hook.Name).
			Dur("duration_ms", time.Since(start)).
			Msg("Shutdown hook completed")
	case <-hookCtx.Done():
		h.logger.Warn().
			Str("hook", hook.Name).
			Dur("timeout", timeout).
			Msg("Shutdown hook timed out, abandoning")
	}
}
