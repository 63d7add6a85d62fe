package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/bootstrap"
	"github.com/crankbird/crank-platform/pkg/client"
	"github.com/crankbird/crank-platform/pkg/config"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/security"
	"github.com/crankbird/crank-platform/pkg/types"
)

// Service is what a capability provider hands the runtime: a name, the
// capabilities it advertises, and its HTTP routes. The runtime owns
// everything else (certificates, registration, heartbeats, shutdown).
type Service interface {
	Name() string
	Capabilities() []types.CapabilityDefinition
	RegisterRoutes(mux *http.ServeMux)
}

// Options configures one worker runtime.
type Options struct {
	Service Service
	Config  config.Worker

	// HTTPSPort the worker listens on.
	HTTPSPort int

	// WorkerID defaults to "{service-name}-{8 hex chars}" so restarts get
	// fresh identities unless the operator pins one.
	WorkerID string

	// AdvertiseURL is the worker_url sent to the controller. Defaults to
	// https://{hostname}:{port}.
	AdvertiseURL string

	// DegradedAfter is how many consecutive failed heartbeats the worker
	// tolerates before reporting DEGRADED. A single missed beat is
	// routine; sustained controller unreachability is not. Zero means
	// DefaultDegradedAfter.
	DegradedAfter int

	Emitter *events.Emitter
}

// DefaultDegradedAfter at the default 20 s heartbeat interval gives the
// controller a minute to come back before the worker degrades itself.
const DefaultDegradedAfter = 3

// Runtime runs a worker's full lifecycle: certificate bundle, HTTPS
// listener, controller registration, heartbeats, health state and
// ordered shutdown.
type Runtime struct {
	opts     Options
	workerID string

	fsm           *FSM
	hooks         *Hooks
	bundle        *security.Bundle
	degradedAfter int
	hbFailures    int

	server      *http.Server
	listener    net.Listener
	httpClient  *http.Client
	controller  *client.Client
	heartbeater *client.Heartbeater
	monitor     *CertMonitor

	emitter *events.Emitter
	logger  zerolog.Logger
}

// New builds a runtime around a service. The worker id is resolved here
// so logs carry it from the first line.
func New(opts Options) (*Runtime, error) {
	if opts.Service == nil {
		return nil, errors.New("worker runtime needs a service")
	}
	if opts.HTTPSPort <= 0 {
		return nil, errors.New("worker runtime needs a positive HTTPS port")
	}

	workerID := opts.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("%s-%s", opts.Service.Name(), uuid.New().String()[:8])
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	degradedAfter := opts.DegradedAfter
	if degradedAfter <= 0 {
		degradedAfter = DefaultDegradedAfter
	}

	return &Runtime{
		opts:          opts,
		workerID:      workerID,
		fsm:           NewFSM(),
		hooks:         NewHooks(),
		degradedAfter: degradedAfter,
		emitter:       emitter,
		logger:        log.WithWorkerID(workerID).With().Str("component", "worker").Logger(),
	}, nil
}

// WorkerID returns the resolved worker identity.
func (r *Runtime) WorkerID() string { return r.workerID }

// Health returns the current lifecycle state.
func (r *Runtime) Health() State { return r.fsm.Current() }

// OnShutdown registers a service-owned shutdown hook. Service hooks run
// before the runtime's own teardown.
func (r *Runtime) OnShutdown(hook Hook) { r.hooks.Register(hook) }

// Run executes the worker lifecycle and blocks until ctx is cancelled
// or the HTTPS server fails. The listener is bound before the worker
// reports HEALTHY, so a routable worker is always an accepting one.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.ensureBundle(ctx); err != nil {
		return err
	}

	serverErr, err := r.startServer()
	if err != nil {
		return err
	}

	// Runtime hooks go in before any service hooks so LIFO order tears
	// the stack down last: heartbeat stops, then deregistration, then
	// the listener closes.
	r.registerDefaultHooks()

	if r.opts.Config.ControllerURL == "" {
		r.logger.Info().Msg("No controller configured, running standalone")
	} else if err := r.attach(ctx); err != nil {
		// Registration is best effort: the heartbeat loop re-registers
		// once the controller is reachable.
		r.logger.Warn().Err(err).Msg("Initial registration failed, heartbeat loop will retry")
	}

	if r.monitor != nil {
		r.monitor.Start(ctx)
	}

	if err := r.fsm.To(StateHealthy); err != nil {
		return err
	}
	r.logger.Info().
		Str("service", r.opts.Service.Name()).
		Int("port", r.opts.HTTPSPort).
		Msg("Worker healthy")

	select {
	case <-ctx.Done():
		r.shutdown()
		return nil
	case err := <-serverErr:
		r.shutdown()
		return fmt.Errorf("worker HTTPS server failed: %w", err)
	}
}

// ensureBundle loads the certificate bundle from disk, or bootstraps one
// from the CA service when none exists yet. No bundle and no CA is fatal:
// the worker never serves plaintext.
func (r *Runtime) ensureBundle(ctx context.Context) error {
	cfg := security.NewConfig(r.opts.Config.CertDir, r.workerID)
	if cfg.HasBundle() {
		bundle, err := security.LoadBundle(cfg)
		if err != nil {
			var verr *security.BundleValidationError
			if errors.As(err, &verr) {
				r.emitter.EmitLevel(zerolog.ErrorLevel, events.KindCertValidationFailed, r.workerID, "", map[string]string{
					"file":   verr.File,
					"reason": verr.Reason,
				})
			}
			return err
		}
		r.bundle = bundle
	} else {
		if r.opts.Config.CAServiceURL == "" {
			return errors.New("no certificate bundle on disk and no CA service configured")
		}
		bundle, err := bootstrap.Initialize(ctx, bootstrap.Options{
			CAServiceURL: r.opts.Config.CAServiceURL,
			CertDir:      cfg.CertDir,
			WorkerID:     r.workerID,
			ExtraSANs:    r.extraSANs(),
			Emitter:      r.emitter,
		})
		if err != nil {
			return err
		}
		r.bundle = bundle
	}

	r.monitor = NewCertMonitor(r.bundle, r.workerID, 0, r.emitter)
	return nil
}

// startServer binds the TLS listener and starts serving. Binding happens
// synchronously so Run can fail fast on a taken port.
func (r *Runtime) startServer() (<-chan error, error) {
	tlsConfig, err := r.bundle.ServerTLSConfig()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	r.opts.Service.RegisterRoutes(mux)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.opts.HTTPSPort))
	if err != nil {
		return nil, fmt.Errorf("binding worker port %d: %w", r.opts.HTTPSPort, err)
	}
	r.listener = ln
	r.server = &http.Server{
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := r.server.ServeTLS(ln, "", "")
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	r.logger.Info().Int("port", r.opts.HTTPSPort).Msg("Worker HTTPS listening")
	return errCh, nil
}

// attach registers with the controller and starts the heartbeat loop.
func (r *Runtime) attach(ctx context.Context) error {
	httpClient, err := r.bundle.HTTPClient(security.DefaultHTTPTimeout)
	if err != nil {
		return err
	}
	r.httpClient = httpClient
	r.controller = client.New(r.opts.Config.ControllerURL, httpClient, r.opts.Config.AuthToken)

	r.heartbeater = client.NewHeartbeater(r.controller, r.workerID, r.opts.Config.HeartbeatInterval)
	r.heartbeater.Reregister = r.register
	r.heartbeater.OnResult = r.onHeartbeatResult
	r.heartbeater.Start(ctx)

	return r.register(ctx)
}

// register submits the service's capability set. Also used by the
// heartbeater when the controller forgets us.
func (r *Runtime) register(ctx context.Context) error {
	result, outcome, err := r.controller.Register(ctx, types.RegisterRequest{
		WorkerID:     r.workerID,
		WorkerURL:    r.advertiseURL(),
		Capabilities: r.opts.Service.Capabilities(),
	})
	if err != nil {
		return err
	}
	if outcome != client.OutcomeRegistered {
		return fmt.Errorf("registration outcome %s", outcome)
	}
	r.logger.Info().
		Int("capabilities", result.CapabilitiesRegistered).
		Msg("Registered with controller")
	return nil
}

// onHeartbeatResult drives the health state machine from heartbeat
// outcomes. DEGRADED needs sustained failure (degradedAfter consecutive
// misses); a single ack restores HEALTHY. A stopping worker never flips
// back.
func (r *Runtime) onHeartbeatResult(outcome client.Outcome) {
	current := r.fsm.Current()
	if current == StateStopping || current == StateStarting {
		return
	}
	switch outcome {
	case client.OutcomeOK, client.OutcomeUnknownWorker:
		r.hbFailures = 0
		if current == StateDegraded {
			_ = r.fsm.To(StateHealthy)
		}
	default:
		r.hbFailures++
		if current == StateHealthy && r.hbFailures >= r.degradedAfter {
			_ = r.fsm.To(StateDegraded)
		}
	}
}

func (r *Runtime) registerDefaultHooks() {
	r.hooks.Register(Hook{
		Name:        "close-client-pools",
		Description: "drop idle controller connections",
		Timeout:     time.Second,
		Fn: func(context.Context) error {
			if r.httpClient != nil {
				r.httpClient.CloseIdleConnections()
			}
			return nil
		},
	})
	r.hooks.Register(Hook{
		Name:        "close-https-server",
		Description: "stop accepting requests and drain in-flight ones",
		Timeout:     10 * time.Second,
		Fn: func(ctx context.Context) error {
			return r.server.Shutdown(ctx)
		},
	})
	r.hooks.Register(Hook{
		Name:        "deregister",
		Description: "remove this worker from the controller registry",
		Timeout:     5 * time.Second,
		Fn: func(ctx context.Context) error {
			if r.controller == nil {
				return nil
			}
			return r.controller.Deregister(ctx, r.workerID)
		},
	})
	r.hooks.Register(Hook{
		Name:        "stop-heartbeat",
		Description: "stop the liveness loop before deregistering",
		Timeout:     10 * time.Second,
		Fn: func(context.Context) error {
			if r.heartbeater != nil {
				r.heartbeater.Stop()
			}
			if r.monitor != nil {
				r.monitor.Stop()
			}
			return nil
		},
	})
}

// shutdown flips to STOPPING and unwinds the hook stack. Hooks use a
// fresh context: the run context is already cancelled by the time we
// get here.
func (r *Runtime) shutdown() {
	if err := r.fsm.To(StateStopping); err != nil {
		return // already stopping
	}
	r.logger.Info().Msg("Worker shutting down")
	r.hooks.Run(context.Background())
	r.logger.Info().Msg("Worker stopped")
}

// handleHealth reports the lifecycle state. Open by design so
// orchestrator probes work without a client certificate; the TLS layer
// still terminates HTTPS.
func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := r.fsm.Current()
	status := http.StatusOK
	if state != StateHealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":%q,"worker_id":%q,"service":%q}`+"\n",
		strings.ToLower(string(state)), r.workerID, r.opts.Service.Name())
}

func (r *Runtime) advertiseURL() string {
	if r.opts.AdvertiseURL != "" {
		return r.opts.AdvertiseURL
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = r.workerID
	}
	return fmt.Sprintf("https://%s:%d", host, r.opts.HTTPSPort)
}

// extraSANs lets the issued certificate cover the advertised host, not
// just the worker id.
func (r *Runtime) extraSANs() []string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return nil
	}
	return []string{host}
}
