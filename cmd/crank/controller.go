package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crankbird/crank-platform/pkg/api"
	"github.com/crankbird/crank-platform/pkg/bootstrap"
	"github.com/crankbird/crank-platform/pkg/config"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/security"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the node controller",
	Long: `Run the node controller: the capability registry, its append-only
journal, and the HTTPS registration and routing API.

Configuration comes from the environment (CONTROLLER_HTTPS_PORT,
CONTROLLER_STATE_FILE, CONTROLLER_HEARTBEAT_TIMEOUT, CA_SERVICE_URL,
CERT_DIR, PLATFORM_AUTH_TOKEN).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ControllerFromEnv()
		if err != nil {
			fatalConfig(err)
		}
		return runController(cmd.Context(), cfg)
	},
}

func runController(parent context.Context, cfg config.Controller) error {
	logger := log.WithComponent("controller")
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitter := events.NewEmitter()
	metrics.InstrumentEmitter(emitter)

	bundle, err := ensureBundle(ctx, cfg.CertDir, cfg.CAServiceURL, cfg.ServiceName, emitter)
	if err != nil {
		return fmt.Errorf("controller certificate bundle: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	reg, err := registry.Open(cfg.StateFile, cfg.HeartbeatTimeout)
	if err != nil {
		return fmt.Errorf("opening registry journal: %w", err)
	}
	defer reg.Close()
	logger.Info().Str("state_file", cfg.StateFile).Msg("Registry recovered from journal")

	collector := metrics.NewCollector(reg)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(reg, api.Options{
		ServiceName: cfg.ServiceName,
		AuthToken:   cfg.AuthToken,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPSPort, bundle)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Controller stopped")
	return nil
}

// ensureBundle loads the certificate bundle from disk or bootstraps one
// from the CA service. Shared by the controller and CA-adjacent
// components; the worker runtime carries its own copy of this logic so
// it can emit worker-scoped events.
func ensureBundle(ctx context.Context, certDir, caServiceURL, workerID string, emitter *events.Emitter) (*security.Bundle, error) {
	cfg := security.NewConfig(certDir, workerID)
	if cfg.HasBundle() {
		return security.LoadBundle(cfg)
	}
	if caServiceURL == "" {
		return nil, fmt.Errorf("no certificate bundle in %s and no CA service configured", cfg.CertDir)
	}
	return bootstrap.Initialize(ctx, bootstrap.Options{
		CAServiceURL: caServiceURL,
		CertDir:      cfg.CertDir,
		WorkerID:     workerID,
		Emitter:      emitter,
	})
}
