package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crankbird/crank-platform/pkg/ca"
	"github.com/crankbird/crank-platform/pkg/config"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Run the internal certificate authority",
	Long: `Run the fleet's internal CA: it creates or loads the root key pair
from its bbolt store, serves the CA certificate and signs worker CSRs
over HTTPS. Configuration comes from the environment (CA_HTTPS_PORT,
CA_STATE_FILE, CERT_DIR).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.CAFromEnv()
		if err != nil {
			fatalConfig(err)
		}
		return runCA(cmd, cfg)
	},
}

func runCA(cmd *cobra.Command, cfg config.CA) error {
	if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
		return fmt.Errorf("creating CA state directory: %w", err)
	}
	store, err := ca.OpenStore(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("opening CA store: %w", err)
	}
	defer store.Close()

	authority, err := ca.LoadOrCreateAuthority(store)
	if err != nil {
		return fmt.Errorf("loading certificate authority: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return ca.NewServer(authority, cfg.Provider).Start(ctx, cfg.HTTPSPort, cfg.CertDir)
}
