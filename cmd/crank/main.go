package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crankbird/crank-platform/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crank",
	Short: "Crank - node-local worker orchestration fabric",
	Long: `Crank is a node-local orchestration fabric for capability workers:
a controller that routes capability requests to registered workers, a
worker runtime that registers, heartbeats and serves capabilities over
mTLS, and an internal CA that bootstraps the fleet's certificates.

All fleet traffic is HTTPS; there is no plaintext mode.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Crank version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "Emit JSON logs (false for console output)")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(caCmd)
}

// exitConfig is the exit code for configuration errors, distinct from
// runtime failures so orchestrators can tell them apart.
const exitConfig = 2

func fatalConfig(err error) {
	fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
	os.Exit(exitConfig)
}
