package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crankbird/crank-platform/pkg/config"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/metrics"
	"github.com/crankbird/crank-platform/pkg/types"
	"github.com/crankbird/crank-platform/pkg/worker"
)

var (
	workerManifest string
	workerPort     int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a capability worker from a manifest",
	Long: `Run a capability worker: bootstrap certificates, serve the declared
capabilities over HTTPS, register with the controller and heartbeat.

The manifest declares the service name and its capabilities:

    service_name: echo
    port: 8500
    capabilities:
      - id: echo.text
        verb: invoke
        version: 1.0.0
        tags: [text]

Each capability is served as a scaffold echo endpoint at
POST /invoke/{id}; real services embed pkg/worker directly instead.
Controller and CA locations come from the environment (CONTROLLER_URL,
CA_SERVICE_URL, CERT_DIR).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.WorkerFromEnv()
		if err != nil {
			fatalConfig(err)
		}
		manifest, err := loadManifest(workerManifest)
		if err != nil {
			fatalConfig(err)
		}
		return runWorker(cmd, cfg, manifest)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerManifest, "manifest", "worker.yaml", "Capability manifest file")
	workerCmd.Flags().IntVar(&workerPort, "port", 0, "HTTPS port (overrides the manifest)")
}

// manifest is the YAML shape of a worker declaration.
type manifest struct {
	WorkerID     string               `yaml:"worker_id"`
	ServiceName  string               `yaml:"service_name"`
	Port         int                  `yaml:"port"`
	Capabilities []manifestCapability `yaml:"capabilities"`
}

type manifestCapability struct {
	ID      string   `yaml:"id"`
	Verb    string   `yaml:"verb"`
	Version string   `yaml:"version"`
	Tags    []string `yaml:"tags"`
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.ServiceName == "" {
		return manifest{}, fmt.Errorf("manifest %s: service_name is required", path)
	}
	if len(m.Capabilities) == 0 {
		return manifest{}, fmt.Errorf("manifest %s: at least one capability is required", path)
	}
	for i, c := range m.Capabilities {
		if c.ID == "" {
			return manifest{}, fmt.Errorf("manifest %s: capabilities[%d] has no id", path, i)
		}
	}
	return m, nil
}

// definitions converts the manifest into wire capability definitions.
// A missing version defaults to 1.0.0 so hand-written manifests stay
// short.
func (m manifest) definitions() ([]types.CapabilityDefinition, error) {
	defs := make([]types.CapabilityDefinition, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		version := types.CapabilityVersion{Major: 1}
		if c.Version != "" {
			parsed, err := types.ParseCapabilityVersion(c.Version)
			if err != nil {
				return nil, fmt.Errorf("capability %s: %w", c.ID, err)
			}
			version = parsed
		}
		defs = append(defs, types.CapabilityDefinition{
			ID:      c.ID,
			Verb:    c.Verb,
			Version: version,
			Tags:    c.Tags,
		})
	}
	return defs, nil
}

func runWorker(cmd *cobra.Command, cfg config.Worker, m manifest) error {
	defs, err := m.definitions()
	if err != nil {
		fatalConfig(err)
	}

	port := m.Port
	if workerPort != 0 {
		port = workerPort
	}
	if port == 0 {
		fatalConfig(fmt.Errorf("no port in manifest and no --port flag"))
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = m.ServiceName
	}

	emitter := events.NewEmitter()
	metrics.InstrumentEmitter(emitter)

	rt, err := worker.New(worker.Options{
		Service:   manifestService{name: cfg.ServiceName, defs: defs},
		Config:    cfg,
		HTTPSPort: port,
		WorkerID:  m.WorkerID,
		Emitter:   emitter,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rt.Run(ctx)
}

// manifestService serves each declared capability as an echo endpoint.
// It exists so operators can exercise the fabric end to end before a
// real service is written.
type manifestService struct {
	name string
	defs []types.CapabilityDefinition
}

func (s manifestService) Name() string { return s.name }

func (s manifestService) Capabilities() []types.CapabilityDefinition { return s.defs }

func (s manifestService) RegisterRoutes(mux *http.ServeMux) {
	for _, def := range s.defs {
		def := def
		mux.HandleFunc("/invoke/"+def.ID, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
			if err != nil {
				http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"capability": def.Key(),
				"echo":       string(body),
			})
		})
	}
}
