package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment keys understood by the crank binaries.
const (
	EnvControllerURL       = "CONTROLLER_URL"
	EnvControllerHTTPSPort = "CONTROLLER_HTTPS_PORT"
	EnvControllerStateFile = "CONTROLLER_STATE_FILE"
	EnvHeartbeatTimeout    = "CONTROLLER_HEARTBEAT_TIMEOUT"
	EnvHeartbeatInterval   = "WORKER_HEARTBEAT_INTERVAL"
	EnvCAServiceURL        = "CA_SERVICE_URL"
	EnvCAHTTPSPort         = "CA_HTTPS_PORT"
	EnvCAStateFile         = "CA_STATE_FILE"
	EnvCertDir             = "CERT_DIR"
	EnvServiceName         = "SERVICE_NAME"
	EnvAuthToken           = "PLATFORM_AUTH_TOKEN"
)

// Defaults applied when the environment does not override them.
const (
	DefaultControllerPort   = 9000
	DefaultStateFile        = "state/controller/registry.jsonl"
	DefaultHeartbeatTimeout = 120 * time.Second
	DefaultHeartbeatEvery   = 20 * time.Second
	DefaultCAServiceURL     = "https://ca-service:8443"
	DefaultCAPort           = 8443
	DefaultCAStateFile      = "state/ca/authority.db"
)

// Controller holds the node controller configuration.
type Controller struct {
	HTTPSPort        int
	StateFile        string
	HeartbeatTimeout time.Duration
	CAServiceURL     string
	CertDir          string
	ServiceName      string
	AuthToken        string
}

// ControllerFromEnv resolves controller configuration from the environment.
func ControllerFromEnv() (Controller, error) {
	port, err := envInt(EnvControllerHTTPSPort, DefaultControllerPort)
	if err != nil {
		return Controller{}, err
	}
	timeout, err := envSeconds(EnvHeartbeatTimeout, DefaultHeartbeatTimeout)
	if err != nil {
		return Controller{}, err
	}
	return Controller{
		HTTPSPort:        port,
		StateFile:        envString(EnvControllerStateFile, DefaultStateFile),
		HeartbeatTimeout: timeout,
		CAServiceURL:     envString(EnvCAServiceURL, DefaultCAServiceURL),
		CertDir:          os.Getenv(EnvCertDir),
		ServiceName:      envString(EnvServiceName, "crank-controller"),
		AuthToken:        os.Getenv(EnvAuthToken),
	}, nil
}

// Worker holds the worker runtime configuration. An empty ControllerURL
// means the worker runs standalone without registration or heartbeats.
type Worker struct {
	ControllerURL     string
	HeartbeatInterval time.Duration
	CAServiceURL      string
	CertDir           string
	ServiceName       string
	AuthToken         string
}

// WorkerFromEnv resolves worker configuration from the environment.
func WorkerFromEnv() (Worker, error) {
	interval, err := envSeconds(EnvHeartbeatInterval, DefaultHeartbeatEvery)
	if err != nil {
		return Worker{}, err
	}
	return Worker{
		ControllerURL:     os.Getenv(EnvControllerURL),
		HeartbeatInterval: interval,
		CAServiceURL:      envString(EnvCAServiceURL, DefaultCAServiceURL),
		CertDir:           os.Getenv(EnvCertDir),
		ServiceName:       os.Getenv(EnvServiceName),
		AuthToken:         os.Getenv(EnvAuthToken),
	}, nil
}

// CA holds the certificate authority service configuration.
type CA struct {
	HTTPSPort int
	StateFile string
	CertDir   string
	Provider  string
}

// CAFromEnv resolves CA service configuration from the environment.
func CAFromEnv() (CA, error) {
	port, err := envInt(EnvCAHTTPSPort, DefaultCAPort)
	if err != nil {
		return CA{}, err
	}
	return CA{
		HTTPSPort: port,
		StateFile: envString(EnvCAStateFile, DefaultCAStateFile),
		CertDir:   os.Getenv(EnvCertDir),
		Provider:  "crank-internal-ca",
	}, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return n, nil
}

// envSeconds parses an integer number of seconds.
func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
