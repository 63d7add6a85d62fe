package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// Fixed file names inside the certificate directory. The bootstrap
// writes them and every mTLS factory reads them, so no component needs
// to pass paths around.
const (
	ClientCertFile   = "client.crt"
	ClientKeyFile    = "client.key"
	CACertFile       = "ca.crt"
	PlatformCertFile = "platform.crt"
	PlatformKeyFile  = "platform.key"
)

const (
	defaultCertDir  = "/etc/certs"
	fallbackCertDir = ".crank/certs"
)

// Config locates the certificate material for one component. It is
// constructed once at startup and passed explicitly to everything that
// needs TLS; there is no global certificate state.
type Config struct {
	CertDir  string
	WorkerID string
}

// NewConfig builds a Config, resolving the certificate directory when
// the caller leaves it empty.
func NewConfig(certDir, workerID string) Config {
	if certDir == "" {
		certDir = ResolveCertDir()
	}
	return Config{CertDir: certDir, WorkerID: workerID}
}

// ClientCertPath returns the path of the mTLS client certificate.
func (c Config) ClientCertPath() string { return filepath.Join(c.CertDir, ClientCertFile) }

// ClientKeyPath returns the path of the mTLS client private key.
func (c Config) ClientKeyPath() string { return filepath.Join(c.CertDir, ClientKeyFile) }

// CACertPath returns the path of the fleet CA certificate.
func (c Config) CACertPath() string { return filepath.Join(c.CertDir, CACertFile) }

// PlatformCertPath returns the path of the optional server-facing
// certificate used when a component wants a distinct server identity.
func (c Config) PlatformCertPath() string { return filepath.Join(c.CertDir, PlatformCertFile) }

// PlatformKeyPath returns the path of the optional server-facing key.
func (c Config) PlatformKeyPath() string { return filepath.Join(c.CertDir, PlatformKeyFile) }

// HasBundle reports whether all three bundle files exist on disk.
func (c Config) HasBundle() bool {
	for _, path := range []string{c.ClientCertPath(), c.ClientKeyPath(), c.CACertPath()} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// ResolveCertDir picks the certificate directory: the CERT_DIR
// environment variable when set, otherwise /etc/certs, falling back to
// ~/.crank/certs when /etc/certs is not writable and the process is not
// running in a container (where /etc/certs is expected to be mounted).
func ResolveCertDir() string {
	if dir := os.Getenv("CERT_DIR"); dir != "" {
		return dir
	}
	if dirWritable(defaultCertDir) || runningInContainer() {
		return defaultCertDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultCertDir
	}
	return filepath.Join(home, fallbackCertDir)
}

// dirWritable reports whether dir exists (or can be created) and allows
// writes, probed with a throwaway file.
func dirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, fmt.Sprintf(".probe-%d", os.Getpid()))
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
