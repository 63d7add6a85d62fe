package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// File modes for the persisted bundle. Only the private key is secret;
// certificates are public material.
const (
	CertFileMode = os.FileMode(0o644)
	KeyFileMode  = os.FileMode(0o600)
)

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// half-written certificate behind.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// SaveBundleFiles persists a freshly issued bundle into the configured
// certificate directory under the fixed file names. Each file is
// written atomically; the key never touches disk with a mode wider
// than 0600.
func SaveBundleFiles(cfg Config, certPEM, keyPEM, caPEM []byte) (*Bundle, error) {
	if err := WriteFileAtomic(cfg.ClientCertPath(), certPEM, CertFileMode); err != nil {
		return nil, fmt.Errorf("persisting client certificate: %w", err)
	}
	if err := WriteFileAtomic(cfg.ClientKeyPath(), keyPEM, KeyFileMode); err != nil {
		return nil, fmt.Errorf("persisting private key: %w", err)
	}
	if err := WriteFileAtomic(cfg.CACertPath(), caPEM, CertFileMode); err != nil {
		return nil, fmt.Errorf("persisting CA certificate: %w", err)
	}
	return &Bundle{
		CertFile: cfg.ClientCertPath(),
		KeyFile:  cfg.ClientKeyPath(),
		CAFile:   cfg.CACertPath(),
		WorkerID: cfg.WorkerID,
	}, nil
}

// SavePlatformPair persists an optional server-facing certificate pair.
func SavePlatformPair(cfg Config, certPEM, keyPEM []byte) error {
	if err := WriteFileAtomic(cfg.PlatformCertPath(), certPEM, CertFileMode); err != nil {
		return fmt.Errorf("persisting platform certificate: %w", err)
	}
	if err := WriteFileAtomic(cfg.PlatformKeyPath(), keyPEM, KeyFileMode); err != nil {
		return fmt.Errorf("persisting platform key: %w", err)
	}
	return nil
}
