package security

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"runtime"
	"time"
)

// ExpiryWarningThreshold is how close to NotAfter a certificate may get
// before the expiry monitor emits CERT_EXPIRING_SOON.
const ExpiryWarningThreshold = 30 * 24 * time.Hour

// Bundle is the certificate material one component presents to the
// fleet: its signed certificate, its private key, and the CA every peer
// is verified against. All three files must exist on construction.
type Bundle struct {
	CertFile string
	KeyFile  string
	CAFile   string
	WorkerID string
}

// BundleValidationError reports a bundle whose files exist but whose
// contents fail verification. Callers emit CERT_VALIDATION_FAILED on it.
type BundleValidationError struct {
	File   string
	Reason string
	Err    error
}

func (e *BundleValidationError) Error() string {
	return fmt.Sprintf("certificate bundle validation failed for %s: %s", e.File, e.Reason)
}

func (e *BundleValidationError) Unwrap() error { return e.Err }

// LoadBundle loads and verifies the bundle described by cfg. Missing
// files are fatal; so is a leaf certificate that does not chain to the
// CA, an expired leaf, or a private key readable by other users.
func LoadBundle(cfg Config) (*Bundle, error) {
	b := &Bundle{
		CertFile: cfg.ClientCertPath(),
		KeyFile:  cfg.ClientKeyPath(),
		CAFile:   cfg.CACertPath(),
		WorkerID: cfg.WorkerID,
	}

	for _, path := range []string{b.CertFile, b.KeyFile, b.CAFile} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("certificate bundle incomplete: %w", err)
		}
	}
	if err := checkKeyFileMode(b.KeyFile); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate verifies the leaf certificate against the bundle's CA.
func (b *Bundle) Validate() error {
	leaf, err := b.LeafCertificate()
	if err != nil {
		return err
	}
	ca, err := LoadCertificatePEM(b.CAFile)
	if err != nil {
		return &BundleValidationError{File: b.CAFile, Reason: "unreadable CA certificate", Err: err}
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return &BundleValidationError{File: b.CertFile, Reason: "certificate does not verify against CA", Err: err}
	}
	return nil
}

// LeafCertificate parses the bundle's signed certificate.
func (b *Bundle) LeafCertificate() (*x509.Certificate, error) {
	leaf, err := LoadCertificatePEM(b.CertFile)
	if err != nil {
		return nil, &BundleValidationError{File: b.CertFile, Reason: "unreadable certificate", Err: err}
	}
	return leaf, nil
}

// LoadCertificatePEM reads the first CERTIFICATE block from a PEM file.
func LoadCertificatePEM(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", path, err)
	}
	return cert, nil
}

// CertExpiringSoon reports whether the certificate is within the
// warning threshold of its NotAfter.
func CertExpiringSoon(cert *x509.Certificate, now time.Time) bool {
	return cert.NotAfter.Sub(now) < ExpiryWarningThreshold
}

// CertExpired reports whether the certificate is past its NotAfter.
func CertExpired(cert *x509.Certificate, now time.Time) bool {
	return now.After(cert.NotAfter)
}

// checkKeyFileMode rejects private keys readable by group or world.
// Windows has no POSIX modes, so the check is skipped there.
func checkKeyFileMode(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat private key %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return &BundleValidationError{
			File:   path,
			Reason: fmt.Sprintf("private key mode %04o is too permissive, want 0600", mode),
		}
	}
	return nil
}
