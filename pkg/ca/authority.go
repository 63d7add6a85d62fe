package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
	"github.com/crankbird/crank-platform/pkg/security"
)

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Leaf certificate validity: 90 days
	leafValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived, high security)
	rootKeyBits = 4096
	// Server pair key size: 2048 bits (shorter-lived, faster)
	serverKeyBits = 2048
)

// CSRError rejects a malformed or mis-signed certificate request. The
// HTTP layer maps it to 400.
type CSRError struct {
	Reason string
	Err    error
}

func (e *CSRError) Error() string {
	return fmt.Sprintf("invalid CSR: %s", e.Reason)
}

func (e *CSRError) Unwrap() error { return e.Err }

// Authority is the fleet certificate authority. It holds the root key
// in memory, persists it in the store, and signs worker CSRs into
// 90-day leaves. The private keys of the workers never pass through it;
// it only ever sees public-key signing requests.
type Authority struct {
	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	store    *Store
	logger   zerolog.Logger
}

// LoadOrCreateAuthority restores the authority from the store, or
// generates and persists a fresh self-signed root when the store is
// empty.
func LoadOrCreateAuthority(store *Store) (*Authority, error) {
	a := &Authority{
		store:  store,
		logger: log.WithComponent("ca"),
	}

	certDER, keyDER, err := store.LoadRoot()
	switch {
	case err == nil:
		if a.rootCert, err = x509.ParseCertificate(certDER); err != nil {
			return nil, fmt.Errorf("parsing stored root certificate: %w", err)
		}
		if a.rootKey, err = x509.ParsePKCS1PrivateKey(keyDER); err != nil {
			return nil, fmt.Errorf("parsing stored root key: %w", err)
		}
		a.logger.Info().
			Str("subject", a.rootCert.Subject.CommonName).
			Time("not_after", a.rootCert.NotAfter).
			Msg("Root CA loaded from store")
	case errors.Is(err, ErrRootNotFound):
		if err := a.initialize(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("loading root CA: %w", err)
	}
	return a, nil
}

// initialize generates the self-signed root and persists it.
func (a *Authority) initialize() error {
	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Crank Platform"},
			CommonName:   "Crank Platform Root CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	if err := a.store.SaveRoot(certDER, x509.MarshalPKCS1PrivateKey(rootKey)); err != nil {
		return fmt.Errorf("persisting root CA: %w", err)
	}

	a.rootCert = rootCert
	a.rootKey = rootKey
	a.logger.Info().
		Str("subject", rootCert.Subject.CommonName).
		Time("not_after", rootCert.NotAfter).
		Msg("Root CA generated")
	return nil
}

// CACertificatePEM returns the root certificate in PEM form.
func (a *Authority) CACertificatePEM() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootCert.Raw})
}

// SignCSR verifies a PEM-encoded certificate request and issues a
// 90-day leaf honoring its subject and SANs. The leaf carries client
// and server auth EKUs so one identity serves both directions of the
// fleet's mTLS.
func (a *Authority) SignCSR(csrPEM []byte, serviceName string) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, &CSRError{Reason: "no CERTIFICATE REQUEST block found"}
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, &CSRError{Reason: "unparseable request", Err: err}
	}
	// Proves the requester holds the private key for the public key it
	// wants certified.
	if err := csr.CheckSignature(); err != nil {
		return nil, &CSRError{Reason: "signature check failed", Err: err}
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		BasicConstraintsValid: true,
	}

	a.mu.RLock()
	certDER, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, csr.PublicKey, a.rootKey)
	a.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	rec := IssuedCertificate{
		Serial:      serial.String(),
		ServiceName: serviceName,
		CommonName:  csr.Subject.CommonName,
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
		IssuedAt:    now,
	}
	if err := a.store.RecordIssued(rec); err != nil {
		return nil, fmt.Errorf("recording issuance: %w", err)
	}

	metrics.CertificatesIssuedTotal.Inc()
	a.logger.Info().
		Str("service_name", serviceName).
		Str("common_name", csr.Subject.CommonName).
		Str("serial", rec.Serial).
		Time("not_after", rec.NotAfter).
		Msg("Certificate issued")

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}

// IssueServerPair mints a server certificate and key signed by the
// root, used for the CA's own HTTPS listener. Unlike worker identities
// this key is generated here, since the CA is issuing to itself.
func (a *Authority) IssueServerPair(commonName string, sans []string, ips []net.IP) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, serverKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating server key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Crank Platform"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              sans,
		IPAddresses:           ips,
		BasicConstraintsValid: true,
	}

	a.mu.RLock()
	certDER, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &key.PublicKey, a.rootKey)
	a.mu.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("signing server certificate: %w", err)
	}

	rec := IssuedCertificate{
		Serial:      serial.String(),
		ServiceName: commonName,
		CommonName:  commonName,
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
		IssuedAt:    now,
	}
	if err := a.store.RecordIssued(rec); err != nil {
		return nil, nil, fmt.Errorf("recording issuance: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return certPEM, security.EncodePrivateKeyPEM(key), nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}
