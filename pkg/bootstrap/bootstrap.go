package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/crankbird/crank-platform/pkg/ca"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/security"
)

// Defaults for the bootstrap protocol's timing knobs.
const (
	DefaultWaitTimeout  = 60 * time.Second
	DefaultHTTPTimeout  = 30 * time.Second
	defaultPollInterval = time.Second

	retryInitialInterval = time.Second
	retryMaxInterval     = 16 * time.Second
	retryMaxAttempts     = 3
)

// Failure phases carried in CSR_FAILED event metadata.
const (
	phaseCSRSubmission  = "csr_submission"
	phaseBootstrapOther = "bootstrap_other"
)

// CertificateInitializationError is the terminal bootstrap failure.
// Components treat it as fatal at startup.
type CertificateInitializationError struct {
	WorkerID string
	Phase    string
	Err      error
}

func (e *CertificateInitializationError) Error() string {
	return fmt.Sprintf("certificate bootstrap failed for %s in phase %s: %v", e.WorkerID, e.Phase, e.Err)
}

func (e *CertificateInitializationError) Unwrap() error { return e.Err }

// Options configures one bootstrap run.
type Options struct {
	CAServiceURL string
	CertDir      string
	WorkerID     string
	ExtraSANs    []string

	// KeyBits defaults to security.DefaultKeyBits (RSA-4096). Tests use
	// smaller keys; production must not.
	KeyBits int

	WaitTimeout time.Duration
	HTTPTimeout time.Duration

	Emitter *events.Emitter

	// CorrelationID ties all bootstrap events together. Generated by
	// the emitter when empty.
	CorrelationID string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.KeyBits == 0 {
		out.KeyBits = security.DefaultKeyBits
	}
	if out.WaitTimeout == 0 {
		out.WaitTimeout = DefaultWaitTimeout
	}
	if out.HTTPTimeout == 0 {
		out.HTTPTimeout = DefaultHTTPTimeout
	}
	if out.Emitter == nil {
		out.Emitter = events.NewEmitter()
	}
	return out
}

// Initialize runs the zero-trust certificate bootstrap: wait for the
// CA, fetch its certificate over the verification-disabled first-contact
// client, generate a local key and CSR, submit the CSR over a client
// pinned to the fetched CA, and persist the bundle. The private key is
// generated here and written straight to disk with mode 0600; it is
// never part of any request.
//
// Key generation is CPU-bound (seconds at RSA-4096), so callers run
// Initialize before binding their listener rather than alongside
// request handling.
func Initialize(ctx context.Context, opts Options) (*security.Bundle, error) {
	o := opts.withDefaults()

	if o.WorkerID == "" {
		return nil, &CertificateInitializationError{Phase: phaseBootstrapOther, Err: errors.New("worker id must not be empty")}
	}
	if o.CAServiceURL == "" {
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: errors.New("CA service URL must not be empty")}
	}

	// Correlate every event and log line from this run under one id.
	if o.CorrelationID == "" {
		o.CorrelationID = uuid.New().String()
	}
	logger := log.WithCorrelationID(o.CorrelationID).With().
		Str("component", "bootstrap").
		Str("worker_id", o.WorkerID).
		Logger()

	bootstrapClient := security.BootstrapHTTPClient(o.HTTPTimeout)
	firstContact := ca.NewClient(o.CAServiceURL, bootstrapClient)

	// Step 1: wait for the CA to come up.
	if err := waitForCA(ctx, firstContact, o, logger); err != nil {
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: err}
	}

	// Step 2: fetch the CA certificate. This is the only call that
	// runs unverified; everything after pins the result.
	caPEM, err := fetchCACertificate(ctx, firstContact, o, logger)
	if err != nil {
		o.emitFailure(phaseBootstrapOther, err)
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: err}
	}

	// Step 3: local key + CSR. The key never leaves this process.
	key, err := security.GenerateKey(o.KeyBits)
	if err != nil {
		o.emitFailure(phaseBootstrapOther, err)
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: err}
	}
	csrPEM, err := security.BuildCSR(key, o.WorkerID, o.ExtraSANs)
	if err != nil {
		o.emitFailure(phaseBootstrapOther, err)
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: err}
	}
	o.Emitter.Emit(events.KindCSRGenerated, o.WorkerID, o.CorrelationID, map[string]string{
		"key_bits": strconv.Itoa(o.KeyBits),
	})

	// Step 4: submit the CSR over a CA-pinned client.
	verifiedClient, err := security.HTTPClientForCA(caPEM, o.HTTPTimeout)
	if err != nil {
		o.emitFailure(phaseBootstrapOther, err)
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: err}
	}
	certPEM, err := submitCSR(ctx, ca.NewClient(o.CAServiceURL, verifiedClient), csrPEM, o, logger)
	if err != nil {
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseCSRSubmission, Err: err}
	}

	// Step 5: persist atomically under the fixed names.
	cfg := security.NewConfig(o.CertDir, o.WorkerID)
	bundle, err := security.SaveBundleFiles(cfg, certPEM, security.EncodePrivateKeyPEM(key), caPEM)
	if err != nil {
		o.emitFailure(phaseBootstrapOther, err)
		return nil, &CertificateInitializationError{WorkerID: o.WorkerID, Phase: phaseBootstrapOther, Err: err}
	}

	// Step 6: done. CERT_ISSUED fires exactly once per successful run.
	o.Emitter.Emit(events.KindCertIssued, o.WorkerID, o.CorrelationID, map[string]string{
		"cert_file": bundle.CertFile,
		"key_file":  bundle.KeyFile,
		"ca_file":   bundle.CAFile,
	})
	logger.Info().Str("cert_dir", cfg.CertDir).Msg("Certificate bundle provisioned")
	return bundle, nil
}
