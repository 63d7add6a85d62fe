package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/ca"
	"github.com/crankbird/crank-platform/pkg/events"
)

// waitForCA polls GET /health once per second until the CA answers
// healthy or the wait budget runs out.
func waitForCA(ctx context.Context, client *ca.Client, o Options, logger zerolog.Logger) error {
	deadline := time.Now().Add(o.WaitTimeout)
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = client.Health(ctx); lastErr == nil {
			return nil
		}
		logger.Debug().Err(lastErr).Msg("CA not ready yet")

		if time.Now().After(deadline) {
			o.Emitter.EmitLevel(zerolog.ErrorLevel, events.KindCAUnavailable, o.WorkerID, o.CorrelationID, map[string]string{
				"error":        lastErr.Error(),
				"wait_timeout": o.WaitTimeout.String(),
			})
			return fmt.Errorf("CA did not become healthy within %s: %w", o.WaitTimeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchCACertificate retrieves the CA certificate with retries.
func fetchCACertificate(ctx context.Context, client *ca.Client, o Options, logger zerolog.Logger) ([]byte, error) {
	var caPEM []byte
	err := o.retryNetworkStep(ctx, logger, "fetch_ca_certificate", func() error {
		var err error
		caPEM, err = client.FetchCACertificate(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return caPEM, nil
}

// submitCSR posts the CSR with retries. A rejection by the CA is
// terminal and emits CSR_FAILED; only transport errors retry.
func submitCSR(ctx context.Context, client *ca.Client, csrPEM []byte, o Options, logger zerolog.Logger) ([]byte, error) {
	o.Emitter.Emit(events.KindCSRSubmitted, o.WorkerID, o.CorrelationID, nil)

	var certPEM []byte
	err := o.retryNetworkStep(ctx, logger, "submit_csr", func() error {
		var err error
		certPEM, err = client.SubmitCSR(ctx, csrPEM, o.WorkerID)
		var rej *ca.RejectionError
		if errors.As(err, &rej) {
			// The CA understood the request and said no.
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		o.emitFailure(phaseCSRSubmission, err)
		return nil, err
	}
	return certPEM, nil
}

// retryNetworkStep runs fn with exponential backoff (1, 2, 4, 8, 16 s,
// capped at 16) for up to retryMaxAttempts retries. Every failed
// attempt emits CA_UNAVAILABLE with attempt metadata.
func (o Options) retryNetworkStep(ctx context.Context, logger zerolog.Logger, step string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retryInitialInterval
	exp.Multiplier = 2
	exp.MaxInterval = retryMaxInterval
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0

	attempt := 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		attempt++
		o.Emitter.EmitLevel(zerolog.WarnLevel, events.KindCAUnavailable, o.WorkerID, o.CorrelationID, map[string]string{
			"step":         step,
			"attempt":      strconv.Itoa(attempt),
			"max_attempts": strconv.Itoa(retryMaxAttempts + 1),
			"error":        err.Error(),
		})
		logger.Warn().Err(err).Str("step", step).Int("attempt", attempt).Msg("Bootstrap network step failed")
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(exp, retryMaxAttempts), ctx))
}

// emitFailure records a terminal bootstrap failure.
func (o Options) emitFailure(phase string, err error) {
	o.Emitter.EmitLevel(zerolog.ErrorLevel, events.KindCSRFailed, o.WorkerID, o.CorrelationID, map[string]string{
		"phase": phase,
		"error": err.Error(),
	})
}
