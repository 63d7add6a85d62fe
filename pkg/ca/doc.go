/*
Package ca implements the fleet certificate authority service and its
client.

The Authority holds a self-signed RSA-4096 root (10-year validity) and
signs worker CSRs into 90-day leaves carrying both client and server
auth EKUs, so one identity covers both directions of the fleet's mTLS.
Root material and an audit row per issued certificate are persisted in
a BoltDB store; the root private key never leaves the CA process.

The Server exposes the contract workers bootstrap against:

	GET  /health            → {"status": "healthy", "provider": ...}
	GET  /ca/certificate    → {"ca_certificate": PEM}
	POST /certificates/csr  → {"certificate": PEM}

The CSR endpoint is rate limited per client IP: it is necessarily
unauthenticated (it is the trust bootstrap) and signing is CPU-heavy.
CSR payloads are kept out of the request logs.

The Client side is deliberately thin. It takes its http.Client from the
caller because trust changes mid-bootstrap: first contact runs with
verification disabled, everything after pins the fetched CA
certificate. A CSR the CA refuses surfaces as a RejectionError, which
callers treat as terminal rather than retryable.
*/
package ca
