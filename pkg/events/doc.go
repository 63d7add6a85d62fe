// Package events emits the certificate lifecycle events (CSR_GENERATED,
// CERT_ISSUED, CA_UNAVAILABLE, ...) as structured log records and
// dispatches them to registered handlers. Every event carries a
// correlation id tying one bootstrap or renewal run together.
package events
