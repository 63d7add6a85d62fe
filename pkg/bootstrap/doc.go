/*
Package bootstrap implements the zero-trust certificate provisioning
flow every fleet component runs at startup.

The protocol, in order: wait for the CA service to report healthy,
fetch its certificate (the single call allowed to skip verification,
since no trust exists yet), generate a local RSA key pair and CSR,
submit the CSR over a connection pinned to the just-fetched CA
certificate, and persist the resulting {cert, key, ca} bundle
atomically under the fixed file names with the key at mode 0600.

The private key is generated in-process and never transmitted: the CA
only ever sees the signing request.

Each network step retries with exponential backoff (1 to 16 seconds,
three retries), emitting CA_UNAVAILABLE per failed attempt. A CSR the
CA rejects outright is terminal and emits CSR_FAILED with phase
csr_submission; any other terminal failure emits CSR_FAILED with phase
bootstrap_other. The happy path emits CSR_GENERATED, CSR_SUBMITTED and
then exactly one CERT_ISSUED, all sharing a correlation id.

RSA-4096 generation takes seconds of CPU, so components call Initialize
before binding their listener instead of concurrently with traffic.
*/
package bootstrap
