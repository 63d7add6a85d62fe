/*
Package security holds the fleet's certificate material and the mTLS
transport factories built on top of it.

Every intra-fleet HTTPS call runs over mutual TLS: the caller presents
its client certificate and verifies the callee against the fleet CA.
The package models that with two values constructed once at startup and
passed explicitly (no global certificate state):

  - Config locates the certificate directory and its fixed file names
    (client.crt, client.key, ca.crt, optional platform.crt/platform.key).
  - Bundle is a loaded and verified {cert, key, ca} triple. It converts
    into server and client tls.Config values and into pinned
    http.Client instances.

# Certificate directory

The directory is resolved in order: the CERT_DIR environment variable,
/etc/certs, then ~/.crank/certs when /etc/certs is unwritable outside a
container. File names are fixed so transports need no path parameters.

	bundle, err := security.LoadBundle(security.NewConfig("", "worker-1"))
	if err != nil {
		// missing or invalid material is fatal at startup
	}
	client, err := bundle.HTTPClient(0)

# Bootstrap clients

Two narrow escapes from full mTLS exist for certificate bootstrap:
BootstrapHTTPClient (verification disabled, first CA contact only) and
HTTPClientForCA (verifies against a CA certificate held in memory,
used between fetching the CA cert and receiving the component's own).

# Key handling

GenerateKey and BuildCSR produce the local RSA key and its signing
request. The private key is created in-process, persisted with mode
0600 via atomic writes (temp file + rename), and never transmitted:
the CA only ever sees the CSR.
*/
package security
