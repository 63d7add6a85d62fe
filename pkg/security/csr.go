package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
)

// DefaultKeyBits is the RSA key size used for fleet identities. Tests
// pass a smaller size; production never should.
const DefaultKeyBits = 4096

// CSR subject constants shared by every fleet component.
const (
	subjectOrganization = "Crank Platform"
	subjectOrgUnit      = "Worker Services"
)

var (
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
)

// GenerateKey creates the component's RSA private key. The key is
// created in-process and must never be transmitted; callers persist it
// locally with mode 0600 and nothing else touches it.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA-%d key: %w", bits, err)
	}
	return key, nil
}

// BuildCSR creates a PEM-encoded certificate signing request for
// workerID. The subject is CN={workerID}, O=Crank Platform, OU=Worker
// Services; SANs always include the worker id and localhost plus any
// caller-supplied additions. The request carries basicConstraints
// CA:FALSE and keyUsage digitalSignature+nonRepudiation+keyEncipherment
// so the CA signs exactly what the fleet policy expects.
func BuildCSR(key *rsa.PrivateKey, workerID string, extraSANs []string) ([]byte, error) {
	if workerID == "" {
		return nil, fmt.Errorf("building CSR: worker id must not be empty")
	}

	sans := []string{workerID, "localhost"}
	for _, san := range extraSANs {
		if san != "" && san != workerID && san != "localhost" {
			sans = append(sans, san)
		}
	}

	extensions, err := csrExtensions()
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         workerID,
			Organization:       []string{subjectOrganization},
			OrganizationalUnit: []string{subjectOrgUnit},
		},
		DNSNames:        sans,
		ExtraExtensions: extensions,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// csrExtensions encodes the basicConstraints and keyUsage extensions
// the bootstrap protocol requires on every CSR.
func csrExtensions() ([]pkix.Extension, error) {
	// basicConstraints with cA defaulted to FALSE is an empty SEQUENCE.
	basic, err := asn1.Marshal(struct{}{})
	if err != nil {
		return nil, fmt.Errorf("encoding basicConstraints: %w", err)
	}

	// Bits: digitalSignature(0), nonRepudiation(1), keyEncipherment(2).
	usage, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0b1110_0000}, BitLength: 3})
	if err != nil {
		return nil, fmt.Errorf("encoding keyUsage: %w", err)
	}

	return []pkix.Extension{
		{Id: oidBasicConstraints, Value: basic},
		{Id: oidKeyUsage, Critical: true, Value: usage},
	}, nil
}

// EncodePrivateKeyPEM serializes an RSA private key as PKCS#1 PEM.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// ParsePrivateKeyPEM parses a PKCS#1 PEM private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("no RSA PRIVATE KEY block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}
