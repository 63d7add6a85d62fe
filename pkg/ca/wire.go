package ca

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// CACertificateResponse is the body of GET /ca/certificate.
type CACertificateResponse struct {
	CACertificate string `json:"ca_certificate"`
}

// CSRRequest is the body of POST /certificates/csr.
type CSRRequest struct {
	CSR         string `json:"csr"`
	ServiceName string `json:"service_name"`
}

// CSRResponse is the body of a successful POST /certificates/csr.
type CSRResponse struct {
	Certificate string `json:"certificate"`
}
