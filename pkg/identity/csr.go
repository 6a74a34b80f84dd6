package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// NewDevelopmentCSR generates a fresh RSA-2048 key and a PEM certificate
// signing request of the shape Apple expects for development certificates.
func NewDevelopmentCSR() (*PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: "iOS Development",
			Country:    []string{"US"},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	pk, _ := NewPrivateKey(key)
	return pk, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}
