package identity

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

var errNoCertificate = errors.New("no certificate")

// ExtractIdentity decodes a PKCS#12 container. The returned key always pairs
// with the returned leaf certificate.
func ExtractIdentity(p12 []byte, password string) (*Identity, error) {
	const op = "identity.extract"

	if bytes.HasPrefix(p12, []byte("-----BEGIN")) {
		return nil, signerr.Ef(op, signerr.ErrMalformedContainer, "PEM data needs IdentityFromPEM")
	}

	rawKey, cert, caCerts, err := gop12.DecodeChain(p12, password)
	if err != nil {
		return nil, classifyP12Error(op, err)
	}

	key, ok := NewPrivateKey(rawKey)
	if !ok {
		return nil, signerr.Ef(op, signerr.ErrNoKeyPairFound, "unsupported key type %T", rawKey)
	}
	if !key.Matches(cert) {
		key.Release()
		return nil, signerr.Ef(op, signerr.ErrNoKeyPairFound, "private key does not match %q", cert.Subject.CommonName)
	}

	id, err := New(key, append([]*x509.Certificate{cert}, caCerts...))
	if err != nil {
		key.Release()
		return nil, signerr.Wrap(op, err)
	}
	return id, nil
}

func classifyP12Error(op string, err error) error {
	if errors.Is(err, gop12.ErrIncorrectPassword) {
		return signerr.E(op, signerr.ErrInvalidPassword, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "private key missing") || strings.Contains(msg, "certificate missing") {
		return signerr.E(op, signerr.ErrNoKeyPairFound, err)
	}
	return signerr.E(op, signerr.ErrMalformedContainer, err)
}

// IdentityFromPEM pairs a PEM private key with whichever candidate
// certificate matches it. Candidates usually come from a provisioning
// profile.
func IdentityFromPEM(keyPEM []byte, candidates []*x509.Certificate) (*Identity, error) {
	const op = "identity.pem"

	rawKey, err := parsePEMKey(keyPEM)
	if err != nil {
		return nil, signerr.E(op, signerr.ErrMalformedContainer, err)
	}
	key, ok := NewPrivateKey(rawKey)
	if !ok {
		return nil, signerr.Ef(op, signerr.ErrNoKeyPairFound, "unsupported key type %T", rawKey)
	}

	for _, cert := range candidates {
		if key.Matches(cert) {
			id, err := New(key, []*x509.Certificate{cert})
			if err != nil {
				key.Release()
				return nil, signerr.Wrap(op, err)
			}
			return id, nil
		}
	}
	key.Release()
	return nil, signerr.Ef(op, signerr.ErrNoKeyPairFound, "none of %d certificates match the key", len(candidates))
}

func parsePEMKey(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("unsupported PEM type %s", block.Type)
}
