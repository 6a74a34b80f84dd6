package identity

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"

	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// ChainOptions controls ValidateChain.
type ChainOptions struct {
	// Roots replaces the embedded Apple root pool.
	Roots *x509.CertPool
	// Intermediates are added to the issuers found in the identity chain.
	Intermediates []*x509.Certificate
	// CheckRevocation queries the OCSP responder of the leaf certificate.
	// Unreachable responders only produce a warning.
	CheckRevocation bool
	HTTPClient      *http.Client
	// Now overrides the verification time.
	Now    func() time.Time
	Logger *zap.Logger
}

// ValidateChain checks that cert chains to a trusted root at the current
// time and, if asked, that it has not been revoked. chain supplies candidate
// intermediates; the leaf may be included.
func ValidateChain(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, opts ChainOptions) error {
	const op = "identity.validate_chain"

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cert == nil {
		return signerr.E(op, signerr.ErrChainUntrusted, errNoCertificate)
	}

	roots := opts.Roots
	if roots == nil {
		var err error
		if roots, err = AppleRoots(); err != nil {
			return signerr.Wrap(op, err)
		}
	}

	inter := x509.NewCertPool()
	for _, c := range chain {
		if !c.Equal(cert) {
			inter.AddCert(c)
		}
	}
	for _, c := range opts.Intermediates {
		inter.AddCert(c)
	}
	if opts.Roots == nil {
		if cas, err := AppleCAs(); err == nil {
			inter.AddCert(cas[0])
		}
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		var cie x509.CertificateInvalidError
		if errors.As(err, &cie) && cie.Reason == x509.Expired {
			return signerr.E(op, signerr.ErrExpired, err)
		}
		return signerr.E(op, signerr.ErrChainUntrusted, err)
	}

	if !opts.CheckRevocation {
		return nil
	}
	if len(chains[0]) < 2 {
		return nil
	}
	issuer := chains[0][1]

	status, err := checkOCSP(ctx, opts.HTTPClient, cert, issuer)
	if err != nil {
		log.Warn("revocation check skipped",
			zap.String("subject", cert.Subject.CommonName),
			zap.Error(err))
		return nil
	}
	if status == ocsp.Revoked {
		return signerr.Ef(op, signerr.ErrRevoked, "%q revoked", cert.Subject.CommonName)
	}
	log.Debug("revocation check passed", zap.String("subject", cert.Subject.CommonName))
	return nil
}

func checkOCSP(ctx context.Context, client *http.Client, cert, issuer *x509.Certificate) (int, error) {
	if len(cert.OCSPServer) == 0 {
		return 0, errors.New("certificate has no OCSP responder")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	reqDER, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return 0, fmt.Errorf("build OCSP request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cert.OCSPServer[0], bytes.NewReader(reqDER))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("OCSP responder returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return 0, fmt.Errorf("parse OCSP response: %w", err)
	}
	return parsed.Status, nil
}
