package identity

import (
	"context"
	"crypto/x509"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/aluedeke/go-ipasign/internal/testpki"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

func TestValidateChainTrusted(t *testing.T) {
	ca := testpki.NewCA(t)
	cert, _ := ca.Leaf(t, testpki.LeafOptions{})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{cert, ca.Intermediate},
		ChainOptions{Roots: ca.Pool()})
	assert.NoError(t, err)
}

func TestValidateChainUntrusted(t *testing.T) {
	ca := testpki.NewCA(t)
	other := testpki.NewCA(t)
	cert, _ := ca.Leaf(t, testpki.LeafOptions{})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{ca.Intermediate},
		ChainOptions{Roots: other.Pool()})
	assert.ErrorIs(t, err, signerr.ErrChainUntrusted)
	assert.Equal(t, signerr.Trust, signerr.KindOf(err))
}

func TestValidateChainDefaultsToAppleRoots(t *testing.T) {
	ca := testpki.NewCA(t)
	cert, _ := ca.Leaf(t, testpki.LeafOptions{})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{ca.Intermediate}, ChainOptions{})
	assert.ErrorIs(t, err, signerr.ErrChainUntrusted)
}

func TestValidateChainExpired(t *testing.T) {
	ca := testpki.NewCA(t)
	cert, _ := ca.Leaf(t, testpki.LeafOptions{
		NotBefore: time.Now().AddDate(-2, 0, 0),
		NotAfter:  time.Now().AddDate(-1, 0, 0),
	})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{ca.Intermediate},
		ChainOptions{Roots: ca.Pool()})
	assert.ErrorIs(t, err, signerr.ErrExpired)
}

func ocspServer(t *testing.T, ca *testpki.CA, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := ocsp.ParseRequest(body)
		require.NoError(t, err)

		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: new(big.Int).Set(req.SerialNumber),
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = time.Now().Add(-time.Minute)
		}
		resp, err := ocsp.CreateResponse(ca.Intermediate, ca.Intermediate, tmpl, ca.InterKey)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
}

func TestValidateChainRevoked(t *testing.T) {
	ca := testpki.NewCA(t)
	srv := ocspServer(t, ca, ocsp.Revoked)
	defer srv.Close()
	cert, _ := ca.Leaf(t, testpki.LeafOptions{OCSPServer: srv.URL})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{ca.Intermediate},
		ChainOptions{Roots: ca.Pool(), CheckRevocation: true, HTTPClient: srv.Client()})
	assert.ErrorIs(t, err, signerr.ErrRevoked)
}

func TestValidateChainGood(t *testing.T) {
	ca := testpki.NewCA(t)
	srv := ocspServer(t, ca, ocsp.Good)
	defer srv.Close()
	cert, _ := ca.Leaf(t, testpki.LeafOptions{OCSPServer: srv.URL})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{ca.Intermediate},
		ChainOptions{Roots: ca.Pool(), CheckRevocation: true, HTTPClient: srv.Client()})
	assert.NoError(t, err)
}

func TestValidateChainOCSPUnreachableIsWarning(t *testing.T) {
	ca := testpki.NewCA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	cert, _ := ca.Leaf(t, testpki.LeafOptions{OCSPServer: srv.URL})

	err := ValidateChain(context.Background(), cert, []*x509.Certificate{ca.Intermediate},
		ChainOptions{Roots: ca.Pool(), CheckRevocation: true, HTTPClient: srv.Client()})
	assert.NoError(t, err)
}

