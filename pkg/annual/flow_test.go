package annual

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-ipasign/internal/testpki"
	"github.com/aluedeke/go-ipasign/pkg/codesign"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

type fixture struct {
	ca    *testpki.CA
	cert  *x509.Certificate
	key   *rsa.PrivateKey
	creds Credentials
	trust identity.ChainOptions
}

func newFixture(t *testing.T, profile testpki.ProfileOptions) *fixture {
	t.Helper()
	ca := testpki.NewCA(t)
	cert, key := ca.Leaf(t, testpki.LeafOptions{})
	if profile.Certificates == nil {
		profile.Certificates = []*x509.Certificate{cert}
	}
	return &fixture{
		ca:   ca,
		cert: cert,
		key:  key,
		creds: Credentials{
			P12:      ca.P12(t, key, cert, "secret"),
			Password: "secret",
			Profile:  testpki.Profile(t, profile),
		},
		trust: identity.ChainOptions{Roots: ca.Pool()},
	}
}

// writeApp writes a test archive named name into a fresh directory.
func writeApp(t *testing.T, name, bundleID string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, testpki.Zip(t, testpki.App(t, "Demo", bundleID)), 0o644))
	return p
}

func target(src, bundleID string) codesign.Target {
	return codesign.Target{ArchivePath: src, BundleID: bundleID}
}

func TestSignScenario(t *testing.T) {
	fx := newFixture(t, testpki.ProfileOptions{AppID: "com.example.*"})
	src := writeApp(t, "app.ipa", "com.example.demo")
	before, err := os.ReadFile(src)
	require.NoError(t, err)

	res, err := Sign(context.Background(), Request{InputPath: src, Credentials: fx.creds}, WithTrust(fx.trust))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(src), "app-signed.ipa"), res.OutputPath)
	assert.Equal(t, "com.example.demo", res.BundleID)
	assert.Equal(t, codesign.StateDone, res.States[len(res.States)-1])
	assert.FileExists(t, res.OutputPath)

	after, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after))

	info, err := codesign.ReadArchiveInfo(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "com.example.demo", info.BundleID)
}

func TestResolveOrder(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		setup func(t *testing.T) (*fixture, codesign.Target)
		code  error
		kind  signerr.Kind
	}{
		{
			name: "malformed profile",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{})
				fx.creds.Profile = []byte("not a profile")
				return fx, target("x.ipa", "com.example.demo")
			},
			code: signerr.ErrMalformedProfile,
			kind: signerr.InputValidation,
		},
		{
			name: "wrong password",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{})
				fx.creds.Password = "wrong"
				return fx, target("x.ipa", "com.example.demo")
			},
			code: signerr.ErrInvalidPassword,
			kind: signerr.Credential,
		},
		{
			name: "expired profile before certificate mismatch",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{
					Certificates: []*x509.Certificate{},
					Created:      now.AddDate(0, 0, -14),
					Expires:      now.AddDate(0, 0, -7),
				})
				return fx, target("x.ipa", "com.example.demo")
			},
			code: signerr.ErrExpired,
			kind: signerr.Trust,
		},
		{
			name: "certificate not in profile",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				other := testpki.NewCA(t)
				otherCert, _ := other.Leaf(t, testpki.LeafOptions{})
				fx := newFixture(t, testpki.ProfileOptions{Certificates: []*x509.Certificate{otherCert}})
				return fx, target("x.ipa", "com.example.demo")
			},
			code: signerr.ErrProfileCertificateMismatch,
			kind: signerr.Trust,
		},
		{
			name: "team mismatch",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{TeamID: "ZZZZZ99999"})
				return fx, target("x.ipa", "com.example.demo")
			},
			code: signerr.ErrProfileCertificateMismatch,
			kind: signerr.Trust,
		},
		{
			name: "bundle id not authorized",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{AppID: "com.example.*"})
				return fx, target("x.ipa", "org.other.app")
			},
			code: signerr.ErrBundleIDNotAuthorized,
			kind: signerr.Trust,
		},
		{
			name: "new bundle id not authorized",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{AppID: "com.example.demo"})
				tg := target("x.ipa", "com.example.demo")
				tg.NewBundleID = "com.example.other"
				return fx, tg
			},
			code: signerr.ErrBundleIDNotAuthorized,
			kind: signerr.Trust,
		},
		{
			name: "untrusted chain",
			setup: func(t *testing.T) (*fixture, codesign.Target) {
				fx := newFixture(t, testpki.ProfileOptions{})
				fx.trust = identity.ChainOptions{Roots: testpki.NewCA(t).Pool()}
				return fx, target("x.ipa", "com.example.demo")
			},
			code: signerr.ErrChainUntrusted,
			kind: signerr.Trust,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx, tg := tc.setup(t)
			creds, err := New(fx.creds, WithTrust(fx.trust)).Resolve(context.Background(), tg)
			require.Error(t, err)
			assert.Nil(t, creds)
			assert.ErrorIs(t, err, tc.code)
			assert.Equal(t, tc.kind, signerr.KindOf(err))
		})
	}
}

func TestMismatchLeavesArchiveUntouched(t *testing.T) {
	other := testpki.NewCA(t)
	otherCert, _ := other.Leaf(t, testpki.LeafOptions{})
	fx := newFixture(t, testpki.ProfileOptions{Certificates: []*x509.Certificate{otherCert}})

	src := writeApp(t, "app.ipa", "com.example.demo")
	before, err := os.ReadFile(src)
	require.NoError(t, err)
	work := t.TempDir()

	_, err = Sign(context.Background(), Request{InputPath: src, Credentials: fx.creds, WorkDir: work}, WithTrust(fx.trust))
	require.ErrorIs(t, err, signerr.ErrProfileCertificateMismatch)

	after, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after))

	entries, err := os.ReadDir(filepath.Dir(src))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no output may be written")
	left, _ := os.ReadDir(work)
	assert.Empty(t, left, "nothing may be unpacked")
}

func TestExpiredProfileFailsBeforeRewrite(t *testing.T) {
	fx := newFixture(t, testpki.ProfileOptions{
		Created: time.Now().AddDate(0, 0, -8),
		Expires: time.Now().AddDate(0, 0, -1),
	})
	src := writeApp(t, "app.ipa", "com.example.demo")
	work := t.TempDir()

	res, err := Sign(context.Background(), Request{InputPath: src, Credentials: fx.creds, WorkDir: work}, WithTrust(fx.trust))
	require.ErrorIs(t, err, signerr.ErrExpired)
	assert.Equal(t, signerr.Trust, signerr.KindOf(err))
	assert.Equal(t, "annual.resolve", signerr.OpOf(err))
	assert.Nil(t, res)

	left, _ := os.ReadDir(work)
	assert.Empty(t, left)
	_, statErr := os.Stat(codesign.DefaultOutputPath(src))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolveWithClock(t *testing.T) {
	fx := newFixture(t, testpki.ProfileOptions{Expires: time.Now().AddDate(0, 1, 0)})
	later := func() time.Time { return time.Now().AddDate(0, 2, 0) }

	_, err := New(fx.creds, WithTrust(fx.trust), WithClock(later)).Resolve(context.Background(), target("x.ipa", "com.example.demo"))
	assert.ErrorIs(t, err, signerr.ErrExpired)
}

func TestResolveEnterprise(t *testing.T) {
	fx := newFixture(t, testpki.ProfileOptions{AllDevices: true})
	creds, err := New(fx.creds, WithTrust(fx.trust)).Resolve(context.Background(), target("x.ipa", "com.example.demo"))
	require.NoError(t, err)
	defer creds.Identity.Release()

	assert.Equal(t, identity.CertEnterprise, creds.Identity.Type)
	assert.Equal(t, testpki.TeamID, creds.Identity.TeamID)
	assert.Equal(t, "com.example.demo", creds.BundleID)
}

func TestResolveFromPEMKey(t *testing.T) {
	fx := newFixture(t, testpki.ProfileOptions{})
	der, err := x509.MarshalPKCS8PrivateKey(fx.key)
	require.NoError(t, err)
	fx.creds.P12 = nil
	fx.creds.KeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	// Only the leaf comes from the profile.
	fx.trust.Intermediates = []*x509.Certificate{fx.ca.Intermediate}

	creds, err := New(fx.creds, WithTrust(fx.trust)).Resolve(context.Background(), target("x.ipa", "com.example.demo"))
	require.NoError(t, err)
	defer creds.Identity.Release()
	assert.True(t, creds.Identity.Certificate.Equal(fx.cert))
}

func TestResolveWithoutKeyMaterial(t *testing.T) {
	fx := newFixture(t, testpki.ProfileOptions{})
	fx.creds.P12 = nil

	_, err := New(fx.creds, WithTrust(fx.trust)).Resolve(context.Background(), target("x.ipa", "com.example.demo"))
	assert.ErrorIs(t, err, signerr.ErrMalformedContainer)
}
