package engine

import (
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aluedeke/go-ipasign/internal/metrics"
	"github.com/aluedeke/go-ipasign/internal/testpki"
	"github.com/aluedeke/go-ipasign/pkg/annual"
	"github.com/aluedeke/go-ipasign/pkg/codesign"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
	"github.com/aluedeke/go-ipasign/pkg/weekly"
)

type pki struct {
	ca      *testpki.CA
	p12     []byte
	profile []byte
}

func newPKI(t *testing.T, appID string) *pki {
	t.Helper()
	ca := testpki.NewCA(t)
	cert, key := ca.Leaf(t, testpki.LeafOptions{})
	return &pki{
		ca:      ca,
		p12:     ca.P12(t, key, cert, "secret"),
		profile: testpki.Profile(t, testpki.ProfileOptions{AppID: appID, Certificates: []*x509.Certificate{cert}}),
	}
}

// stubSource hands out fixed credentials and records the calls it gets.
type stubSource struct {
	p          *pki
	resolveErr error
	commitErr  error

	resolved  []codesign.Target
	committed []codesign.Target
	aborted   []codesign.Target
	last      *codesign.Credentials
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Resolve(_ context.Context, target codesign.Target) (*codesign.Credentials, error) {
	s.resolved = append(s.resolved, target)
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	id, err := identity.ExtractIdentity(s.p.p12, "secret")
	if err != nil {
		return nil, err
	}
	profile, err := provision.Parse(s.p.profile)
	if err != nil {
		return nil, err
	}
	s.last = &codesign.Credentials{Identity: id, Profile: profile, BundleID: target.EffectiveBundleID()}
	return s.last, nil
}

func (s *stubSource) Commit(_ context.Context, target codesign.Target, _ *codesign.Credentials) error {
	s.committed = append(s.committed, target)
	return s.commitErr
}

func (s *stubSource) Abort(_ context.Context, target codesign.Target, _ *codesign.Credentials) {
	s.aborted = append(s.aborted, target)
}

func writeApp(t *testing.T, bundleID string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(p, testpki.Zip(t, testpki.App(t, "Demo", bundleID)), 0o644))
	return p
}

func TestSignRunsSourceAroundPipeline(t *testing.T) {
	m := metrics.New()
	e := New(WithMetrics(m))
	src := &stubSource{p: newPKI(t, "*")}
	in := writeApp(t, "com.example.demo")

	res, err := e.Sign(context.Background(), src, Request{InputPath: in, NewBundleID: "com.example.renamed"})
	require.NoError(t, err)

	require.Len(t, src.resolved, 1)
	assert.Equal(t, codesign.Target{ArchivePath: in, BundleID: "com.example.demo", NewBundleID: "com.example.renamed"}, src.resolved[0])
	assert.Equal(t, src.resolved, src.committed)
	assert.Empty(t, src.aborted)
	assert.Equal(t, "com.example.renamed", res.BundleID)
	assert.FileExists(t, res.OutputPath)
	assert.Nil(t, src.last.Identity.Key.Signer(), "identity released")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Signings.WithLabelValues("stub", "ok")))
	assert.Equal(t, float64(len(res.Signed)), testutil.ToFloat64(m.SignedBinaries))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SigningSeconds))
}

func TestSignResolveFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := metrics.New()
	e := New(WithMetrics(m), WithLogger(zap.New(core)))
	src := &stubSource{p: newPKI(t, "*"), resolveErr: signerr.Ef("stub.resolve", signerr.ErrExpired, "profile expired")}
	in := writeApp(t, "com.example.demo")

	_, err := e.Sign(context.Background(), src, Request{InputPath: in})
	require.Error(t, err)
	assert.ErrorIs(t, err, signerr.ErrExpired)
	assert.Empty(t, src.committed)
	assert.Empty(t, src.aborted, "nothing to abort when Resolve fails")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(in), "app-signed.ipa"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Signings.WithLabelValues("stub", "TrustError")))
	entries := logs.FilterMessage("signing refused").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "stub.resolve", entries[0].ContextMap()["op"])
}

func TestSignInternalErrorsLogAtErrorLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := New(WithLogger(zap.New(core)))
	src := &stubSource{p: newPKI(t, "*"), resolveErr: errors.New("boom")}

	_, err := e.Sign(context.Background(), src, Request{InputPath: writeApp(t, "com.example.demo")})
	require.Error(t, err)
	entries := logs.FilterMessage("signing failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}

func TestSignFailureAbortsSource(t *testing.T) {
	e := New()
	src := &stubSource{p: newPKI(t, "*")}
	in := writeApp(t, "com.example.demo")
	out := filepath.Join(t.TempDir(), "missing", "out.ipa")

	_, err := e.Sign(context.Background(), src, Request{InputPath: in, OutputPath: out})
	require.Error(t, err)
	require.Len(t, src.aborted, 1)
	assert.Equal(t, "com.example.demo", src.aborted[0].BundleID)
	assert.Empty(t, src.committed)
	assert.Nil(t, src.last.Identity.Key.Signer(), "identity released")
}

func TestSignCommitFailureKeepsResult(t *testing.T) {
	e := New()
	src := &stubSource{p: newPKI(t, "*"), commitErr: errors.New("tracker unavailable")}

	res, err := e.Sign(context.Background(), src, Request{InputPath: writeApp(t, "com.example.demo")})
	require.NoError(t, err)
	assert.FileExists(t, res.OutputPath)
}

func TestSignBadArchive(t *testing.T) {
	e := New()
	src := &stubSource{p: newPKI(t, "*")}
	bad := filepath.Join(t.TempDir(), "bad.ipa")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o644))

	_, err := e.Sign(context.Background(), src, Request{InputPath: bad})
	assert.ErrorIs(t, err, signerr.ErrMalformedArchive)
	assert.Empty(t, src.resolved, "archive read before resolving")
}

func TestSignAnnual(t *testing.T) {
	p := newPKI(t, "com.example.*")
	m := metrics.New()
	e := New(WithMetrics(m), WithTrust(identity.ChainOptions{Roots: p.ca.Pool()}))
	in := writeApp(t, "com.example.demo")

	res, err := e.SignAnnual(context.Background(), annual.Request{
		InputPath:   in,
		Credentials: annual.Credentials{P12: p.p12, Password: "secret", Profile: p.profile},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(in), "app-signed.ipa"), res.OutputPath)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Signings.WithLabelValues("annual", "ok")))

	_, err = e.SignAnnual(context.Background(), annual.Request{
		InputPath:   in,
		NewBundleID: "org.other.app",
		Credentials: annual.Credentials{P12: p.p12, Password: "secret", Profile: p.profile},
	})
	assert.ErrorIs(t, err, signerr.ErrBundleIDNotAuthorized)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Signings.WithLabelValues("annual", "TrustError")))
}

func TestCapabilities(t *testing.T) {
	e := New()
	assert.False(t, e.HasWeekly())
	assert.Equal(t, []Capability{Annual}, e.Capabilities())
	assert.Nil(t, e.WeeklyFlow())

	m := metrics.New()
	e = New(WithMetrics(m))
	_, err := e.SignWeekly(context.Background(), weekly.Request{InputPath: "app.ipa"})
	require.Error(t, err)
	assert.ErrorIs(t, err, signerr.ErrWeeklyUnavailable)
	assert.Equal(t, signerr.InputValidation, signerr.KindOf(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Signings.WithLabelValues("weekly", "InputValidationError")))

	flow := weekly.New(nil, nil, "00008030-001A2D3E1E88802E")
	e = New(WithWeekly(flow))
	assert.True(t, e.HasWeekly())
	assert.Equal(t, []Capability{Annual, Weekly}, e.Capabilities())
	assert.Same(t, flow, e.WeeklyFlow())
}
