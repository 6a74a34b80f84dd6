// Package annual signs archives with a long-lived developer certificate:
// a PKCS#12 identity plus the provisioning profile that lists it.
//
// Everything is checked before any file is touched. A mismatched profile,
// an expired profile or an untrusted chain fails Resolve and leaves the
// input archive alone.
package annual

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/pkg/codesign"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// Credentials are the secrets an annual signing starts from. Either P12 or
// KeyPEM must be set. With KeyPEM the certificate is taken from the
// profile.
type Credentials struct {
	P12      []byte
	Password string
	KeyPEM   []byte
	Profile  []byte
}

// Flow resolves annual credentials into a signing identity.
type Flow struct {
	creds Credentials
	trust identity.ChainOptions
	log   *zap.Logger
	now   func() time.Time
}

// Option configures a Flow.
type Option func(*Flow)

// WithTrust sets the chain validation options. The zero value validates
// against the embedded Apple roots without revocation checks.
func WithTrust(opts identity.ChainOptions) Option {
	return func(f *Flow) { f.trust = opts }
}

// WithLogger sets the flow's logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Flow) { f.log = logging.OrNop(l) }
}

// WithClock overrides the time used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// New returns a Flow bound to creds.
func New(creds Credentials, opts ...Option) *Flow {
	f := &Flow{creds: creds, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Name identifies the flow in logs and metrics.
func (f *Flow) Name() string { return "annual" }

// Resolve checks the credentials against target and returns them ready for
// signing. The caller releases the returned identity.
func (f *Flow) Resolve(ctx context.Context, target codesign.Target) (*codesign.Credentials, error) {
	const op = "annual.resolve"
	log := logging.From(ctx, f.log).With(zap.String("flow", f.Name()))

	profile, err := provision.Parse(f.creds.Profile)
	if err != nil {
		return nil, signerr.Wrap(op, err)
	}

	id, err := f.extractIdentity(profile)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			id.Release()
		}
	}()

	now := f.now()
	if profile.IsExpired(now) {
		return nil, signerr.Ef(op, signerr.ErrExpired, "profile %q expired on %s", profile.Name, profile.ExpirationDate.Format(time.RFC3339))
	}
	if !profile.ContainsCertificate(id.Certificate) {
		return nil, signerr.Ef(op, signerr.ErrProfileCertificateMismatch, "certificate %q is not listed in profile %q", id.CommonName(), profile.Name)
	}
	if team := profile.TeamID(); id.TeamID != "" && team != "" && team != id.TeamID {
		return nil, signerr.Ef(op, signerr.ErrProfileCertificateMismatch, "certificate team %s does not match profile team %s", id.TeamID, team)
	}

	bundleID := target.EffectiveBundleID()
	if !profile.MatchesBundleID(bundleID) {
		return nil, signerr.Ef(op, signerr.ErrBundleIDNotAuthorized, "%s is not covered by %s", bundleID, profile.ApplicationIdentifier())
	}

	trust := f.trust
	if trust.Now == nil {
		trust.Now = f.now
	}
	if trust.Logger == nil {
		trust.Logger = log
	}
	if err := identity.ValidateChain(ctx, id.Certificate, id.Chain, trust); err != nil {
		return nil, err
	}

	if id.Type == identity.CertDistribution && profile.ProvisionsAllDevices {
		id.Type = identity.CertEnterprise
	}
	log.Info("credentials resolved",
		zap.String("certificate", id.CommonName()),
		zap.Stringer("type", id.Type),
		zap.String("team", id.TeamID),
		zap.String("profile", profile.Name),
		zap.Time("profile_expires", profile.ExpirationDate),
		zap.String("bundle_id", bundleID))

	ok = true
	return &codesign.Credentials{Identity: id, Profile: profile, BundleID: bundleID}, nil
}

func (f *Flow) extractIdentity(profile *provision.Profile) (*identity.Identity, error) {
	switch {
	case len(f.creds.P12) > 0:
		return identity.ExtractIdentity(f.creds.P12, f.creds.Password)
	case len(f.creds.KeyPEM) > 0:
		certs, err := profile.Certificates()
		if err != nil {
			return nil, signerr.E("annual.resolve", signerr.ErrMalformedProfile, err)
		}
		return identity.IdentityFromPEM(f.creds.KeyPEM, certs)
	}
	return nil, signerr.Ef("annual.resolve", signerr.ErrMalformedContainer, "no certificate or private key provided")
}

// Commit is a no-op: annual credentials carry no quota.
func (f *Flow) Commit(context.Context, codesign.Target, *codesign.Credentials) error {
	return nil
}

// Abort does nothing; annual signing holds no account state.
func (f *Flow) Abort(context.Context, codesign.Target, *codesign.Credentials) {}

// Request is one annual signing.
type Request struct {
	InputPath string
	// OutputPath defaults to <stem>-signed.ipa next to the input.
	OutputPath  string
	NewBundleID string
	Credentials Credentials

	LegacySHA1 bool
	WorkDir    string
}

// Sign resolves req.Credentials for the archive and signs it.
func Sign(ctx context.Context, req Request, opts ...Option) (*codesign.Result, error) {
	f := New(req.Credentials, opts...)

	info, err := codesign.ReadArchiveInfo(req.InputPath)
	if err != nil {
		return nil, err
	}
	target := codesign.Target{ArchivePath: req.InputPath, BundleID: info.BundleID, NewBundleID: req.NewBundleID}

	creds, err := f.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	defer creds.Identity.Release()

	res, err := codesign.SignArchive(ctx, codesign.Request{
		InputPath:   req.InputPath,
		OutputPath:  req.OutputPath,
		NewBundleID: req.NewBundleID,
		Credentials: creds,
		LegacySHA1:  req.LegacySHA1,
		WorkDir:     req.WorkDir,
		Logger:      f.log,
	})
	if err != nil {
		return res, fmt.Errorf("sign %s: %w", req.InputPath, err)
	}
	return res, nil
}
