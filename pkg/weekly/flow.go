// Package weekly signs archives with a free Apple ID. Each signing
// registers the bundle id and the device with Apple, requests a fresh
// development certificate and downloads a seven-day team profile.
//
// Free accounts are limited to ten app ids per rolling week and three
// signed apps at a time. QuotaTracker keeps an advisory view of both;
// Apple's answers always win.
package weekly

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/pkg/appleauth"
	"github.com/aluedeke/go-ipasign/pkg/codesign"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// Flow resolves free-account credentials for one device.
type Flow struct {
	sessions    SessionProvider
	services    DeveloperServices
	udid        string
	teamID      string
	deviceName  string
	machineName string
	machineID   string
	quota       *QuotaTracker
	log         *zap.Logger
	now         func() time.Time

	sf singleflight.Group
}

// Option configures a Flow.
type Option func(*Flow)

// WithTeamID selects a team instead of the first one Apple lists.
func WithTeamID(id string) Option {
	return func(f *Flow) { f.teamID = id }
}

// WithDeviceName names the device when it is registered.
func WithDeviceName(name string) Option {
	return func(f *Flow) { f.deviceName = name }
}

// WithQuota shares a tracker between flows for the same account.
func WithQuota(q *QuotaTracker) Option {
	return func(f *Flow) { f.quota = q }
}

// WithLogger sets the flow's logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Flow) { f.log = logging.OrNop(l) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// New returns a Flow signing for the device udid. The UDID is validated by
// Resolve.
func New(sessions SessionProvider, services DeveloperServices, udid string, opts ...Option) *Flow {
	f := &Flow{
		sessions:    sessions,
		services:    services,
		udid:        udid,
		deviceName:  "iOS Device",
		machineName: "go-ipasign",
		machineID:   strings.ToUpper(uuid.NewString()),
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	if f.quota == nil {
		f.quota = NewQuotaTracker(f.now)
	}
	return f
}

// Name identifies the flow in logs and metrics.
func (f *Flow) Name() string { return "weekly" }

// Quota returns the flow's tracker.
func (f *Flow) Quota() *QuotaTracker { return f.quota }

// Resolve registers target's bundle id and the device, issues a development
// certificate and returns it with a matching profile. The caller releases
// the returned identity.
//
// A successful Resolve holds one of the account's concurrent app slots
// until Commit or Abort.
func (f *Flow) Resolve(ctx context.Context, target codesign.Target) (*codesign.Credentials, error) {
	const op = "weekly.resolve"
	bundleID := target.EffectiveBundleID()
	log := logging.From(ctx, f.log).With(zap.String("flow", f.Name()), zap.String("bundle_id", bundleID))

	udid, err := NormalizeUDID(f.udid)
	if err != nil {
		return nil, err
	}
	if err := f.quota.Reserve(bundleID); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			f.quota.Release(bundleID)
		}
	}()

	session, err := f.sessions.Session(ctx)
	if err != nil {
		return nil, err
	}

	var team *Team
	session, err = f.withSession(ctx, session, func(s *appleauth.Session) (err error) {
		team, err = f.team(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("team", team.ID))

	var appID *AppID
	session, err = f.withSession(ctx, session, func(s *appleauth.Session) (err error) {
		appID, err = f.ensureAppID(ctx, s, team.ID, bundleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	session, err = f.withSession(ctx, session, func(s *appleauth.Session) error {
		return f.ensureDevice(ctx, s, team.ID, udid)
	})
	if err != nil {
		return nil, err
	}

	var id *identity.Identity
	session, err = f.withSession(ctx, session, func(s *appleauth.Session) (err error) {
		id, err = f.issueIdentity(ctx, s, team.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			id.Release()
		}
	}()

	var data []byte
	_, err = f.withSession(ctx, session, func(s *appleauth.Session) (err error) {
		data, err = f.services.DownloadTeamProvisioningProfile(ctx, s, team.ID, appID.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	profile, err := provision.Parse(data)
	if err != nil {
		return nil, signerr.Wrap(op, err)
	}
	if profile.IsExpired(f.now()) {
		return nil, signerr.Ef(op, signerr.ErrExpired, "profile %q expired on %s", profile.Name, profile.ExpirationDate.Format(time.RFC3339))
	}
	if !profile.ContainsCertificate(id.Certificate) {
		return nil, signerr.Ef(op, signerr.ErrProfileCertificateMismatch, "profile %q does not include the issued certificate", profile.Name)
	}
	if !profile.MatchesBundleID(bundleID) {
		return nil, signerr.Ef(op, signerr.ErrBundleIDNotAuthorized, "%s is not covered by %s", bundleID, profile.ApplicationIdentifier())
	}
	if !profile.IsDeviceAllowed(udid) {
		log.Warn("device missing from profile", zap.String("udid", udid))
	}

	log.Info("credentials resolved",
		zap.String("certificate", id.CommonName()),
		zap.String("profile", profile.Name),
		zap.Time("profile_expires", profile.ExpirationDate))

	ok = true
	return &codesign.Credentials{Identity: id, Profile: profile, BundleID: bundleID}, nil
}

// withSession runs step with s. When Apple rejects the session, it is
// invalidated and step runs once more with a renewed one. It returns the
// session to use for later steps.
func (f *Flow) withSession(ctx context.Context, s *appleauth.Session, step func(*appleauth.Session) error) (*appleauth.Session, error) {
	err := step(s)
	if !errors.Is(err, signerr.ErrSessionExpired) {
		return s, err
	}
	logging.From(ctx, f.log).Info("Apple rejected the session, signing in again", zap.Error(err))
	f.sessions.Invalidate(s)
	renewed, rerr := f.sessions.Session(ctx)
	if rerr != nil {
		return s, rerr
	}
	return renewed, step(renewed)
}

func (f *Flow) team(ctx context.Context, s *appleauth.Session) (*Team, error) {
	teams, err := f.services.ListTeams(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range teams {
		if f.teamID == "" || teams[i].ID == f.teamID {
			return &teams[i], nil
		}
	}
	if f.teamID != "" {
		return nil, signerr.Ef("weekly.teams", signerr.ErrInvalidCredentials, "Apple ID is not a member of team %s", f.teamID)
	}
	return nil, signerr.Ef("weekly.teams", signerr.ErrInvalidCredentials, "Apple ID has no development team")
}

// ensureAppID returns the app id for bundleID, registering it when Apple
// does not list it. Concurrent calls for the same id share one request.
func (f *Flow) ensureAppID(ctx context.Context, s *appleauth.Session, teamID, bundleID string) (*AppID, error) {
	v, err, _ := f.sf.Do(teamID+"/"+bundleID, func() (interface{}, error) {
		ids, err := f.services.ListAppIDs(ctx, s, teamID)
		if err != nil {
			return nil, err
		}
		f.quota.Reconcile(ids)
		for i := range ids {
			if ids[i].Identifier == bundleID {
				return &ids[i], nil
			}
		}

		if f.quota.WindowFull() {
			return nil, signerr.Ef("weekly.addAppId", signerr.ErrAppIDLimitReached,
				"Apple refused new app ids this week (%d registered)", f.quota.AppIDCount())
		}
		id, err := f.services.AddAppID(ctx, s, teamID, bundleID, appIDName(bundleID))
		if err != nil {
			if errors.Is(err, signerr.ErrAppIDLimitReached) {
				f.quota.MarkFull()
			}
			return nil, err
		}
		f.quota.RecordAppID(bundleID, id.ExpirationDate)
		logging.From(ctx, f.log).Info("registered app id", zap.String("bundle_id", bundleID), zap.String("app_id", id.ID))
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AppID), nil
}

func (f *Flow) ensureDevice(ctx context.Context, s *appleauth.Session, teamID, udid string) error {
	devices, err := f.services.ListDevices(ctx, s, teamID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if strings.EqualFold(d.UDID, udid) {
			return nil
		}
	}
	d, err := f.services.AddDevice(ctx, s, teamID, udid, f.deviceName)
	if err != nil {
		return err
	}
	logging.From(ctx, f.log).Info("registered device", zap.String("device_id", d.ID))
	return nil
}

// issueIdentity generates a key, has Apple sign a development certificate
// for it and pairs the two.
func (f *Flow) issueIdentity(ctx context.Context, s *appleauth.Session, teamID string) (*identity.Identity, error) {
	const op = "weekly.certificate"

	key, csr, err := identity.NewDevelopmentCSR()
	if err != nil {
		return nil, signerr.Internalf(op, "%w", err)
	}
	fail := func(err error) (*identity.Identity, error) {
		key.Release()
		return nil, err
	}

	issued, err := f.services.SubmitDevelopmentCSR(ctx, s, teamID, csr, f.machineID, f.machineName)
	if err != nil {
		return fail(err)
	}
	der := issued.Content
	if len(der) == 0 {
		der, err = f.findCertificate(ctx, s, teamID, issued.SerialNumber)
		if err != nil {
			return fail(err)
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fail(signerr.Ef(op, signerr.ErrServiceUnavailable, "issued certificate is malformed: %w", err))
	}
	if !key.Matches(cert) {
		return fail(signerr.Internalf(op, "issued certificate does not match the generated key"))
	}
	id, err := identity.New(key, []*x509.Certificate{cert})
	if err != nil {
		return fail(signerr.Wrap(op, err))
	}
	if id.TeamID == "" {
		id.TeamID = teamID
	}
	return id, nil
}

func (f *Flow) findCertificate(ctx context.Context, s *appleauth.Session, teamID, serial string) ([]byte, error) {
	certs, err := f.services.ListCertificates(ctx, s, teamID)
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		if serial != "" && strings.EqualFold(c.SerialNumber, serial) && len(c.Content) > 0 {
			return c.Content, nil
		}
	}
	return nil, signerr.Ef("weekly.certificate", signerr.ErrServiceUnavailable, "issued certificate %s not found", serial)
}

// Commit records the signed app against the concurrent limit until its
// profile expires, and gives up the slot Resolve reserved.
func (f *Flow) Commit(ctx context.Context, target codesign.Target, creds *codesign.Credentials) error {
	f.quota.RecordApp(creds.BundleID, creds.Profile.ExpirationDate)
	f.quota.Release(creds.BundleID)
	logging.From(ctx, f.log).Debug("app recorded",
		zap.String("bundle_id", creds.BundleID),
		zap.Strings("apps", f.quota.Apps()))
	return nil
}

// Abort gives up the slot Resolve reserved when signing failed.
func (f *Flow) Abort(ctx context.Context, target codesign.Target, creds *codesign.Credentials) {
	f.quota.Release(creds.BundleID)
	logging.From(ctx, f.log).Debug("app slot released", zap.String("bundle_id", creds.BundleID))
}

// Retire frees bundleID's slot, e.g. after the app was deleted from the
// device.
func (f *Flow) Retire(bundleID string) {
	f.quota.Retire(bundleID)
}

// appIDName derives the display name Apple requires: letters, digits and
// spaces only.
func appIDName(bundleID string) string {
	last := bundleID[strings.LastIndex(bundleID, ".")+1:]
	var b strings.Builder
	for _, r := range last {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "ipasign App"
	}
	return fmt.Sprintf("ipasign %s", b.String())
}

// Request is one weekly signing.
type Request struct {
	InputPath   string
	OutputPath  string
	NewBundleID string
	LegacySHA1  bool
	WorkDir     string
}
