// Package engine ties identity sources to the signing pipeline.
//
// An Engine signs archives with any IdentitySource. The annual flow is
// always available; the weekly flow only when the Engine was built with
// WithWeekly:
//
//	e := engine.New(engine.WithLogger(log), engine.WithWeekly(flow))
//	if e.HasWeekly() {
//		res, err := e.SignWeekly(ctx, weekly.Request{InputPath: "app.ipa"})
//	}
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/internal/metrics"
	"github.com/aluedeke/go-ipasign/pkg/annual"
	"github.com/aluedeke/go-ipasign/pkg/codesign"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
	"github.com/aluedeke/go-ipasign/pkg/weekly"
)

// IdentitySource resolves the credentials for one archive. The signing
// pipeline never knows which source it got them from.
type IdentitySource interface {
	Name() string
	// Resolve returns credentials valid for target. The engine releases
	// the identity when signing returns.
	Resolve(ctx context.Context, target codesign.Target) (*codesign.Credentials, error)
	// Commit is called once the signed archive is in place.
	Commit(ctx context.Context, target codesign.Target, creds *codesign.Credentials) error
	// Abort is called instead of Commit when signing fails after a
	// successful Resolve.
	Abort(ctx context.Context, target codesign.Target, creds *codesign.Credentials)
}

var (
	_ IdentitySource = (*annual.Flow)(nil)
	_ IdentitySource = (*weekly.Flow)(nil)
)

// Capability names a signing flow.
type Capability string

const (
	Annual Capability = "annual"
	Weekly Capability = "weekly"
)

// Request is one archive signing, independent of the identity source.
type Request struct {
	InputPath   string
	OutputPath  string
	NewBundleID string
	LegacySHA1  bool
	WorkDir     string
}

// Engine signs archives.
type Engine struct {
	weekly  *weekly.Flow
	trust   identity.ChainOptions
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeekly enables free-account signing through f.
func WithWeekly(f *weekly.Flow) Option {
	return func(e *Engine) { e.weekly = f }
}

// WithTrust sets the chain validation used by the annual flow.
func WithTrust(opts identity.ChainOptions) Option {
	return func(e *Engine) { e.trust = opts }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNop(l) }
}

// WithMetrics records signings in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine with the annual capability and whatever opts add.
func New(opts ...Option) *Engine {
	e := &Engine{log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Capabilities lists the flows this engine can run.
func (e *Engine) Capabilities() []Capability {
	caps := []Capability{Annual}
	if e.HasWeekly() {
		caps = append(caps, Weekly)
	}
	return caps
}

// HasWeekly reports whether free-account signing is configured.
func (e *Engine) HasWeekly() bool { return e.weekly != nil }

// Sign resolves credentials from src and signs req.InputPath with them.
func (e *Engine) Sign(ctx context.Context, src IdentitySource, req Request) (res *codesign.Result, err error) {
	start := e.now()
	log := logging.From(ctx, e.log).With(zap.String("flow", src.Name()))
	ctx = logging.ToContext(ctx, log)

	defer func() {
		result := "ok"
		if err != nil {
			result = signerr.KindOf(err).String()
			e.logFailure(log, err)
		}
		e.metrics.ObserveSigning(src.Name(), result, e.now().Sub(start))
	}()

	info, err := codesign.ReadArchiveInfo(req.InputPath)
	if err != nil {
		return nil, err
	}
	target := codesign.Target{ArchivePath: req.InputPath, BundleID: info.BundleID, NewBundleID: req.NewBundleID}

	creds, err := src.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	defer creds.Identity.Release()

	res, err = codesign.SignArchive(ctx, codesign.Request{
		InputPath:   req.InputPath,
		OutputPath:  req.OutputPath,
		NewBundleID: req.NewBundleID,
		Credentials: creds,
		LegacySHA1:  req.LegacySHA1,
		WorkDir:     req.WorkDir,
		Logger:      log,
		Now:         e.now,
	})
	if err != nil {
		src.Abort(ctx, target, creds)
		return res, err
	}
	e.metrics.AddSignedBinaries(len(res.Signed))

	if err := src.Commit(ctx, target, creds); err != nil {
		// The archive is already signed; a failed commit only loses
		// bookkeeping.
		log.Warn("failed to record signing", zap.Error(err))
	}
	return res, nil
}

func (e *Engine) logFailure(log *zap.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		log.Info("signing cancelled")
		return
	}
	if signerr.KindOf(err) == signerr.Internal {
		log.Error("signing failed", zap.String("op", signerr.OpOf(err)), zap.Error(err))
		return
	}
	log.Warn("signing refused",
		zap.Stringer("kind", signerr.KindOf(err)),
		zap.String("op", signerr.OpOf(err)),
		zap.Error(err))
}

// SignAnnual signs with a developer certificate and profile.
func (e *Engine) SignAnnual(ctx context.Context, req annual.Request) (*codesign.Result, error) {
	src := annual.New(req.Credentials,
		annual.WithTrust(e.trust),
		annual.WithLogger(e.log),
		annual.WithClock(e.now))
	return e.Sign(ctx, src, Request{
		InputPath:   req.InputPath,
		OutputPath:  req.OutputPath,
		NewBundleID: req.NewBundleID,
		LegacySHA1:  req.LegacySHA1,
		WorkDir:     req.WorkDir,
	})
}

// SignWeekly signs with the configured free account. Without WithWeekly it
// fails with ErrWeeklyUnavailable.
func (e *Engine) SignWeekly(ctx context.Context, req weekly.Request) (*codesign.Result, error) {
	if !e.HasWeekly() {
		err := signerr.Ef("engine.weekly", signerr.ErrWeeklyUnavailable, "no Apple ID configured")
		e.metrics.ObserveSigning(string(Weekly), signerr.KindOf(err).String(), 0)
		return nil, err
	}
	return e.Sign(ctx, e.weekly, Request{
		InputPath:   req.InputPath,
		OutputPath:  req.OutputPath,
		NewBundleID: req.NewBundleID,
		LegacySHA1:  req.LegacySHA1,
		WorkDir:     req.WorkDir,
	})
}

// Trust returns the chain validation options of the annual flow.
func (e *Engine) Trust() identity.ChainOptions { return e.trust }

// WeeklyFlow returns the weekly flow, or nil.
func (e *Engine) WeeklyFlow() *weekly.Flow { return e.weekly }
