package codesign

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// DefaultOutputPath is <dir>/<stem>-signed.ipa for an input <dir>/<stem>.ipa.
func DefaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	stem := strings.TrimSuffix(filepath.Base(input), ext)
	if ext == "" {
		ext = ".ipa"
	}
	return filepath.Join(filepath.Dir(input), stem+"-signed"+ext)
}

// run tracks the state of one SignArchive call.
type run struct {
	log    *zap.Logger
	result *Result
}

func (r *run) enter(s State) {
	r.result.States = append(r.result.States, s)
	r.log.Debug("signing state", zap.Stringer("state", s))
}

// SignArchive unpacks req.InputPath, resigns the application with
// req.Credentials and writes the result to req.OutputPath. The input is
// never modified and the output appears only on success. The working
// directory is removed on every path.
func SignArchive(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	if req.Now != nil {
		start = req.Now()
	}
	log := logging.From(ctx, req.Logger).With(zap.String("archive", filepath.Base(req.InputPath)))

	r := &run{log: log, result: &Result{}}
	defer func() {
		if err != nil {
			r.enter(StateFailed)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Warn("signing cancelled", zap.Error(err))
			} else if signerr.KindOf(err) == signerr.Internal {
				log.Error("signing failed", zap.String("op", signerr.OpOf(err)), zap.Error(err))
			}
			res = r.result
		}
	}()

	if req.Credentials == nil || req.Credentials.Identity == nil || req.Credentials.Profile == nil {
		return nil, signerr.Internalf("codesign.sign_archive", "credentials are incomplete")
	}
	if req.OutputPath == "" {
		req.OutputPath = DefaultOutputPath(req.InputPath)
	}
	if sameFile(req.InputPath, req.OutputPath) {
		return nil, signerr.Ef("codesign.sign_archive", signerr.ErrMalformedArchive, "output would overwrite input %s", req.InputPath)
	}

	signer, err := NewSigner(req.Credentials, WithLegacySHA1(req.LegacySHA1), WithLogger(log))
	if err != nil {
		return nil, err
	}

	a, err := OpenArchive(ctx, req.InputPath, req.WorkDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn("failed to remove working directory", zap.String("dir", a.Dir), zap.Error(cerr))
		}
	}()
	r.enter(StateUnpacked)
	log.Info("archive unpacked", zap.String("app", a.AppRel), zap.String("bundle_id", a.BundleID), zap.Int("binaries", len(a.Targets)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ents, err := signer.rewrite(a.AppPath, a.BundleID, req.NewBundleID)
	if err != nil {
		return nil, err
	}
	r.result.BundleID = a.BundleID
	if req.NewBundleID != "" {
		r.result.BundleID = req.NewBundleID
	}
	r.enter(StateRewritten)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs := make([]string, len(a.Targets))
	for i, t := range a.Targets {
		abs[i] = filepath.Join(a.Dir, filepath.FromSlash(t))
	}
	plan, err := signer.plan(a.AppPath, abs)
	if err != nil {
		return nil, err
	}

	// Fat executables build one signature per slice.
	hashed := false
	signed, err := signer.sign(ctx, plan, ents, func() {
		if !hashed {
			hashed = true
			r.enter(StateHashed)
		}
	})
	for _, p := range signed {
		rel, _ := filepath.Rel(a.Dir, p)
		r.result.Signed = append(r.result.Signed, filepath.ToSlash(rel))
	}
	if err != nil {
		return nil, err
	}
	r.enter(StateSigned)

	if err := a.Repack(ctx, req.OutputPath); err != nil {
		return nil, err
	}
	r.enter(StateRepacked)

	r.result.OutputPath = req.OutputPath
	end := time.Now()
	if req.Now != nil {
		end = req.Now()
	}
	r.result.Duration = end.Sub(start)
	r.enter(StateDone)
	log.Info("archive signed",
		zap.String("output", req.OutputPath),
		zap.String("bundle_id", r.result.BundleID),
		zap.Int("signed", len(r.result.Signed)),
		zap.Duration("took", r.result.Duration))
	return r.result, nil
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
