package codesign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// Signer signs extracted .app bundles in place with one set of credentials.
type Signer struct {
	creds      *Credentials
	legacySHA1 bool
	log        *zap.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithLegacySHA1 makes SHA-1 the primary CodeDirectory hash.
func WithLegacySHA1(on bool) SignerOption {
	return func(s *Signer) { s.legacySHA1 = on }
}

// WithLogger sets the logger. nil is a no-op logger.
func WithLogger(l *zap.Logger) SignerOption {
	return func(s *Signer) { s.log = logging.OrNop(l) }
}

// NewSigner returns a Signer for resolved credentials.
func NewSigner(creds *Credentials, opts ...SignerOption) (*Signer, error) {
	if creds == nil || creds.Identity == nil || creds.Profile == nil {
		return nil, signerr.Internalf("codesign.signer", "credentials are incomplete")
	}
	s := &Signer{creds: creds, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SignApp resigns the .app at appPath in place and returns the signed
// binaries relative to appPath. newBundleID may be empty.
func (s *Signer) SignApp(ctx context.Context, appPath, newBundleID string) ([]string, error) {
	info, err := readBundleInfo(appPath)
	if err != nil {
		return nil, signerr.E("codesign.rewrite", signerr.ErrMissingMetadata, err)
	}
	ents, err := s.rewrite(appPath, info.ID, newBundleID)
	if err != nil {
		return nil, err
	}
	targets, err := findMachOTargets(appPath, appPath)
	if err != nil {
		return nil, signerr.Internalf("codesign.hash", "failed to enumerate binaries: %w", err)
	}
	abs := make([]string, len(targets))
	for i, t := range targets {
		abs[i] = filepath.Join(appPath, filepath.FromSlash(t))
	}
	plan, err := s.plan(appPath, abs)
	if err != nil {
		return nil, err
	}
	signed, err := s.sign(ctx, plan, ents, nil)
	if err != nil {
		return nil, err
	}
	for i, p := range signed {
		rel, _ := filepath.Rel(appPath, p)
		signed[i] = filepath.ToSlash(rel)
	}
	return signed, nil
}

// rewrite patches bundle identifiers, strips old signature directories,
// computes the main entitlements and embeds the profile. It returns the
// entitlements XML for the main executable.
func (s *Signer) rewrite(appPath, bundleID, newBundleID string) ([]byte, error) {
	const op = "codesign.rewrite"

	effective := bundleID
	if newBundleID != "" && newBundleID != bundleID {
		changed, err := rewriteBundleIDs(appPath, bundleID, newBundleID)
		if err != nil {
			return nil, signerr.Internalf(op, "failed to update bundle identifier: %w", err)
		}
		s.log.Info("bundle identifier rewritten",
			zap.String("from", bundleID), zap.String("to", newBundleID), zap.Strings("bundles", changed))
		effective = newBundleID
	}

	// Read before the profile is replaced.
	existing := existingEntitlements(appPath)

	profile := s.creds.Profile
	teamID := profile.TeamID()
	if teamID == "" {
		teamID = s.creds.Identity.TeamID
	}
	ents := BuildEntitlements(profile, teamID, effective, existing)
	entsXML, err := EntitlementsToXML(ents)
	if err != nil {
		return nil, signerr.Internalf(op, "failed to generate entitlements: %w", err)
	}

	bundles := append(findNestedBundles(appPath), appPath)
	for _, b := range bundles {
		if err := os.RemoveAll(filepath.Join(b, "_CodeSignature")); err != nil {
			return nil, signerr.Internalf(op, "failed to remove old _CodeSignature: %w", err)
		}
	}

	if err := embedProfile(appPath, profile.Raw, true); err != nil {
		return nil, signerr.Internalf(op, "failed to embed provisioning profile: %w", err)
	}
	for _, b := range bundles {
		if filepath.Ext(b) != ".appex" {
			continue
		}
		if err := embedProfile(b, profile.Raw, false); err != nil {
			return nil, signerr.Internalf(op, "failed to embed provisioning profile: %w", err)
		}
	}
	return entsXML, nil
}

// embedProfile writes embedded.mobileprovision. Unless force is set it only
// replaces a profile that is already there.
func embedProfile(bundlePath string, raw []byte, force bool) error {
	dst := filepath.Join(bundlePath, "embedded.mobileprovision")
	if !force {
		if _, err := os.Stat(dst); err != nil {
			return nil
		}
	}
	return os.WriteFile(dst, raw, 0644)
}

// plan computes the signing order.
func (s *Signer) plan(appPath string, targets []string) ([]*planBundle, error) {
	plan, err := signingPlan(appPath, targets)
	if err != nil {
		return nil, signerr.Internalf("codesign.hash", "failed to plan signing: %w", err)
	}
	return plan, nil
}

// sign signs every step of plan in order. Each bundle's CodeResources is
// generated after everything inside it is signed. The main executable comes
// last, so hashed (if not nil) runs when every page hash is known.
func (s *Signer) sign(ctx context.Context, plan []*planBundle, mainEnts []byte, hashed func()) ([]string, error) {
	var signed []string
	for _, b := range plan {
		for _, step := range b.loose {
			if err := ctx.Err(); err != nil {
				return signed, err
			}
			if err := s.signFile(step, nil, nil, nil, nil); err != nil {
				return signed, err
			}
			signed = append(signed, step.path)
		}
		if b.exec == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return signed, err
		}

		infoPlist, err := os.ReadFile(filepath.Join(b.path, "Info.plist"))
		if err != nil {
			return signed, signerr.Internalf("codesign.sign", "failed to read Info.plist: %w", err)
		}
		resources, err := writeCodeResources(b.path, b.info.Executable)
		if err != nil {
			return signed, signerr.Internalf("codesign.sign", "failed to generate CodeResources for %s: %w", filepath.Base(b.path), err)
		}
		ents := emptyEntitlements
		var done func()
		if b.exec.main {
			ents = mainEnts
			done = hashed
		}
		if err := s.signFile(*b.exec, ents, infoPlist, resources, done); err != nil {
			return signed, err
		}
		signed = append(signed, b.exec.path)
	}
	return signed, nil
}

func (s *Signer) signFile(step planStep, ents, infoPlist, resources []byte, hashed func()) error {
	const op = "codesign.sign"

	data, err := os.ReadFile(step.path)
	if err != nil {
		return signerr.Internalf(op, "failed to read %s: %w", step.path, err)
	}
	out, err := signImage(data, &signParams{
		identity:     s.creds.Identity,
		ident:        step.ident,
		entitlements: ents,
		infoPlist:    infoPlist,
		resources:    resources,
		legacySHA1:   s.legacySHA1,
		mainBinary:   step.main,
		hashed:       hashed,
	})
	if err != nil {
		if errors.Is(err, errNoRoom) {
			return signerr.E(op, signerr.ErrUnsupportedBinary, fmt.Errorf("%s: %w", filepath.Base(step.path), err))
		}
		return signerr.E(op, signerr.ErrSigningFailed, fmt.Errorf("%s: %w", filepath.Base(step.path), err))
	}

	fi, err := os.Stat(step.path)
	if err != nil {
		return signerr.Internalf(op, "failed to stat %s: %w", step.path, err)
	}
	if err := os.WriteFile(step.path, out, fi.Mode().Perm()); err != nil {
		return signerr.Internalf(op, "failed to write %s: %w", step.path, err)
	}
	s.log.Debug("signed binary", zap.String("path", filepath.Base(step.path)), zap.String("ident", step.ident), zap.Int("size", len(out)))
	return nil
}
