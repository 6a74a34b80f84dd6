package codesign

import (
	"time"

	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
)

// State is a step of the archive signing pipeline.
type State int

const (
	StateUnpacked State = iota + 1
	StateRewritten
	// StateHashed is entered once every code page is hashed, just before
	// the main executable's CMS signature is made.
	StateHashed
	// StateSigned means every binary carries its new signature.
	StateSigned
	StateRepacked
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnpacked:
		return "Unpacked"
	case StateRewritten:
		return "Rewritten"
	case StateHashed:
		return "Hashed"
	case StateSigned:
		return "Signed"
	case StateRepacked:
		return "Repacked"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Target names the archive to sign and the bundle identifier it should end
// up with.
type Target struct {
	ArchivePath string
	// BundleID is the archive's current CFBundleIdentifier.
	BundleID string
	// NewBundleID, when set, replaces BundleID.
	NewBundleID string
}

// EffectiveBundleID is the identifier the signed app will carry.
func (t Target) EffectiveBundleID() string {
	if t.NewBundleID != "" {
		return t.NewBundleID
	}
	return t.BundleID
}

// Credentials is a resolved signing identity and the profile that
// authorizes it for one bundle identifier.
type Credentials struct {
	Identity *identity.Identity
	Profile  *provision.Profile
	BundleID string
}

// Request describes one archive signing.
type Request struct {
	InputPath  string
	OutputPath string
	// NewBundleID rewrites CFBundleIdentifier when set.
	NewBundleID string
	Credentials *Credentials

	// LegacySHA1 makes SHA-1 the primary CodeDirectory hash with SHA-256 as
	// the alternate.
	LegacySHA1 bool
	// WorkDir is the parent of the private working directory.
	// "" = os.TempDir().
	WorkDir string

	Logger *zap.Logger
	// Now is used for logging timestamps in tests. nil = time.Now.
	Now func() time.Time
}

// Result reports a completed signing.
type Result struct {
	OutputPath string
	BundleID   string
	// States lists every state entered, in order.
	States []State
	// Signed lists the Mach-O files given a fresh signature, relative to
	// the archive root, in signing order.
	Signed   []string
	Duration time.Duration
}
