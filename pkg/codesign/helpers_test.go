package codesign

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-ipasign/internal/testpki"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
)

// testCredentials issues a leaf from a fresh CA and a profile for appID
// (without team prefix) that lists it.
func testCredentials(t *testing.T, appID string) *Credentials {
	t.Helper()
	ca := testpki.NewCA(t)
	cert, key := ca.Leaf(t, testpki.LeafOptions{})
	id, err := identity.ExtractIdentity(ca.P12(t, key, cert, "pw"), "pw")
	require.NoError(t, err)

	profile, err := provision.Parse(testpki.Profile(t, testpki.ProfileOptions{
		AppID:        appID,
		Certificates: []*x509.Certificate{cert},
	}))
	require.NoError(t, err)
	return &Credentials{Identity: id, Profile: profile}
}

// writeFiles materialises testpki files below root. Directory entries are
// created, everything else is written with its mode.
func writeFiles(t *testing.T, root string, files []testpki.File) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f.Name))
		if strings.HasSuffix(f.Name, "/") {
			require.NoError(t, os.MkdirAll(p, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		mode := os.FileMode(f.Mode & 0o777)
		if mode == 0 {
			mode = 0o644
		}
		require.NoError(t, os.WriteFile(p, f.Data, mode))
	}
}

// extractApp writes testpki.App below a temp dir and returns the .app path.
func extractApp(t *testing.T, name, bundleID string) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, testpki.App(t, name, bundleID))
	return filepath.Join(root, "Payload", name+".app")
}

// writeIPA writes files as a zip archive and returns its path.
func writeIPA(t *testing.T, files []testpki.File) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "App.ipa")
	require.NoError(t, os.WriteFile(p, testpki.Zip(t, files), 0o644))
	return p
}
