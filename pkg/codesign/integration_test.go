package codesign

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
)

// Integration tests against a real application bundle. They are skipped in
// short mode and when the fixture cannot be fetched.

func TestResignRealApp(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	appPath := copyTestApp(t)

	signer, err := NewSigner(testCredentials(t, "*"))
	require.NoError(t, err)
	signed, err := signer.SignApp(context.Background(), appPath, "")
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	t.Logf("signed %d binaries", len(signed))

	infos, err := InspectBundle(appPath, true)
	require.NoError(t, err)
	for _, info := range infos {
		assert.True(t, info.CMSValid, info.RelativePath)
		bundle := filepath.Join(filepath.Dir(appPath), filepath.FromSlash(info.RelativePath))
		data := bundleExecutable(t, bundle)
		if info.Slices == 1 {
			assert.Empty(t, info.Primary().MismatchedPages(data), info.RelativePath)
		}
	}
}

func TestCodeResourcesGeneration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	appPath := getTestAppPath(t)
	exe, err := readBundleInfo(appPath)
	require.NoError(t, err)

	generated, err := GenerateCodeResources(appPath, exe.Executable)
	require.NoError(t, err)

	var genPlist map[string]interface{}
	_, err = plist.Unmarshal(generated, &genPlist)
	require.NoError(t, err)
	for _, section := range []string{"files", "files2", "rules", "rules2"} {
		assert.Contains(t, genPlist, section)
	}
	t.Logf("Generated CodeResources with %d bytes", len(generated))
}

// TestResignWithDeveloperCredentials signs with a real identity when one is
// provided and, on macOS, checks the result with codesign.
func TestResignWithDeveloperCredentials(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	p12Path := findP12File(t)
	profilePath := findProvisioningProfile(t)
	if p12Path == "" {
		t.Skip("No P12 certificate file found")
	}
	if profilePath == "" {
		t.Skip("No provisioning profile found")
	}

	p12, err := os.ReadFile(p12Path)
	require.NoError(t, err)
	id, err := identity.ExtractIdentity(p12, os.Getenv("CODESIGN_P12_PASSWORD"))
	require.NoError(t, err)
	defer id.Release()

	raw, err := os.ReadFile(profilePath)
	require.NoError(t, err)
	profile, err := provision.Parse(raw)
	require.NoError(t, err)

	appPath := copyTestApp(t)
	signer, err := NewSigner(&Credentials{Identity: id, Profile: profile})
	require.NoError(t, err)
	bundleID := "com.facebook.WebDriverAgentRunner.xctrunner"
	if !profile.IsWildcard() {
		bundleID = profile.BundleIDPattern()
	}
	_, err = signer.SignApp(context.Background(), appPath, bundleID)
	require.NoError(t, err)

	if _, err := exec.LookPath("codesign"); err != nil {
		t.Skip("codesign not available (not macOS)")
	}
	out, err := exec.Command("codesign", "-v", "--deep", "--verbose=4", appPath).CombinedOutput()
	assert.NoError(t, err, string(out))
}

func copyTestApp(t *testing.T) string {
	t.Helper()
	src := getTestAppPath(t)
	dst := filepath.Join(t.TempDir(), filepath.Base(src))
	require.NoError(t, copyDir(src, dst))
	return dst
}

func findP12File(t *testing.T) string {
	if p12 := os.Getenv("CODESIGN_P12"); p12 != "" {
		if _, err := os.Stat(p12); err == nil {
			return p12
		}
	}
	absPath, _ := filepath.Abs("testdata/devCert.p12")
	if _, err := os.Stat(absPath); err == nil {
		return absPath
	}
	return ""
}

func findProvisioningProfile(t *testing.T) string {
	if profile := os.Getenv("CODESIGN_PROFILE"); profile != "" {
		if _, err := os.Stat(profile); err == nil {
			return profile
		}
	}
	absPath, _ := filepath.Abs("testdata/development.mobileprovision")
	if _, err := os.Stat(absPath); err == nil {
		return absPath
	}
	return ""
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)
		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode()|0o700)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dstPath)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dstPath, data, info.Mode())
	})
}
