package codesign

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
)

// Real-app fixture: the WebDriverAgent runner from the appium releases.
const (
	fixtureURL    = "https://github.com/appium/WebDriverAgent/releases/download/v11.0.1/WebDriverAgentRunner-Runner.zip"
	fixtureApp    = "WebDriverAgentRunner-Runner.app"
	fixtureSHA256 = "76549921269cc7fac842569b90a90b2c28abeca0b9bfdc2be9eccbae8336a90d"
)

var (
	fixtureOnce sync.Once
	fixtureErr  error
)

// getTestAppPath returns the fixture app under testdata, fetching it on
// first use. The test is skipped when it cannot be obtained.
func getTestAppPath(t *testing.T) string {
	appPath := filepath.Join("testdata", fixtureApp)
	fixtureOnce.Do(func() { fixtureErr = fetchFixture(t, appPath) })
	if fixtureErr != nil {
		t.Skipf("Test data not available: %v", fixtureErr)
	}
	return appPath
}

func fetchFixture(t *testing.T, appPath string) error {
	stamp := filepath.Join("testdata", ".fixture_sha256")
	if _, err := os.Stat(appPath); err == nil {
		if got, _ := os.ReadFile(stamp); string(got) == fixtureSHA256 {
			return nil
		}
		t.Log("fixture version mismatch, fetching again")
		if err := os.RemoveAll(appPath); err != nil {
			return err
		}
	}
	if err := os.MkdirAll("testdata", 0o755); err != nil {
		return err
	}

	t.Logf("Downloading test app from %s", fixtureURL)
	zipPath, sum, err := download(fixtureURL)
	if err != nil {
		return err
	}
	defer os.Remove(zipPath)
	if sum != fixtureSHA256 {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", fixtureSHA256, sum)
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		if err := extractZipFile(f, "testdata"); err != nil {
			return err
		}
	}
	return os.WriteFile(stamp, []byte(fixtureSHA256), 0o644)
}

// download saves url to a temp file and returns its path and SHA-256.
func download(url string) (string, string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.CreateTemp("", "fixture-*.zip")
	if err != nil {
		return "", "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		os.Remove(out.Name())
		return "", "", err
	}
	return out.Name(), hex.EncodeToString(h.Sum(nil)), nil
}
