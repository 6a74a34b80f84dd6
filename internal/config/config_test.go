package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, DefaultAnisetteServers, c.Apple.AnisetteServers)
	assert.Equal(t, DefaultAuthEndpoint, c.Apple.AuthEndpoint)
	assert.Equal(t, 30*time.Second, c.Apple.Timeout)
	assert.EqualValues(t, 3, c.Apple.MaxRetries)
	assert.Equal(t, 3, c.Apple.MaxCodeAttempts)
	assert.False(t, c.Signing.LegacySHA1)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipasign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
signing:
  legacy_sha1: true
apple:
  timeout: 5s
  anisette_servers:
    - https://anisette.example.com/
`), 0o644))

	t.Setenv("CODESIGN_P12", "/tmp/cert.p12")
	t.Setenv("IPASIGN_LOG_LEVEL", "warn")
	t.Setenv("IPASIGN_CHECK_REVOCATION", "true")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", c.Log.Level, "env wins over yaml")
	assert.True(t, c.Signing.LegacySHA1)
	assert.True(t, c.Signing.CheckRevocation)
	assert.Equal(t, 5*time.Second, c.Apple.Timeout)
	assert.Equal(t, []string{"https://anisette.example.com/"}, c.Apple.AnisetteServers)
	assert.Equal(t, "/tmp/cert.p12", c.Annual.P12)
	assert.Equal(t, DefaultServicesURL, c.Apple.ServicesURL)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signing:\n  sha3: true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("IPASIGN_LEGACY_SHA1", "maybe")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateAnisetteURL(t *testing.T) {
	t.Setenv("IPASIGN_ANISETTE_SERVERS", "ftp://nope, https://ok.example.com")
	_, err := Load("")
	require.Error(t, err)
}
