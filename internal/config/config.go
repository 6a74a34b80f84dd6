// Package config loads go-ipasign settings from YAML, .env and the process
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aluedeke/go-ipasign/internal/logging"
)

type Config struct {
	Log logging.Config `yaml:"log"`

	Signing struct {
		// LegacySHA1 adds a SHA-1 primary CodeDirectory for old profiles.
		LegacySHA1      bool   `yaml:"legacy_sha1"`
		CheckRevocation bool   `yaml:"check_revocation"`
		WorkDir         string `yaml:"work_dir"` // "" = os.TempDir()
	} `yaml:"signing"`

	Annual struct {
		P12      string `yaml:"p12"`
		Profile  string `yaml:"profile"`
		Password string `yaml:"password"`
	} `yaml:"annual"`

	Apple struct {
		AppleID  string `yaml:"apple_id"`
		Password string `yaml:"password"`
		TeamID   string `yaml:"team_id"`

		AnisetteServers []string      `yaml:"anisette_servers"`
		AuthEndpoint    string        `yaml:"auth_endpoint"`
		ServicesURL     string        `yaml:"services_url"`
		Timeout         time.Duration `yaml:"timeout"`
		MaxRetries      uint64        `yaml:"max_retries"`
		// RequestsPerSecond paces developer-services calls.
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		MaxCodeAttempts   int     `yaml:"max_code_attempts"`
	} `yaml:"apple"`

	Metrics struct {
		File string `yaml:"file"`
	} `yaml:"metrics"`
}

// Default anisette servers, tried in order.
var DefaultAnisetteServers = []string{
	"https://ani.sidestore.io/",
	"https://sideloadly.io/anisette/generate",
}

const (
	DefaultAuthEndpoint = "https://idmsa.apple.com/appleauth/auth"
	DefaultServicesURL  = "https://developerservices2.apple.com/services/QH65B2/"
)

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path (optional), then .env in the working directory (optional),
// then the environment.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if fileExists(".env") {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return c, c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Service == "" {
		c.Log.Service = "go-ipasign"
	}
	if len(c.Apple.AnisetteServers) == 0 {
		c.Apple.AnisetteServers = append([]string(nil), DefaultAnisetteServers...)
	}
	if c.Apple.AuthEndpoint == "" {
		c.Apple.AuthEndpoint = DefaultAuthEndpoint
	}
	if c.Apple.ServicesURL == "" {
		c.Apple.ServicesURL = DefaultServicesURL
	}
	if c.Apple.Timeout == 0 {
		c.Apple.Timeout = 30 * time.Second
	}
	if c.Apple.MaxRetries == 0 {
		c.Apple.MaxRetries = 3
	}
	if c.Apple.RequestsPerSecond == 0 {
		c.Apple.RequestsPerSecond = 2
	}
	if c.Apple.MaxCodeAttempts == 0 {
		c.Apple.MaxCodeAttempts = 3
	}
}

// applyEnv overrides fields from the environment. CODESIGN_* names are kept
// for compatibility with existing CI setups.
func (c *Config) applyEnv() error {
	setString(&c.Annual.P12, "CODESIGN_P12")
	setString(&c.Annual.Profile, "CODESIGN_PROFILE")
	setString(&c.Annual.Password, "CODESIGN_PASSWORD")

	setString(&c.Apple.AppleID, "IPASIGN_APPLE_ID")
	setString(&c.Apple.Password, "IPASIGN_APPLE_PASSWORD")
	setString(&c.Apple.TeamID, "IPASIGN_TEAM_ID")
	if v := os.Getenv("IPASIGN_ANISETTE_SERVERS"); v != "" {
		c.Apple.AnisetteServers = splitList(v)
	}

	setString(&c.Log.Level, "IPASIGN_LOG_LEVEL")
	setString(&c.Log.Env, "IPASIGN_LOG_ENV")
	setString(&c.Metrics.File, "IPASIGN_METRICS_FILE")
	setString(&c.Signing.WorkDir, "IPASIGN_WORK_DIR")

	if v := os.Getenv("IPASIGN_LEGACY_SHA1"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IPASIGN_LEGACY_SHA1: %w", err)
		}
		c.Signing.LegacySHA1 = b
	}
	if v := os.Getenv("IPASIGN_CHECK_REVOCATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IPASIGN_CHECK_REVOCATION: %w", err)
		}
		c.Signing.CheckRevocation = b
	}
	if v := os.Getenv("IPASIGN_APPLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("IPASIGN_APPLE_TIMEOUT: %w", err)
		}
		c.Apple.Timeout = d
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Apple.Timeout < 0 {
		return fmt.Errorf("apple.timeout must be positive")
	}
	if c.Apple.RequestsPerSecond < 0 {
		return fmt.Errorf("apple.requests_per_second must be positive")
	}
	for _, s := range c.Apple.AnisetteServers {
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return fmt.Errorf("anisette server %q is not an http(s) URL", s)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
