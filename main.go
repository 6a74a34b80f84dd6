package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/internal/config"
	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/internal/metrics"
	"github.com/aluedeke/go-ipasign/internal/retry"
	"github.com/aluedeke/go-ipasign/pkg/annual"
	"github.com/aluedeke/go-ipasign/pkg/appleauth"
	"github.com/aluedeke/go-ipasign/pkg/codesign"
	"github.com/aluedeke/go-ipasign/pkg/engine"
	"github.com/aluedeke/go-ipasign/pkg/identity"
	"github.com/aluedeke/go-ipasign/pkg/provision"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
	"github.com/aluedeke/go-ipasign/pkg/weekly"
)

const version = "1.0.0"

const usage = `go-ipasign - iOS IPA Signing Tool

Resigns iOS IPA archives with a developer certificate (annual) or a free
Apple ID (weekly, 7-day signatures).

Usage:
  go-ipasign resign --app=<path> [--p12=<path>] [--profile=<path>] [--password=<pw>] [--output=<path>] [--bundleid=<id>] [--legacy-sha1] [--inplace] [--config=<path>] [--metrics-file=<path>]
  go-ipasign weekly --app=<path> --apple-id=<id> --udid=<udid> [--password=<pw>] [--code=<code>] [--output=<path>] [--bundleid=<id>] [--config=<path>] [--metrics-file=<path>]
  go-ipasign info --app=<path> [--signature] [--recursive]
  go-ipasign info --profile=<path>
  go-ipasign compare --app1=<path> --app2=<path> [--recursive]
  go-ipasign capabilities [--config=<path>]
  go-ipasign -h | --help
  go-ipasign --version

Commands:
  resign        Resign an IPA with a P12 certificate and provisioning profile
  weekly        Resign an IPA with a free Apple ID for one device
  info          Display information about an IPA, .app bundle or provisioning profile
  compare       Compare code signatures between two apps
  capabilities  List the signing flows available with the current configuration

Options:
  --app=<path>           Path to the input .ipa (info also accepts a .app bundle)
  --app1=<path>          First app for comparison
  --app2=<path>          Second app for comparison
  --p12=<path>           P12 certificate file (or CODESIGN_P12)
  --profile=<path>       Provisioning profile (or CODESIGN_PROFILE)
  --password=<pw>        P12 password for resign (or CODESIGN_PASSWORD),
                         Apple ID password for weekly (or IPASIGN_APPLE_PASSWORD)
  --apple-id=<id>        Apple ID email
  --udid=<udid>          UDID of the device the app will run on
  --code=<code>          Two-factor code; prompted for when omitted
  --output=<path>        Output IPA, defaults to <input>-signed.ipa
  --bundleid=<id>        New bundle ID to apply
  --legacy-sha1          Use SHA-1 as the primary CodeDirectory hash
  --inplace              Sign a .app bundle in place (modifies the original)
  --config=<path>        YAML configuration file
  --metrics-file=<path>  Write prometheus metrics here on exit (or IPASIGN_METRICS_FILE)
  --signature            Show detailed code signature information
  --recursive            Include nested bundles like Frameworks/ and PlugIns/
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  CODESIGN_P12, CODESIGN_PROFILE, CODESIGN_PASSWORD
  IPASIGN_APPLE_ID, IPASIGN_APPLE_PASSWORD, IPASIGN_TEAM_ID
  IPASIGN_LOG_LEVEL, IPASIGN_LOG_ENV, IPASIGN_METRICS_FILE

Exit codes:
  0 success, 1 internal error, 2 invalid input, 3 credentials,
  4 trust, 5 quota, 6 network

Examples:
  # Resign with a developer certificate
  go-ipasign resign --app=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --password=secret

  # Resign a .app bundle in place
  go-ipasign resign --app=MyApp.app --p12=cert.p12 --profile=dev.mobileprovision --inplace

  # Resign using environment variables (useful for CI/CD)
  export CODESIGN_P12=/path/to/cert.p12
  export CODESIGN_PROFILE=/path/to/profile.mobileprovision
  export CODESIGN_PASSWORD=secret
  go-ipasign resign --app=MyApp.ipa

  # Resign with a free Apple ID for one device
  go-ipasign weekly --app=MyApp.ipa --apple-id=me@example.com --udid=00008030-001A2D3E1E88802E

  # View signature info for app and all nested bundles
  go-ipasign info --app=MyApp.ipa --signature --recursive

  # Compare signatures between two apps
  go-ipasign compare --app1=App1.app --app2=App2.app --recursive
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var run func(context.Context, docopt.Opts) error
	switch {
	case flag(opts, "resign"):
		run = runResign
	case flag(opts, "weekly"):
		run = runWeekly
	case flag(opts, "info"):
		run = runInfo
	case flag(opts, "compare"):
		run = runCompare
	case flag(opts, "capabilities"):
		run = runCapabilities
	}
	if run == nil {
		return
	}
	if err := run(ctx, opts); err != nil {
		stop()
		os.Exit(report(err))
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func str(opts docopt.Opts, name string) string {
	v, _ := opts.String(name)
	return v
}

// report prints err and returns the exit code for its kind.
func report(err error) int {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Cancelled")
		return 130
	}
	kind := signerr.KindOf(err)
	op := signerr.OpOf(err)
	msg := strings.TrimPrefix(err.Error(), op+": ")
	if op == "" {
		op = "main"
	}
	fmt.Fprintf(os.Stderr, "Error [%s] %s: %s\n", kind, op, msg)
	return exitCode(kind)
}

func exitCode(k signerr.Kind) int {
	switch k {
	case signerr.InputValidation:
		return 2
	case signerr.Credential:
		return 3
	case signerr.Trust:
		return 4
	case signerr.Quota:
		return 5
	case signerr.Network:
		return 6
	}
	return 1
}

// setup loads configuration and builds the logger and metrics shared by the
// signing commands.
func setup(opts docopt.Opts) (*config.Config, *zap.Logger, *metrics.Metrics, error) {
	cfg, err := config.Load(str(opts, "--config"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := str(opts, "--metrics-file"); f != "" {
		cfg.Metrics.File = f
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = "go-ipasign"
	}
	if cfg.Log.Version == "" {
		cfg.Log.Version = version
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, metrics.New(), nil
}

func writeMetrics(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) {
	if err := m.WriteFile(cfg.Metrics.File); err != nil {
		log.Warn("failed to write metrics", zap.String("file", cfg.Metrics.File), zap.Error(err))
	}
}

func newEngine(cfg *config.Config, log *zap.Logger, m *metrics.Metrics, extra ...engine.Option) *engine.Engine {
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithTrust(identity.ChainOptions{
			CheckRevocation: cfg.Signing.CheckRevocation,
			HTTPClient:      &http.Client{Timeout: cfg.Apple.Timeout},
			Logger:          log,
		}),
	}
	return engine.New(append(opts, extra...)...)
}

func runResign(ctx context.Context, opts docopt.Opts) error {
	cfg, log, m, err := setup(opts)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer writeMetrics(cfg, m, log)

	inputPath := str(opts, "--app")
	p12Path := firstOf(str(opts, "--p12"), cfg.Annual.P12)
	profilePath := firstOf(str(opts, "--profile"), cfg.Annual.Profile)
	password := firstOf(str(opts, "--password"), cfg.Annual.Password)

	if p12Path == "" {
		return signerr.Ef("main.resign", signerr.ErrMalformedContainer, "--p12 is required (or set CODESIGN_P12 environment variable)")
	}
	if profilePath == "" {
		return signerr.Ef("main.resign", signerr.ErrMalformedProfile, "--profile is required (or set CODESIGN_PROFILE environment variable)")
	}

	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return signerr.Ef("main.resign", signerr.ErrMalformedContainer, "failed to read P12 file: %w", err)
	}
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return signerr.Ef("main.resign", signerr.ErrMalformedProfile, "failed to read provisioning profile: %w", err)
	}

	creds := annual.Credentials{P12: p12Data, Password: password, Profile: profileData}
	legacy := flag(opts, "--legacy-sha1") || cfg.Signing.LegacySHA1
	e := newEngine(cfg, log, m)

	if !strings.HasSuffix(strings.ToLower(inputPath), ".ipa") {
		if !flag(opts, "--inplace") {
			return signerr.Ef("main.resign", signerr.ErrMalformedArchive, ".app bundles are only signed with --inplace")
		}
		return resignApp(ctx, e, log, inputPath, creds, str(opts, "--bundleid"), legacy)
	}

	fmt.Printf("Resigning IPA: %s\n", inputPath)
	fmt.Printf("Using certificate: %s\n", p12Path)
	fmt.Printf("Using profile: %s\n", profilePath)
	if bundleID := str(opts, "--bundleid"); bundleID != "" {
		fmt.Printf("New Bundle ID: %s\n", bundleID)
	}
	fmt.Println()

	res, err := e.SignAnnual(ctx, annual.Request{
		InputPath:   inputPath,
		OutputPath:  str(opts, "--output"),
		NewBundleID: str(opts, "--bundleid"),
		Credentials: creds,
		LegacySHA1:  legacy,
		WorkDir:     cfg.Signing.WorkDir,
	})
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

// resignApp signs an unpacked .app directory in place.
func resignApp(ctx context.Context, e *engine.Engine, log *zap.Logger, appPath string, creds annual.Credentials, newBundleID string, legacy bool) error {
	bundleID, err := codesign.GetAppBundleID(appPath)
	if err != nil {
		return signerr.E("main.resign", signerr.ErrMissingMetadata, err)
	}
	fmt.Printf("Resigning .app bundle in place: %s\n", appPath)

	flow := annual.New(creds, annual.WithTrust(e.Trust()), annual.WithLogger(log))
	c, err := flow.Resolve(ctx, codesign.Target{ArchivePath: appPath, BundleID: bundleID, NewBundleID: newBundleID})
	if err != nil {
		return err
	}
	defer c.Identity.Release()

	s, err := codesign.NewSigner(c, codesign.WithLegacySHA1(legacy), codesign.WithLogger(log))
	if err != nil {
		return err
	}
	signed, err := s.SignApp(ctx, appPath, newBundleID)
	if err != nil {
		return err
	}
	fmt.Printf("Signed %d binaries\n", len(signed))
	fmt.Printf("Successfully resigned .app bundle in-place: %s\n", appPath)
	return nil
}

func runWeekly(ctx context.Context, opts docopt.Opts) error {
	cfg, log, m, err := setup(opts)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer writeMetrics(cfg, m, log)

	appleID := firstOf(str(opts, "--apple-id"), cfg.Apple.AppleID)
	password := firstOf(str(opts, "--password"), cfg.Apple.Password)
	if password == "" {
		return signerr.Ef("main.weekly", signerr.ErrInvalidCredentials, "--password is required (or set IPASIGN_APPLE_PASSWORD environment variable)")
	}

	client := &http.Client{Timeout: cfg.Apple.Timeout}
	policy := retry.Policy{MaxRetries: cfg.Apple.MaxRetries}

	anisette := appleauth.NewHTTPAnisette(cfg.Apple.AnisetteServers, client)
	anisette.Logger = log
	anisette.Metrics = m
	auth := appleauth.New(appleauth.Config{
		Endpoint:        cfg.Apple.AuthEndpoint,
		Anisette:        anisette,
		Client:          client,
		Retry:           policy,
		MaxCodeAttempts: cfg.Apple.MaxCodeAttempts,
		Logger:          log,
		Metrics:         m,
	})
	defer auth.Logout()

	services := weekly.NewHTTPServices(weekly.HTTPServicesConfig{
		BaseURL:           cfg.Apple.ServicesURL,
		Client:            client,
		RequestsPerSecond: cfg.Apple.RequestsPerSecond,
		Retry:             policy,
		Logger:            log,
		Metrics:           m,
	})
	flow := weekly.New(auth, services, str(opts, "--udid"),
		weekly.WithTeamID(cfg.Apple.TeamID),
		weekly.WithLogger(log))

	// Fail on a bad UDID before touching the account.
	if _, err := weekly.NormalizeUDID(str(opts, "--udid")); err != nil {
		return err
	}

	fmt.Printf("Signing in as %s\n", appleID)
	if err := login(ctx, auth, appleID, password, str(opts, "--code")); err != nil {
		return err
	}

	fmt.Printf("Resigning IPA: %s\n", str(opts, "--app"))
	res, err := newEngine(cfg, log, m, engine.WithWeekly(flow)).SignWeekly(ctx, weekly.Request{
		InputPath:   str(opts, "--app"),
		OutputPath:  str(opts, "--output"),
		NewBundleID: str(opts, "--bundleid"),
		LegacySHA1:  cfg.Signing.LegacySHA1,
		WorkDir:     cfg.Signing.WorkDir,
	})
	if err != nil {
		return err
	}
	printResult(res)
	fmt.Printf("Valid for: 7 days\n")
	return nil
}

// login signs in and completes two-factor authentication, prompting for the
// code on stdin when none was given.
func login(ctx context.Context, auth *appleauth.Authenticator, appleID, password, code string) error {
	res, err := auth.Login(ctx, appleID, password)
	if err != nil {
		return err
	}
	if !res.SecondFactorRequired {
		return nil
	}

	in := bufio.NewReader(os.Stdin)
	for {
		if code == "" {
			fmt.Print("Enter the verification code shown on your trusted device: ")
			line, err := in.ReadString('\n')
			if err != nil {
				return signerr.Ef("main.login", signerr.ErrSecondFactorNeeded, "no verification code entered")
			}
			code = strings.TrimSpace(line)
		}
		_, err := auth.SubmitSecondFactor(ctx, res.SessionToken, code)
		if err == nil {
			return nil
		}
		if !errors.Is(err, signerr.ErrInvalidCode) || auth.State() != appleauth.AwaitingSecondFactor {
			return err
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		code = ""
	}
}

func printResult(res *codesign.Result) {
	fmt.Printf("Signed %d binaries in %s\n", len(res.Signed), res.Duration.Round(time.Millisecond))
	fmt.Printf("Bundle ID: %s\n", res.BundleID)
	fmt.Printf("Successfully resigned IPA: %s\n", res.OutputPath)
}

func runCapabilities(_ context.Context, opts docopt.Opts) error {
	cfg, err := config.Load(str(opts, "--config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var extra []engine.Option
	if cfg.Apple.AppleID != "" {
		// Only listed, never run.
		extra = append(extra, engine.WithWeekly(weekly.New(nil, nil, "")))
	}
	e := engine.New(extra...)

	fmt.Println("Signing Capabilities")
	fmt.Println("====================")
	for _, c := range e.Capabilities() {
		switch c {
		case engine.Annual:
			fmt.Printf("annual   P12 certificate + provisioning profile\n")
		case engine.Weekly:
			fmt.Printf("weekly   Apple ID %s, %d app IDs per 7 days, %d apps at once\n",
				cfg.Apple.AppleID, weekly.MaxAppIDs, weekly.MaxConcurrentApps)
		}
	}
	if !e.HasWeekly() {
		fmt.Println()
		fmt.Println("Weekly signing is unavailable: set apple.apple_id or IPASIGN_APPLE_ID.")
	}
	return nil
}

func runInfo(ctx context.Context, opts docopt.Opts) error {
	inputPath := str(opts, "--app")
	profilePath := str(opts, "--profile")

	if inputPath != "" {
		return showAppInfo(ctx, inputPath, flag(opts, "--signature"), flag(opts, "--recursive"))
	} else if profilePath != "" {
		return showProfileInfo(profilePath)
	}
	return fmt.Errorf("either --app or --profile is required")
}

func runCompare(_ context.Context, opts docopt.Opts) error {
	app1Path := str(opts, "--app1")
	app2Path := str(opts, "--app2")
	recursive := flag(opts, "--recursive")

	left, err := codesign.InspectBundle(app1Path, recursive)
	if err != nil {
		return signerr.Wrap("main.compare", err)
	}
	right, err := codesign.InspectBundle(app2Path, recursive)
	if err != nil {
		return signerr.Wrap("main.compare", err)
	}
	codesign.PrintDifferences(os.Stdout, codesign.Compare(left, right))
	return nil
}

func showAppInfo(ctx context.Context, inputPath string, showSignature, recursive bool) error {
	var appPath, bundleID, execName string

	isIPA := strings.HasSuffix(strings.ToLower(inputPath), ".ipa")
	if isIPA {
		a, err := codesign.OpenArchive(ctx, inputPath, "")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck
		appPath, bundleID, execName = a.AppPath, a.BundleID, a.Executable
	} else {
		appPath = inputPath
		var err error
		if bundleID, err = codesign.GetAppBundleID(appPath); err != nil {
			return signerr.Ef("main.info", signerr.ErrMissingMetadata, "failed to get bundle ID: %w", err)
		}
		if execName, err = codesign.GetAppExecutableName(appPath); err != nil {
			return signerr.Ef("main.info", signerr.ErrMissingMetadata, "failed to get executable name: %w", err)
		}
	}

	if isIPA {
		fmt.Println("IPA Information")
		fmt.Println("===============")
		fmt.Printf("File:        %s\n", inputPath)
	} else {
		fmt.Println("App Bundle Information")
		fmt.Println("======================")
		fmt.Printf("Path:        %s\n", inputPath)
	}
	fmt.Printf("App Name:    %s\n", filepath.Base(appPath))
	fmt.Printf("Bundle ID:   %s\n", bundleID)
	fmt.Printf("Executable:  %s\n", execName)

	if data, err := os.ReadFile(filepath.Join(appPath, "embedded.mobileprovision")); err == nil {
		if profile, err := provision.Parse(data); err == nil {
			fmt.Println()
			fmt.Println("Embedded Provisioning Profile")
			fmt.Println("-----------------------------")
			fmt.Printf("Team ID:        %s\n", profile.TeamID())
			fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("Wildcard:       %v\n", profile.IsWildcard())
			fmt.Printf("Expired:        %v\n", profile.IsExpired(time.Now()))
			fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
			printCertificates(profile)
		}
	}

	if showSignature {
		fmt.Println()
		fmt.Println("Code Signature Details")
		fmt.Println("======================")

		infos, err := codesign.InspectBundle(appPath, recursive)
		if err != nil {
			return signerr.Wrap("main.info", err)
		}
		for _, info := range infos {
			codesign.PrintSignatureInfo(os.Stdout, info, filepath.Dir(info.Path))
		}
	}
	return nil
}

func showProfileInfo(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return signerr.Ef("main.info", signerr.ErrMalformedProfile, "failed to read profile: %w", err)
	}
	profile, err := provision.Parse(data)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired(time.Now()))
	printCertificates(profile)

	if profile.ProvisionsAllDevices {
		fmt.Printf("Devices:        all (enterprise)\n")
	} else if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, profile.Entitlements[k])
		}
	}
	return nil
}

func printCertificates(profile *provision.Profile) {
	certs, err := profile.Certificates()
	if err != nil {
		return
	}
	fmt.Printf("Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Printf("      Type: %s\n", identity.ClassifyCertificate(cert))
		fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
		fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		if team := identity.TeamIDFromCertificate(cert); team != "" {
			fmt.Printf("      Team ID: %s\n", team)
		}
	}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
