package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/tirans/macpack/pkg/codesign"
	"github.com/tirans/macpack/pkg/execx"
	"github.com/tirans/macpack/pkg/keychain"
	"github.com/tirans/macpack/pkg/notary"
	"github.com/tirans/macpack/pkg/pipeline"
)

const version = "1.0.0"

const usage = `macpack - macOS App Signing and Notarization Pipeline

Signs .app bundles with a Developer ID identity, packages them into
installable containers (.pkg and/or .dmg), submits the containers for
notarization and staples the resulting tickets.

Usage:
  macpack run --app=<path>... [--app-p12=<src>] [--app-password=<pw>] [--installer-p12=<src>] [--installer-password=<pw>] [--apple-id=<id>] [--apple-password=<pw>] [--team-id=<id>] [--output=<dir>] [--bundle-id=<id>] [--app-version=<v>] [--timeout=<minutes>] [--no-notarize] [--no-sign] [--log-json] [--log-debug]
  macpack identities [--app-p12=<src>] [--app-password=<pw>] [--installer-p12=<src>] [--installer-password=<pw>]
  macpack -h | --help
  macpack --version

Commands:
  run         Sign, package, notarize and staple one or more .app bundles
  identities  Decode the certificate material and list the signing identities it carries

Options:
  --app=<path>              Path to a .app bundle (repeat for multiple bundles)
  --app-p12=<src>           Developer ID Application P12: file path or base64 (or MACPACK_APP_P12)
  --app-password=<pw>       Passphrase for the application P12 (or MACPACK_APP_P12_PASSWORD)
  --installer-p12=<src>     Developer ID Installer P12: file path or base64 (or MACPACK_INSTALLER_P12)
  --installer-password=<pw> Passphrase for the installer P12 (or MACPACK_INSTALLER_P12_PASSWORD)
  --apple-id=<id>           Apple ID for notarization (or MACPACK_APPLE_ID)
  --apple-password=<pw>     App-specific password for notarization (or MACPACK_APPLE_ID_PASSWORD)
  --team-id=<id>            Developer team ID for notarization (or MACPACK_TEAM_ID)
  --output=<dir>            Directory for produced containers [default: artifacts]
  --bundle-id=<id>          Override the bundle identifier read from Info.plist
  --app-version=<v>         Override the version read from Info.plist
  --timeout=<minutes>       Minutes to wait for a notarization verdict [default: 30]
  --no-notarize             Sign and package only, skip notarization and stapling
  --no-sign                 Package only: skip signing entirely and produce an unsigned disk image (implies --no-notarize)
  --log-json                Log in JSON format
  --log-debug               Log debug messages
  -h --help                 Show this help message
  --version                 Show version

Environment Variables:
  MACPACK_APP_P12                Application P12, file path or base64 (overridden by --app-p12)
  MACPACK_APP_P12_PASSWORD       Application P12 passphrase
  MACPACK_INSTALLER_P12          Installer P12, file path or base64 (optional)
  MACPACK_INSTALLER_P12_PASSWORD Installer P12 passphrase
  MACPACK_APPLE_ID               Apple ID for notarization
  MACPACK_APPLE_ID_PASSWORD      App-specific password for notarization
  MACPACK_TEAM_ID                Developer team ID for notarization

Exit Codes:
  0  All bundles signed, packaged and (unless skipped) notarized
  2  Signing or packaging failure
  3  Notarization rejected or timed out
  4  Keychain provisioning or identity resolution failure

Examples:
  # Full pipeline with both identities, credentials from the environment
  export MACPACK_APP_P12=/secrets/app.p12
  export MACPACK_APP_P12_PASSWORD=secret
  export MACPACK_INSTALLER_P12=/secrets/installer.p12
  export MACPACK_INSTALLER_P12_PASSWORD=secret
  export MACPACK_APPLE_ID=dev@example.com
  export MACPACK_APPLE_ID_PASSWORD=abcd-efgh-ijkl-mnop
  export MACPACK_TEAM_ID=ABCDE12345
  macpack run --app=build/MyApp.app

  # Application identity only: produces a signed .dmg, no .pkg
  macpack run --app=build/MyApp.app --app-p12=app.p12 --app-password=secret --no-notarize

  # Local smoke build: no certificates at all, unsigned .dmg
  macpack run --app=build/MyApp.app --no-sign

  # Sign several bundles in one run
  macpack run --app=build/Server.app --app=build/Client.app --output=dist

  # Inspect certificate material without touching a keychain
  macpack identities --app-p12=app.p12 --app-password=secret
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if run, _ := opts.Bool("run"); run {
		os.Exit(runPipeline(opts))
	}
	if identities, _ := opts.Bool("identities"); identities {
		if err := runIdentities(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(pipeline.ExitProvisioning)
		}
	}
}

func runPipeline(opts docopt.Opts) int {
	logJSON, _ := opts.Bool("--log-json")
	logDebug, _ := opts.Bool("--log-debug")
	log := setupLogger(logJSON, logDebug)

	skipNotarize, _ := opts.Bool("--no-notarize")
	skipSign, _ := opts.Bool("--no-sign")

	var material keychain.Material
	if !skipSign {
		var err error
		material, err = loadMaterial(opts)
		if err != nil {
			log.Error("Certificate material unusable", "err", err)
			return pipeline.ExitProvisioning
		}
	}

	creds := notary.Credentials{
		AppleID:  stringOpt(opts, "--apple-id", "MACPACK_APPLE_ID"),
		Password: stringOpt(opts, "--apple-password", "MACPACK_APPLE_ID_PASSWORD"),
		TeamID:   stringOpt(opts, "--team-id", "MACPACK_TEAM_ID"),
	}
	if !skipNotarize && !skipSign && (creds.AppleID == "" || creds.Password == "" || creds.TeamID == "") {
		log.Error("Notarization credentials incomplete, set MACPACK_APPLE_ID, MACPACK_APPLE_ID_PASSWORD and MACPACK_TEAM_ID or pass --no-notarize")
		return pipeline.ExitProvisioning
	}

	outputDir, _ := opts.String("--output")
	bundleID, _ := opts.String("--bundle-id")
	appVersion, _ := opts.String("--app-version")

	timeoutMinutes := 30
	if raw, err := opts.String("--timeout"); err == nil {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			log.Error("Invalid --timeout value", "value", raw)
			return 1
		}
		timeoutMinutes = parsed
	}

	apps, err := appPaths(opts)
	if err != nil {
		log.Error("Invalid bundle path", "err", err)
		return 1
	}

	specs := make([]pipeline.BundleSpec, 0, len(apps))
	for _, app := range apps {
		specs = append(specs, pipeline.BundleSpec{
			Path:     app,
			BundleID: bundleID,
			Version:  appVersion,
		})
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Error("Cannot create output directory", "dir", outputDir, "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(execx.ExecRunner{Log: log}, log, pipeline.Options{
		Material:      material,
		Credentials:   creds,
		Entitlements:  codesign.DefaultEntitlements(),
		OutputDir:     outputDir,
		SkipNotarize:  skipNotarize,
		SkipSign:      skipSign,
		NotaryTimeout: time.Duration(timeoutMinutes) * time.Minute,
	})

	report, err := p.Run(ctx, specs)
	if err != nil {
		log.Error("Pipeline aborted", "err", err)
		return pipeline.ExitProvisioning
	}

	fmt.Print(report.Summary())
	return report.ExitCode()
}

func runIdentities(opts docopt.Opts) error {
	material, err := loadMaterial(opts)
	if err != nil {
		return err
	}

	records, err := keychain.DecodeRecords(material)
	if err != nil {
		return err
	}

	fmt.Println("Certificate Material")
	fmt.Println("====================")
	for _, rec := range records {
		fmt.Printf("%s\n", rec.Label)
		fmt.Printf("  Role:        %s\n", rec.Role)
		fmt.Printf("  Fingerprint: %s\n", rec.Fingerprint)
		fmt.Printf("  Expires:     %s\n", rec.NotAfter.Format("2006-01-02"))
		if rec.NotAfter.Before(time.Now()) {
			fmt.Printf("  WARNING:     certificate has expired\n")
		}
	}
	return nil
}

// loadMaterial gathers the P12 certificate material from flags and
// environment. The application certificate is mandatory; the installer
// certificate is optional and its absence routes packaging to the
// disk-image format.
func loadMaterial(opts docopt.Opts) (keychain.Material, error) {
	var m keychain.Material

	appSrc := stringOpt(opts, "--app-p12", "MACPACK_APP_P12")
	if appSrc == "" {
		return m, fmt.Errorf("--app-p12 is required (or set MACPACK_APP_P12 environment variable)")
	}
	data, err := loadCertificate(appSrc)
	if err != nil {
		return m, fmt.Errorf("failed to load application certificate: %w", err)
	}
	m.AppCertificate = data
	m.AppPassphrase = stringOpt(opts, "--app-password", "MACPACK_APP_P12_PASSWORD")

	if instSrc := stringOpt(opts, "--installer-p12", "MACPACK_INSTALLER_P12"); instSrc != "" {
		data, err := loadCertificate(instSrc)
		if err != nil {
			return m, fmt.Errorf("failed to load installer certificate: %w", err)
		}
		m.InstallerCertificate = data
		m.InstallerPassphrase = stringOpt(opts, "--installer-password", "MACPACK_INSTALLER_P12_PASSWORD")
	}

	return m, nil
}

// loadCertificate accepts either a file path or base64-encoded P12
// content, so CI secrets can be injected without touching disk.
func loadCertificate(src string) ([]byte, error) {
	if _, err := os.Stat(src); err == nil {
		return os.ReadFile(src)
	}
	if data, err := base64.StdEncoding.DecodeString(src); err == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%q is neither a readable file nor valid base64", src)
}

// stringOpt reads a flag value, falling back to the environment.
func stringOpt(opts docopt.Opts, flag, envVar string) string {
	if v, err := opts.String(flag); err == nil && v != "" {
		return v
	}
	return os.Getenv(envVar)
}

func appPaths(opts docopt.Opts) ([]string, error) {
	raw, ok := opts["--app"].([]string)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("at least one --app path is required")
	}
	for _, path := range raw {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a bundle directory", path)
		}
	}
	return raw, nil
}

func setupLogger(json, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	log := slog.New(handler).With("service", "macpack", "version", version)
	return log.With("uid", uuid.NewString())
}
