package codesign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tirans/macpack/pkg/execx"
	"github.com/tirans/macpack/pkg/keychain"
)

// Bundle-fatal signing failures.
var (
	// ErrMainSigning indicates the main executable or the bundle root
	// could not be signed.
	ErrMainSigning = errors.New("main signing failed")

	// ErrBundleVerification indicates the strict recursive signature
	// check rejected the sealed bundle.
	ErrBundleVerification = errors.New("bundle verification failed")
)

// ComponentWarning records a recoverable signing failure on a nested
// component. The final strict verification is the authoritative gate.
type ComponentWarning struct {
	Path string
	Err  error
}

// SignReport is the outcome of one bundle signing pass.
type SignReport struct {
	Bundle   *Bundle
	Warnings []ComponentWarning

	// GatekeeperAccepted records the non-fatal acceptance probe. An
	// unnotarized bundle is expected to fail it.
	GatekeeperAccepted bool
}

// Signer signs every nested component of an app bundle in dependency
// order and seals the whole with the capability manifest. All steps are
// idempotent: re-signing replaces the existing signature.
type Signer struct {
	runner       execx.Runner
	log          *slog.Logger
	identity     keychain.Identity
	entitlements Entitlements
}

func NewSigner(runner execx.Runner, log *slog.Logger, identity keychain.Identity, entitlements Entitlements) *Signer {
	return &Signer{runner: runner, log: log, identity: identity, entitlements: entitlements}
}

// Sign signs the bundle inside out: signature metadata is stripped,
// then libraries, frameworks (deepest first), nested apps (with the
// manifest), the Mach-O executables, and finally the bundle root seal.
// Component failures are collected as warnings; a failure on the
// executables, the root seal, or the strict verification is fatal.
func (s *Signer) Sign(ctx context.Context, bundlePath string) (*SignReport, error) {
	bundle, err := ScanBundle(bundlePath)
	if err != nil {
		return nil, err
	}

	if err := StripSignatures(bundlePath); err != nil {
		return nil, err
	}

	entDir, err := os.MkdirTemp("", "macpack-ent-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlements dir: %w", err)
	}
	defer os.RemoveAll(entDir)

	entPath, err := s.entitlements.WriteFile(entDir)
	if err != nil {
		return nil, err
	}

	report := &SignReport{Bundle: bundle}

	s.log.Info("Signing bundle components",
		"bundle", bundle.Identifier,
		"libraries", len(bundle.Libraries),
		"frameworks", len(bundle.Frameworks),
		"nestedApps", len(bundle.NestedApps))

	for _, lib := range bundle.Libraries {
		if err := s.signFile(ctx, lib, ""); err != nil {
			report.warn(s.log, lib, err)
		}
	}

	for _, fw := range bundle.Frameworks {
		if err := s.signFile(ctx, fw, ""); err != nil {
			report.warn(s.log, fw, err)
		}
	}

	for _, app := range bundle.NestedApps {
		if err := s.signFile(ctx, app, entPath); err != nil {
			report.warn(s.log, app, err)
		}
	}

	for _, exe := range bundle.Executables {
		if !IsNativeBinary(exe) {
			continue
		}
		s.log.Debug("Signing executable", "path", exe, "arch", describeBinary(exe))
		if err := s.signFile(ctx, exe, ""); err != nil {
			return nil, fmt.Errorf("%w: executable %s: %v", ErrMainSigning, exe, err)
		}
	}

	// Root seal. Deep mode is a safety net for components the explicit
	// passes missed; the manifest is attached here.
	if err := s.signRoot(ctx, bundlePath, entPath); err != nil {
		return nil, fmt.Errorf("%w: bundle root: %v", ErrMainSigning, err)
	}

	if _, err := s.runner.Run(ctx, "codesign", "--verify", "--deep", "--strict", "--verbose=2", bundlePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleVerification, err)
	}

	// Acceptance probe only; Gatekeeper rejects unnotarized bundles,
	// so a negative result is recorded, not returned.
	if _, err := s.runner.Run(ctx, "spctl", "--assess", "--type", "execute", bundlePath); err != nil {
		s.log.Info("Gatekeeper does not yet accept bundle (expected before notarization)", "bundle", bundle.Identifier)
	} else {
		report.GatekeeperAccepted = true
	}

	s.log.Info("Bundle signed and verified", "bundle", bundle.Identifier, "warnings", len(report.Warnings))
	return report, nil
}

// signFile signs one component with hardened runtime and a trusted
// timestamp. entitlements is empty for plain libraries and frameworks.
func (s *Signer) signFile(ctx context.Context, path, entitlements string) error {
	args := []string{"--force", "--sign", s.identity.Label, "--timestamp", "--options", "runtime"}
	if entitlements != "" {
		args = append(args, "--entitlements", entitlements)
	}
	args = append(args, path)

	if _, err := s.runner.Run(ctx, "codesign", args...); err != nil {
		return err
	}
	return nil
}

func (s *Signer) signRoot(ctx context.Context, bundlePath, entitlements string) error {
	args := []string{"--force", "--deep", "--sign", s.identity.Label, "--timestamp",
		"--options", "runtime", "--entitlements", entitlements, bundlePath}
	if _, err := s.runner.Run(ctx, "codesign", args...); err != nil {
		return err
	}
	return nil
}

func (r *SignReport) warn(log *slog.Logger, path string, err error) {
	log.Warn("Failed to sign component, continuing", "path", path, "err", err)
	r.Warnings = append(r.Warnings, ComponentWarning{Path: path, Err: err})
}
