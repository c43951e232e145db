// Package pipeline sequences keychain provisioning, bundle signing,
// installer packaging, and notarization into one state machine per
// application bundle and aggregates the results across bundles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tirans/macpack/pkg/codesign"
	"github.com/tirans/macpack/pkg/execx"
	"github.com/tirans/macpack/pkg/installer"
	"github.com/tirans/macpack/pkg/keychain"
	"github.com/tirans/macpack/pkg/notary"
)

// BundleSpec names one application bundle to process. BundleID and
// Version override the values read from the bundle's Info.plist when
// set.
type BundleSpec struct {
	Path     string
	BundleID string
	Version  string
}

// Options configure one pipeline run.
type Options struct {
	Material     keychain.Material
	Credentials  notary.Credentials
	Entitlements codesign.Entitlements
	OutputDir    string

	// SkipNotarize leaves containers signed-only. Useful for local
	// builds without notary credentials.
	SkipNotarize bool

	// SkipSign skips keychain provisioning and signing entirely and
	// produces unsigned disk images. Implies SkipNotarize: an unsigned
	// container has nothing to notarize.
	SkipSign bool

	// NotaryTimeout bounds the submit-and-wait step. Zero means
	// notary.DefaultTimeout.
	NotaryTimeout time.Duration
}

// Context carries the run's provisioned store and resolved identities
// through every component call, replacing ambient process state. The
// mutex serializes store access: the store's search-list membership and
// unlock state are process-wide, so concurrent workers must not
// interleave signing calls against it.
type Context struct {
	Keychain  *keychain.Keychain
	App       keychain.Identity
	Installer *keychain.Identity

	mu sync.Mutex
}

// Pipeline runs bundles to completion, one at a time, against a single
// credential store provisioned for the run.
type Pipeline struct {
	runner execx.Runner
	log    *slog.Logger
	opts   Options
}

func New(runner execx.Runner, log *slog.Logger, opts Options) *Pipeline {
	return &Pipeline{runner: runner, log: log, opts: opts}
}

// Run provisions the credential store, processes every bundle through
// the state machine, and tears the store down. A provisioning failure
// aborts before any signing; per-bundle failures abort only that
// bundle.
func (p *Pipeline) Run(ctx context.Context, specs []BundleSpec) (*Report, error) {
	pctx := &Context{}

	if p.opts.SkipSign {
		p.log.Info("Signing disabled, producing unsigned containers")
	} else {
		store, err := keychain.Provision(ctx, p.runner, p.log, p.opts.Material)
		if err != nil {
			return nil, fmt.Errorf("keychain provisioning failed: %w", err)
		}
		defer store.Delete(ctx)
		pctx.Keychain = store

		pctx.App, err = store.ResolveIdentity(ctx, keychain.RoleApplication)
		if err != nil {
			return nil, err
		}

		// The installer identity is optional; absence routes packaging
		// to the disk-image format.
		if id, err := store.ResolveIdentity(ctx, keychain.RoleInstaller); err == nil {
			pctx.Installer = &id
		} else {
			p.log.Info("No installer identity resolved, packaging falls back to disk image")
		}
	}

	report := &Report{}
	for _, spec := range specs {
		result := p.runBundle(ctx, pctx, spec)
		p.log.Info("Bundle finished", "bundle", spec.Path, "state", result.State.String())
		report.Results = append(report.Results, result)
	}

	return report, nil
}

// runBundle drives one bundle through sign, package, notarize, staple.
func (p *Pipeline) runBundle(ctx context.Context, pctx *Context, spec BundleSpec) Result {
	result := Result{Spec: spec, State: StateUnsigned}

	var signReport *codesign.SignReport
	if p.opts.SkipSign {
		// Packaging still needs the bundle metadata.
		bundle, err := codesign.ScanBundle(spec.Path)
		if err != nil {
			result.Err = err
			return result
		}
		signReport = &codesign.SignReport{Bundle: bundle}
	} else {
		// Signing borrows the shared store; serialize access for the
		// whole signing pass.
		pctx.mu.Lock()
		signer := codesign.NewSigner(p.runner, p.log, pctx.App, p.opts.Entitlements)
		report, err := signer.Sign(ctx, spec.Path)
		pctx.mu.Unlock()
		if err != nil {
			result.Err = err
			return result
		}
		signReport = report
		result.State = advance(result.State, StateSigned)
	}
	result.Warnings = signReport.Warnings

	req := installer.Request{
		BundlePath:        spec.Path,
		OutputDir:         p.opts.OutputDir,
		BundleID:          firstNonEmpty(spec.BundleID, signReport.Bundle.Identifier),
		Version:           firstNonEmpty(spec.Version, signReport.Bundle.Version, "0.0.0"),
		AppIdentity:       pctx.App,
		InstallerIdentity: pctx.Installer,
	}

	builder := installer.NewBuilder(p.runner, p.log)
	for _, format := range installer.ChooseFormats(pctx.Installer) {
		container, err := builder.Build(ctx, req, format)
		if err != nil {
			result.Err = err
			return result
		}
		result.Containers = append(result.Containers, container)
	}
	result.State = advance(result.State, StatePackaged)

	if p.opts.SkipNotarize || p.opts.SkipSign {
		result.State = advance(result.State, StateDone)
		return result
	}

	client := notary.NewClient(p.runner, p.log, p.opts.Credentials, p.opts.NotaryTimeout)
	client.LogDir = p.opts.OutputDir

	for _, container := range result.Containers {
		result.State = advance(result.State, StateSubmitted)

		if _, err := client.Submit(ctx, container.Path); err != nil {
			// The signed container is still emitted as an artifact; the
			// run is marked failed through the terminal state.
			switch {
			case errors.Is(err, notary.ErrNotarizationTimeout):
				result.State = advance(result.State, StateTimedOut)
			default:
				result.State = advance(result.State, StateRejected)
			}
			result.Err = err
			return result
		}
		container.Notarized = true
		result.State = advance(result.State, StateNotarized)

		if err := client.Staple(ctx, container.Path); err != nil {
			// Warning only: the container is validly notarized even
			// without an embedded ticket.
			p.log.Warn("Stapling failed", "path", container.Path, "err", err)
		} else {
			container.Stapled = true
			result.State = advance(result.State, StateStapled)
		}
	}

	result.State = advance(result.State, StateDone)
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
