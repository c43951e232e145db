package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// buildPkg stages the bundle under a synthetic root filesystem layout
// and builds a signed installer package from it.
func (b *Builder) buildPkg(ctx context.Context, req Request) (*Container, error) {
	if req.InstallerIdentity == nil {
		return nil, fmt.Errorf("%w: installer package requires an installer identity", ErrPackaging)
	}

	staging, err := stagingDir("pkg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	defer os.RemoveAll(staging)

	appName := filepath.Base(req.BundlePath)
	stagedApp := filepath.Join(staging, "Applications", appName)
	if err := copyBundle(req.BundlePath, stagedApp); err != nil {
		return nil, fmt.Errorf("%w: failed to stage bundle: %v", ErrPackaging, err)
	}

	outPath := filepath.Join(req.OutputDir, fmt.Sprintf("%s-%s.pkg", bundleBase(appName), req.Version))

	b.log.Info("Building installer package",
		"identifier", req.BundleID, "version", req.Version, "output", outPath)

	if _, err := b.runner.Run(ctx, "pkgbuild",
		"--root", staging,
		"--identifier", req.BundleID,
		"--version", req.Version,
		"--install-location", "/",
		"--sign", req.InstallerIdentity.Label,
		"--timestamp",
		outPath); err != nil {
		return nil, fmt.Errorf("%w: pkgbuild: %v", ErrPackaging, err)
	}

	if _, err := b.runner.Run(ctx, "pkgutil", "--check-signature", outPath); err != nil {
		return nil, fmt.Errorf("%w: package signature check: %v", ErrPackaging, err)
	}

	// Install-type acceptance probe, recorded only. The package passes
	// it once notarized and stapled.
	if _, err := b.runner.Run(ctx, "spctl", "--assess", "--type", "install", outPath); err != nil {
		b.log.Info("Gatekeeper does not yet accept package (expected before notarization)", "path", outPath)
	}

	return &Container{Path: outPath, Format: FormatPkg, Signed: true}, nil
}

// bundleBase strips the .app suffix for artifact naming.
func bundleBase(appName string) string {
	if ext := filepath.Ext(appName); ext == ".app" {
		return appName[:len(appName)-len(ext)]
	}
	return appName
}
