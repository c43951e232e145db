package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const installNote = `To install, drag the application onto the Applications shortcut.

The application is signed and notarized; macOS may still ask for
confirmation on first launch.
`

// buildDmg stages the bundle next to an Applications symlink and an
// install note, synthesizes a compressed journaled disk image, and
// signs the image file with the application identity. The bundle inside
// was already signed, so only the image itself is signed here. Without
// an application identity the image is left unsigned.
func (b *Builder) buildDmg(ctx context.Context, req Request) (*Container, error) {
	staging, err := stagingDir("dmg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	defer os.RemoveAll(staging)

	appName := filepath.Base(req.BundlePath)
	if err := copyBundle(req.BundlePath, filepath.Join(staging, appName)); err != nil {
		return nil, fmt.Errorf("%w: failed to stage bundle: %v", ErrPackaging, err)
	}

	if err := os.Symlink("/Applications", filepath.Join(staging, "Applications")); err != nil {
		return nil, fmt.Errorf("%w: failed to create Applications symlink: %v", ErrPackaging, err)
	}
	if err := os.WriteFile(filepath.Join(staging, "INSTALL.txt"), []byte(installNote), 0644); err != nil {
		return nil, fmt.Errorf("%w: failed to write install note: %v", ErrPackaging, err)
	}

	volName := bundleBase(appName)
	outPath := filepath.Join(req.OutputDir, fmt.Sprintf("%s-%s.dmg", volName, req.Version))

	b.log.Info("Building disk image", "volume", volName, "output", outPath)

	if _, err := b.runner.Run(ctx, "hdiutil", "create",
		"-volname", volName,
		"-srcfolder", staging,
		"-fs", "HFS+J",
		"-format", "UDZO",
		"-ov",
		outPath); err != nil {
		return nil, fmt.Errorf("%w: hdiutil: %v", ErrPackaging, err)
	}

	if req.AppIdentity.Label == "" {
		b.log.Info("No application identity, leaving disk image unsigned", "path", outPath)
		return &Container{Path: outPath, Format: FormatDmg}, nil
	}

	if _, err := b.runner.Run(ctx, "codesign", "--force", "--sign", req.AppIdentity.Label,
		"--timestamp", outPath); err != nil {
		return nil, fmt.Errorf("%w: disk image signing: %v", ErrPackaging, err)
	}

	return &Container{Path: outPath, Format: FormatDmg, Signed: true}, nil
}
