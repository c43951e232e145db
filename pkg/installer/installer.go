// Package installer wraps a signed application bundle into an
// installable container: a signed installer package when a Developer ID
// Installer identity is available, a signed disk image otherwise.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tirans/macpack/pkg/execx"
	"github.com/tirans/macpack/pkg/keychain"
)

// ErrPackaging indicates the attempted container format failed. The
// failure is fatal for that format; the other format is never retried.
var ErrPackaging = errors.New("packaging failed")

// Format is an installable container format.
type Format string

const (
	FormatPkg Format = "pkg"
	FormatDmg Format = "dmg"
)

// ChooseFormats is the format decision table, keyed on installer
// identity availability at provisioning time rather than on packaging
// failures. With an installer identity both container formats are
// produced; without one only the disk image is, which is a downgrade,
// not an error.
func ChooseFormats(installer *keychain.Identity) []Format {
	if installer != nil {
		return []Format{FormatPkg, FormatDmg}
	}
	return []Format{FormatDmg}
}

// Container is one produced installable artifact with its trust status.
type Container struct {
	Path      string
	Format    Format
	Signed    bool
	Notarized bool
	Stapled   bool
}

// Request describes one packaging job.
type Request struct {
	BundlePath string
	OutputDir  string
	BundleID   string
	Version    string

	AppIdentity       keychain.Identity
	InstallerIdentity *keychain.Identity
}

// Builder builds installable containers from signed bundles.
type Builder struct {
	runner execx.Runner
	log    *slog.Logger
}

func NewBuilder(runner execx.Runner, log *slog.Logger) *Builder {
	return &Builder{runner: runner, log: log}
}

// Build packages the signed bundle into the requested format.
func (b *Builder) Build(ctx context.Context, req Request, format Format) (*Container, error) {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output dir: %v", ErrPackaging, err)
	}

	switch format {
	case FormatPkg:
		return b.buildPkg(ctx, req)
	case FormatDmg:
		return b.buildDmg(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrPackaging, format)
	}
}

// stagingDir creates a uniquely named scratch directory. Every call
// stages into a fresh directory to avoid collisions between workers.
func stagingDir(kind string) (string, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("macpack-%s-%s", kind, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	return dir, nil
}

// copyBundle copies an app bundle preserving modes and symlinks.
// Frameworks rely on their Versions symlink structure surviving.
func copyBundle(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, relPath)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, destPath)
		}

		if info.IsDir() {
			return os.MkdirAll(destPath, info.Mode())
		}

		return copyFile(path, destPath, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
