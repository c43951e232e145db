package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
	"howett.net/plist"
)

// Bundle is the scanned layout of one .app directory tree. The slices
// are ordered the way the signer must process them: libraries in any
// order, frameworks deepest first, nested apps before the root.
type Bundle struct {
	Path       string
	Identifier string
	Executable string
	Version    string

	Libraries   []string
	Frameworks  []string
	NestedApps  []string
	Executables []string
}

// ScanBundle walks an app bundle and classifies every component that
// participates in signing. Info.plist supplies the packaging metadata.
func ScanBundle(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle %s is not a directory", path)
	}

	b := &Bundle{Path: path}

	if err := b.readInfoPlist(); err != nil {
		return nil, err
	}

	macosDir := filepath.Join(path, "Contents", "MacOS")

	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}

		if fi.IsDir() {
			switch {
			case strings.HasSuffix(p, ".framework"):
				b.Frameworks = append(b.Frameworks, p)
			case strings.HasSuffix(p, ".app"):
				b.NestedApps = append(b.NestedApps, p)
			}
			return nil
		}

		// Symlinks are signed through their targets.
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		switch {
		case strings.HasSuffix(p, ".dylib") || strings.HasSuffix(p, ".so"):
			b.Libraries = append(b.Libraries, p)
		case filepath.Dir(p) == macosDir:
			b.Executables = append(b.Executables, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan bundle: %w", err)
	}

	// An outer framework's signature is invalidated if an inner one
	// changes after it, so deepest frameworks sign first.
	sort.Slice(b.Frameworks, func(i, j int) bool {
		di := strings.Count(b.Frameworks[i], string(os.PathSeparator))
		dj := strings.Count(b.Frameworks[j], string(os.PathSeparator))
		return di > dj
	})
	sort.Slice(b.NestedApps, func(i, j int) bool {
		di := strings.Count(b.NestedApps[i], string(os.PathSeparator))
		dj := strings.Count(b.NestedApps[j], string(os.PathSeparator))
		return di > dj
	})

	return b, nil
}

func (b *Bundle) readInfoPlist() error {
	data, err := os.ReadFile(filepath.Join(b.Path, "Contents", "Info.plist"))
	if err != nil {
		return fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to parse Info.plist: %w", err)
	}

	if id, ok := info["CFBundleIdentifier"].(string); ok {
		b.Identifier = id
	}
	if exec, ok := info["CFBundleExecutable"].(string); ok {
		b.Executable = exec
	}
	if v, ok := info["CFBundleShortVersionString"].(string); ok {
		b.Version = v
	} else if v, ok := info["CFBundleVersion"].(string); ok {
		b.Version = v
	}

	if b.Identifier == "" {
		return fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return nil
}

// Name returns the bundle directory name without the .app suffix.
func (b *Bundle) Name() string {
	return strings.TrimSuffix(filepath.Base(b.Path), ".app")
}

// IsNativeBinary reports whether the file starts with a Mach-O or fat
// magic. Non-binary files under the executable directory (launcher
// scripts, text) are skipped silently by the signer.
func IsNativeBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var raw [4]byte
	if _, err := io.ReadFull(f, raw[:]); err != nil {
		return false
	}

	le := binary.LittleEndian.Uint32(raw[:])
	be := binary.BigEndian.Uint32(raw[:])

	switch {
	case le == 0xfeedface || le == 0xfeedfacf: // MH_MAGIC, MH_MAGIC_64
		return true
	case be == 0xcafebabe || be == 0xcafebabf: // FAT_MAGIC, FAT_MAGIC_64
		return true
	}
	return false
}

// describeBinary returns the CPU architectures of a Mach-O file for
// diagnostics, or "unknown" when the file cannot be parsed.
func describeBinary(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}

	if fat, err := macho.NewFatFile(bytes.NewReader(data)); err == nil {
		defer fat.Close()
		var cpus []string
		for _, arch := range fat.Arches {
			cpus = append(cpus, arch.CPU.String())
		}
		return strings.Join(cpus, ",")
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return "unknown"
	}
	defer m.Close()
	return m.CPU.String()
}

// StripSignatures removes pre-existing signature metadata directories
// from the bundle tree so every component is re-signed from scratch.
func StripSignatures(bundlePath string) error {
	var stale []string
	err := filepath.Walk(bundlePath, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() && fi.Name() == "_CodeSignature" {
			stale = append(stale, p)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to locate signature directories: %w", err)
	}

	for _, dir := range stale {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}
