package pipeline

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tirans/macpack/pkg/codesign"
	"github.com/tirans/macpack/pkg/execx"
	"github.com/tirans/macpack/pkg/installer"
	"github.com/tirans/macpack/pkg/keychain"
	"github.com/tirans/macpack/pkg/notary"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

const (
	testAppLabel       = "Developer ID Application: Test Corp (ABCDE12345)"
	testInstallerLabel = "Developer ID Installer: Test Corp (ABCDE12345)"

	acceptedJSON = `{"id":"abc-123","status":"Accepted"}`
	invalidJSON  = `{"id":"abc-123","status":"Invalid"}`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeP12(t *testing.T, commonName, password string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	data, err := gop12.Modern.Encode(key, cert, nil, password)
	require.NoError(t, err)
	return data
}

func testMaterial(t *testing.T, withInstaller bool) keychain.Material {
	m := keychain.Material{
		AppCertificate: makeP12(t, testAppLabel, "app-pass"),
		AppPassphrase:  "app-pass",
	}
	if withInstaller {
		m.InstallerCertificate = makeP12(t, testInstallerLabel, "inst-pass")
		m.InstallerPassphrase = "inst-pass"
	}
	return m
}

var machO64 = []byte{0xcf, 0xfa, 0xed, 0xfe, 0x00, 0x00, 0x00, 0x00}

const infoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.demo</string>
	<key>CFBundleExecutable</key>
	<string>Demo</string>
	<key>CFBundleShortVersionString</key>
	<string>1.2.3</string>
</dict>
</plist>
`

func makeBundle(t *testing.T) string {
	t.Helper()

	bundle := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "Contents", "MacOS"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "Contents", "Frameworks"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Contents", "Info.plist"), []byte(infoPlist), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Contents", "MacOS", "Demo"), machO64, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Contents", "Frameworks", "libhelper.dylib"), machO64, 0755))
	return bundle
}

type call struct {
	name string
	args []string
}

type fakeTools struct {
	calls   []call
	respond func(name string, args []string) (execx.Result, error)
}

func (f *fakeTools) Run(ctx context.Context, name string, args ...string) (execx.Result, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.respond != nil {
		if res, err := f.respond(name, args); res.Stdout != "" || err != nil {
			return res, err
		}
	}
	return f.defaults(name, args)
}

// defaults answers like a healthy macOS toolchain.
func (f *fakeTools) defaults(name string, args []string) (execx.Result, error) {
	switch {
	case name == "security" && len(args) == 3 && args[0] == "list-keychains":
		return execx.Result{Stdout: "    \"/Users/dev/Library/Keychains/login.keychain-db\"\n"}, nil
	case name == "xcrun" && len(args) > 1 && args[1] == "submit":
		return execx.Result{Stdout: acceptedJSON}, nil
	}
	return execx.Result{}, nil
}

func (f *fakeTools) count(toolName string) int {
	n := 0
	for _, c := range f.calls {
		if c.name == toolName {
			n++
		}
	}
	return n
}

func (f *fakeTools) countSub(toolName, sub string) int {
	n := 0
	for _, c := range f.calls {
		if c.name == toolName && len(c.args) > 0 && c.args[0] == sub {
			n++
		}
	}
	return n
}

func testOptions(t *testing.T, withInstaller bool) Options {
	return Options{
		Material:     testMaterial(t, withInstaller),
		Credentials:  notary.Credentials{AppleID: "dev@example.com", Password: "pw", TeamID: "ABCDE12345"},
		Entitlements: codesign.DefaultEntitlements(),
		OutputDir:    t.TempDir(),
	}
}

func TestRunBothIdentitiesProducesBothContainers(t *testing.T) {
	tools := &fakeTools{}
	p := New(tools, testLogger(), testOptions(t, true))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Succeeded())

	require.Len(t, res.Containers, 2)
	assert.Equal(t, installer.FormatPkg, res.Containers[0].Format)
	assert.Equal(t, installer.FormatDmg, res.Containers[1].Format)
	for _, c := range res.Containers {
		assert.True(t, c.Signed)
		assert.True(t, c.Notarized)
		assert.True(t, c.Stapled)
	}

	assert.Equal(t, 1, tools.count("pkgbuild"))
	assert.Equal(t, 1, tools.count("hdiutil"))
	assert.Equal(t, 1, report.Notarized())
	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, ExitOK, report.ExitCode())

	summary := report.Summary()
	assert.Contains(t, summary, "Demo-1.2.3.pkg")
	assert.Contains(t, summary, "Demo-1.2.3.dmg")
	assert.Contains(t, summary, "notarized 1/1, failed 0")
}

func TestRunApplicationOnlyFallsBackToDiskImage(t *testing.T) {
	tools := &fakeTools{}
	p := New(tools, testLogger(), testOptions(t, false))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.NoError(t, res.Err)
	require.Len(t, res.Containers, 1)
	assert.Equal(t, installer.FormatDmg, res.Containers[0].Format)
	assert.Equal(t, 0, tools.count("pkgbuild"))
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestRunSkipNotarize(t *testing.T) {
	tools := &fakeTools{}
	opts := testOptions(t, false)
	opts.SkipNotarize = true
	p := New(tools, testLogger(), opts)

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Containers[0].Notarized)
	assert.Equal(t, 0, tools.count("xcrun"))
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.Equal(t, 0, report.Notarized())
}

func TestRunComponentWarningStillSucceeds(t *testing.T) {
	tools := &fakeTools{}
	tools.respond = func(name string, args []string) (execx.Result, error) {
		if name == "codesign" && strings.Contains(args[len(args)-1], "libhelper.dylib") {
			return execx.Result{ExitCode: 1}, fmt.Errorf("codesign exited with status 1")
		}
		return execx.Result{}, nil
	}
	p := New(tools, testLogger(), testOptions(t, false))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Path, "libhelper.dylib")
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.Contains(t, report.Summary(), "warning:")
}

func TestRunNotarizationTimeoutEmitsArtifact(t *testing.T) {
	tools := &fakeTools{}
	tools.respond = func(name string, args []string) (execx.Result, error) {
		if name == "xcrun" && len(args) > 1 && args[1] == "submit" {
			return execx.Result{}, context.DeadlineExceeded
		}
		return execx.Result{}, nil
	}
	opts := testOptions(t, false)
	opts.NotaryTimeout = time.Minute
	p := New(tools, testLogger(), opts)

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.ErrorIs(t, res.Err, notary.ErrNotarizationTimeout)
	assert.Equal(t, StateTimedOut, res.State)

	// The signed container is still reported as an artifact.
	require.Len(t, res.Containers, 1)
	assert.True(t, res.Containers[0].Signed)
	assert.False(t, res.Containers[0].Notarized)

	// Never stapled after a timeout.
	assert.Equal(t, 0, tools.countSub("xcrun", "stapler"))
	assert.Equal(t, ExitNotarization, report.ExitCode())
}

func TestRunNotarizationRejected(t *testing.T) {
	tools := &fakeTools{}
	tools.respond = func(name string, args []string) (execx.Result, error) {
		if name == "xcrun" && len(args) > 1 && args[1] == "submit" {
			return execx.Result{Stdout: invalidJSON}, nil
		}
		return execx.Result{}, nil
	}
	p := New(tools, testLogger(), testOptions(t, false))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.ErrorIs(t, res.Err, notary.ErrNotarizationRejected)
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, ExitNotarization, report.ExitCode())
	assert.Equal(t, 0, report.Notarized())
}

func TestRunSecondContainerRejectionIsTerminal(t *testing.T) {
	// The pkg notarizes and staples, then the dmg is rejected. The
	// bundle must end Rejected even though an earlier container already
	// reached Stapled.
	tools := &fakeTools{}
	tools.respond = func(name string, args []string) (execx.Result, error) {
		if name == "xcrun" && len(args) > 1 && args[1] == "submit" {
			if strings.HasSuffix(args[2], ".dmg") {
				return execx.Result{Stdout: invalidJSON}, nil
			}
			return execx.Result{Stdout: acceptedJSON}, nil
		}
		return execx.Result{}, nil
	}
	p := New(tools, testLogger(), testOptions(t, true))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.ErrorIs(t, res.Err, notary.ErrNotarizationRejected)
	assert.Equal(t, StateRejected, res.State)
	assert.False(t, res.Succeeded())

	// Both containers stay on disk in the report: the pkg fully
	// notarized, the dmg signed only.
	require.Len(t, res.Containers, 2)
	assert.True(t, res.Containers[0].Notarized)
	assert.True(t, res.Containers[0].Stapled)
	assert.False(t, res.Containers[1].Notarized)

	assert.Equal(t, 0, report.Notarized())
	assert.Equal(t, ExitNotarization, report.ExitCode())
	assert.Contains(t, report.Summary(), "REJECTED")
}

func TestRunBadPassphraseAbortsBeforeSigning(t *testing.T) {
	tools := &fakeTools{}
	opts := testOptions(t, false)
	opts.Material.AppPassphrase = "wrong"
	p := New(tools, testLogger(), opts)

	_, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, keychain.ErrCertificateImport)
	assert.Equal(t, 0, tools.count("codesign"))
}

func TestRunSigningFailureAbortsBundle(t *testing.T) {
	tools := &fakeTools{}
	tools.respond = func(name string, args []string) (execx.Result, error) {
		if name == "codesign" && args[0] == "--verify" {
			return execx.Result{ExitCode: 1}, fmt.Errorf("codesign exited with status 1")
		}
		return execx.Result{}, nil
	}
	p := New(tools, testLogger(), testOptions(t, false))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.ErrorIs(t, res.Err, codesign.ErrBundleVerification)
	assert.Equal(t, StateUnsigned, res.State)
	assert.Empty(t, res.Containers)
	assert.Equal(t, 0, tools.count("hdiutil"))
	assert.Equal(t, ExitSigning, report.ExitCode())
}

func TestRunStapleFailureIsWarningOnly(t *testing.T) {
	tools := &fakeTools{}
	tools.respond = func(name string, args []string) (execx.Result, error) {
		if name == "xcrun" && len(args) > 1 && args[0] == "stapler" && args[1] == "staple" {
			return execx.Result{ExitCode: 65}, fmt.Errorf("xcrun exited with status 65")
		}
		return execx.Result{}, nil
	}
	p := New(tools, testLogger(), testOptions(t, false))

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Containers[0].Notarized)
	assert.False(t, res.Containers[0].Stapled)
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestRunNoSignProducesUnsignedDiskImage(t *testing.T) {
	tools := &fakeTools{}
	opts := Options{
		Entitlements: codesign.DefaultEntitlements(),
		OutputDir:    t.TempDir(),
		SkipSign:     true,
	}
	p := New(tools, testLogger(), opts)

	report, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	res := report.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Succeeded())

	require.Len(t, res.Containers, 1)
	assert.Equal(t, installer.FormatDmg, res.Containers[0].Format)
	assert.False(t, res.Containers[0].Signed)
	assert.Contains(t, res.Containers[0].Path, "Demo-1.2.3.dmg")

	// No keychain, no signing, no notarization.
	assert.Equal(t, 0, tools.count("security"))
	assert.Equal(t, 0, tools.count("codesign"))
	assert.Equal(t, 0, tools.count("pkgbuild"))
	assert.Equal(t, 0, tools.count("xcrun"))
	assert.Equal(t, 1, tools.count("hdiutil"))
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestRunMultipleBundles(t *testing.T) {
	tools := &fakeTools{}
	opts := testOptions(t, false)
	opts.SkipNotarize = true
	p := New(tools, testLogger(), opts)

	report, err := p.Run(context.Background(), []BundleSpec{
		{Path: makeBundle(t)},
		{Path: makeBundle(t)},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.True(t, res.Succeeded())
	}
}

func TestRunDeletesKeychain(t *testing.T) {
	tools := &fakeTools{}
	opts := testOptions(t, false)
	opts.SkipNotarize = true
	p := New(tools, testLogger(), opts)

	_, err := p.Run(context.Background(), []BundleSpec{{Path: makeBundle(t)}})
	require.NoError(t, err)

	assert.Equal(t, 1, tools.countSub("security", "delete-keychain"))
}

func TestRunSpecOverridesInfoPlist(t *testing.T) {
	tools := &fakeTools{}
	opts := testOptions(t, false)
	opts.SkipNotarize = true
	p := New(tools, testLogger(), opts)

	report, err := p.Run(context.Background(), []BundleSpec{{
		Path:     makeBundle(t),
		BundleID: "com.example.override",
		Version:  "9.9.9",
	}})
	require.NoError(t, err)

	res := report.Results[0]
	require.Len(t, res.Containers, 1)
	assert.Contains(t, res.Containers[0].Path, "Demo-9.9.9.dmg")
}
