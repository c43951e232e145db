// Package codesign signs macOS application bundles for notarized
// distribution.
//
// A bundle is considered signed only when every nested component and
// the bundle root carry a valid signature from the same Developer ID
// Application identity. The signer works inside out: dynamic libraries
// first, frameworks deepest-first, nested app bundles, the Mach-O
// executables, and finally the root seal that attaches the capability
// manifest. The sealed tree is then verified with a strict recursive
// signature check.
//
// # Basic Usage
//
//	signer := codesign.NewSigner(execx.ExecRunner{}, log, identity, codesign.DefaultEntitlements())
//	report, err := signer.Sign(ctx, "build/MyApp.app")
package codesign
