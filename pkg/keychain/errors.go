package keychain

import "errors"

// Provisioning failures. All three are fatal and abort the pipeline
// before any signing is attempted.
var (
	// ErrCertificateDecode indicates the encoded certificate material
	// was empty or malformed.
	ErrCertificateDecode = errors.New("certificate material could not be decoded")

	// ErrCertificateImport indicates the keychain rejected an import,
	// typically because of a wrong passphrase.
	ErrCertificateImport = errors.New("certificate import rejected")

	// ErrIdentityNotFound indicates no identity matching the expected
	// role label exists after import.
	ErrIdentityNotFound = errors.New("no matching signing identity found")
)
