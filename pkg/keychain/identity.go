package keychain

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Role identifies what a signing identity is allowed to sign.
type Role string

const (
	// RoleApplication signs executables and app bundles.
	RoleApplication Role = "application"
	// RoleInstaller signs installer packages.
	RoleInstaller Role = "installer"
)

// roleLabelPrefix maps a role to the label prefix Apple issues for the
// matching Developer ID certificate.
func roleLabelPrefix(role Role) string {
	switch role {
	case RoleInstaller:
		return "Developer ID Installer:"
	default:
		return "Developer ID Application:"
	}
}

// Material carries the raw certificate input for one pipeline run: two
// independent PKCS#12 blobs, each protected by its own passphrase. The
// installer certificate is optional; its absence downgrades packaging
// to the disk-image format.
type Material struct {
	AppCertificate       []byte
	AppPassphrase        string
	InstallerCertificate []byte
	InstallerPassphrase  string
}

// Record is one certificate parsed out of the run's Material. Records
// are produced once during provisioning; identity resolution is a pure
// function over them instead of repeated scraping of tool output.
type Record struct {
	Role        Role
	Label       string
	Fingerprint string
	NotAfter    time.Time
}

// Identity is a resolved signing identity reference, borrowed by the
// bundle signer and installer builder for the duration of a run.
type Identity struct {
	Role        Role
	Label       string
	Fingerprint string
}

// DecodeRecords parses the run's certificate material into typed
// records. The application certificate is mandatory.
func DecodeRecords(m Material) ([]Record, error) {
	if len(m.AppCertificate) == 0 {
		return nil, fmt.Errorf("%w: application certificate material is empty", ErrCertificateDecode)
	}

	records := make([]Record, 0, 2)

	rec, err := decodeP12(m.AppCertificate, m.AppPassphrase, RoleApplication)
	if err != nil {
		return nil, err
	}
	records = append(records, rec)

	if len(m.InstallerCertificate) > 0 {
		rec, err := decodeP12(m.InstallerCertificate, m.InstallerPassphrase, RoleInstaller)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func decodeP12(data []byte, password string, role Role) (Record, error) {
	_, cert, _, err := gop12.DecodeChain(data, password)
	if err != nil {
		if err == gop12.ErrIncorrectPassword {
			return Record{}, fmt.Errorf("%w: %s certificate: %v", ErrCertificateImport, role, err)
		}
		return Record{}, fmt.Errorf("%w: %s certificate: %v", ErrCertificateDecode, role, err)
	}

	return Record{
		Role:        certificateRole(cert, role),
		Label:       cert.Subject.CommonName,
		Fingerprint: certificateFingerprint(cert),
		NotAfter:    cert.NotAfter,
	}, nil
}

// certificateRole classifies a certificate by its subject, falling back
// to the role the material arrived under when the subject is ambiguous.
func certificateRole(cert *x509.Certificate, fallback Role) Role {
	cn := cert.Subject.CommonName
	switch {
	case strings.HasPrefix(cn, roleLabelPrefix(RoleInstaller)):
		return RoleInstaller
	case strings.HasPrefix(cn, roleLabelPrefix(RoleApplication)):
		return RoleApplication
	default:
		return fallback
	}
}

func certificateFingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// resolveFromRecords performs the first resolution strategy: an exact
// role-label match over the parsed records. It fails if the match is
// missing or ambiguous.
func resolveFromRecords(records []Record, role Role) (Identity, error) {
	prefix := roleLabelPrefix(role)

	var matches []Record
	for _, rec := range records {
		if rec.Role == role && strings.HasPrefix(rec.Label, prefix) {
			matches = append(matches, rec)
		}
	}

	switch len(matches) {
	case 1:
		return Identity{Role: role, Label: matches[0].Label, Fingerprint: matches[0].Fingerprint}, nil
	case 0:
		return Identity{}, fmt.Errorf("%w: no %q record", ErrIdentityNotFound, prefix)
	default:
		return Identity{}, fmt.Errorf("%w: %d identities match %q, expected exactly one", ErrIdentityNotFound, len(matches), prefix)
	}
}

// resolveBySubject is the last-resort strategy: accept any record whose
// subject mentions the role type at all, even if the label prefix does
// not match exactly.
func resolveBySubject(records []Record, role Role) (Identity, error) {
	needle := strings.TrimSuffix(roleLabelPrefix(role), ":")
	for _, rec := range records {
		if strings.Contains(rec.Label, needle) {
			return Identity{Role: role, Label: rec.Label, Fingerprint: rec.Fingerprint}, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: no certificate subject mentions %q", ErrIdentityNotFound, needle)
}
