// Package keychain provisions an ephemeral, password-protected
// credential store for one pipeline run and resolves named signing
// identities from it.
//
// Provisioning mutates process-wide state: the new store is inserted at
// the head of the user keychain search list and its private keys are
// granted to the Apple signing tools. That state intentionally persists
// for the remainder of the run and is discarded with the store itself.
package keychain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tirans/macpack/pkg/execx"
)

// unlockTimeout is the store's time-to-live in seconds. A run that
// outlives it fails signing rather than prompting.
const unlockTimeout = 6 * 3600

// signingTools are the executables granted partition-list access to the
// imported private keys, so signing never prompts.
var signingTools = []string{"/usr/bin/codesign", "/usr/bin/productsign", "/usr/bin/security"}

// Keychain is an ephemeral credential store holding the run's imported
// certificates. Exactly one store is active in the search path for the
// duration of a run; the pipeline orchestrator owns its lifecycle.
type Keychain struct {
	Name string

	password string
	records  []Record
	runner   execx.Runner
	log      *slog.Logger
}

// Provision decodes the certificate material, creates an ephemeral
// store, imports the certificates with tool access grants, and inserts
// the store at the head of the user search list.
func Provision(ctx context.Context, runner execx.Runner, log *slog.Logger, m Material) (*Keychain, error) {
	records, err := DecodeRecords(m)
	if err != nil {
		return nil, err
	}

	kc := &Keychain{
		Name:     fmt.Sprintf("macpack-%s.keychain-db", uuid.NewString()[:8]),
		password: uuid.NewString(),
		records:  records,
		runner:   runner,
		log:      log,
	}

	log.Info("Provisioning ephemeral keychain", "name", kc.Name, "records", len(records))

	if _, err := runner.Run(ctx, "security", "create-keychain", "-p", kc.password, kc.Name); err != nil {
		return nil, fmt.Errorf("failed to create keychain: %w", err)
	}
	if _, err := runner.Run(ctx, "security", "set-keychain-settings", "-lut", strconv.Itoa(unlockTimeout), kc.Name); err != nil {
		return nil, fmt.Errorf("failed to set keychain settings: %w", err)
	}
	if _, err := runner.Run(ctx, "security", "unlock-keychain", "-p", kc.password, kc.Name); err != nil {
		return nil, fmt.Errorf("failed to unlock keychain: %w", err)
	}

	if err := kc.importCertificates(ctx, m); err != nil {
		return nil, err
	}

	// Partition-list grant must come after import; it rewrites the ACLs
	// of the keys already present in the store.
	if _, err := runner.Run(ctx, "security", "set-key-partition-list",
		"-S", "apple-tool:,apple:", "-s", "-k", kc.password, kc.Name); err != nil {
		return nil, fmt.Errorf("%w: partition list grant failed: %v", ErrCertificateImport, err)
	}

	if err := kc.pushSearchList(ctx); err != nil {
		return nil, err
	}

	// The application identity is mandatory; fail fast before any
	// signing is attempted.
	if _, err := kc.ResolveIdentity(ctx, RoleApplication); err != nil {
		return nil, err
	}

	return kc, nil
}

// importCertificates writes the P12 blobs to a private scratch
// directory and imports each into the store with signing tool grants.
func (k *Keychain) importCertificates(ctx context.Context, m Material) error {
	dir, err := os.MkdirTemp("", "macpack-certs-*")
	if err != nil {
		return fmt.Errorf("failed to create certificate scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	type pending struct {
		file     string
		data     []byte
		password string
		role     Role
	}

	imports := []pending{
		{"application.p12", m.AppCertificate, m.AppPassphrase, RoleApplication},
	}
	if len(m.InstallerCertificate) > 0 {
		imports = append(imports, pending{"installer.p12", m.InstallerCertificate, m.InstallerPassphrase, RoleInstaller})
	}

	for _, p := range imports {
		path := filepath.Join(dir, p.file)
		if err := os.WriteFile(path, p.data, 0600); err != nil {
			return fmt.Errorf("failed to write %s certificate: %w", p.role, err)
		}

		args := []string{"import", path, "-k", k.Name, "-P", p.password}
		for _, tool := range signingTools {
			args = append(args, "-T", tool)
		}
		if _, err := k.runner.Run(ctx, "security", args...); err != nil {
			return fmt.Errorf("%w: %s certificate: %v", ErrCertificateImport, p.role, err)
		}
		k.log.Info("Imported certificate", "role", string(p.role))
	}

	return nil
}

// pushSearchList puts the store at the head of the user search list,
// keeping the existing keychains behind it.
func (k *Keychain) pushSearchList(ctx context.Context) error {
	res, err := k.runner.Run(ctx, "security", "list-keychains", "-d", "user")
	if err != nil {
		return fmt.Errorf("failed to list keychains: %w", err)
	}

	searchList := []string{"list-keychains", "-d", "user", "-s", k.Name}
	searchList = append(searchList, parseKeychainList(res.Stdout)...)

	if _, err := k.runner.Run(ctx, "security", searchList...); err != nil {
		return fmt.Errorf("failed to update keychain search list: %w", err)
	}
	return nil
}

// parseKeychainList extracts keychain paths from the quoted-per-line
// output of `security list-keychains`.
func parseKeychainList(out string) []string {
	var keychains []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) {
			keychains = append(keychains, strings.Trim(line, `"`))
		}
	}
	return keychains
}

// Records returns the certificate records parsed at provisioning time.
func (k *Keychain) Records() []Record {
	return k.records
}

// findIdentityLine matches one entry of `security find-identity`
// output: a fingerprint followed by a quoted label.
var findIdentityLine = regexp.MustCompile(`([0-9A-F]{40})\s+"([^"]+)"`)

// ResolveIdentity returns the single identity for a role. Strategies in
// order: exact role-label match over the parsed records, a scan of the
// user domain via `security find-identity`, then certificate-subject
// inspection. The first unambiguous match wins.
func (k *Keychain) ResolveIdentity(ctx context.Context, role Role) (Identity, error) {
	id, err := resolveFromRecords(k.records, role)
	if err == nil {
		return id, nil
	}

	if id, scanErr := k.scanIdentities(ctx, role); scanErr == nil {
		return id, nil
	}

	if id, subjErr := resolveBySubject(k.records, role); subjErr == nil {
		return id, nil
	}

	return Identity{}, err
}

// scanIdentities falls back to a global credential search scoped to the
// user profile.
func (k *Keychain) scanIdentities(ctx context.Context, role Role) (Identity, error) {
	res, err := k.runner.Run(ctx, "security", "find-identity", "-v", "-p", "codesigning")
	if err != nil {
		return Identity{}, fmt.Errorf("%w: find-identity failed: %v", ErrIdentityNotFound, err)
	}

	prefix := roleLabelPrefix(role)
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := findIdentityLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if strings.HasPrefix(m[2], prefix) {
			return Identity{Role: role, Label: m[2], Fingerprint: m[1]}, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: no %q identity in user profile", ErrIdentityNotFound, prefix)
}

// Delete discards the store. Best effort: a store that survives simply
// expires with its unlock timeout.
func (k *Keychain) Delete(ctx context.Context) {
	if _, err := k.runner.Run(ctx, "security", "delete-keychain", k.Name); err != nil {
		k.log.Warn("Failed to delete keychain", "name", k.Name, "err", err)
		return
	}
	k.log.Info("Deleted ephemeral keychain", "name", k.Name)
}
