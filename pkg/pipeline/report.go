package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tirans/macpack/pkg/codesign"
	"github.com/tirans/macpack/pkg/installer"
	"github.com/tirans/macpack/pkg/keychain"
	"github.com/tirans/macpack/pkg/notary"
)

// Exit codes, one per failure category. Keychain provisioning failures
// abort before a report exists and map to ExitProvisioning in main.
const (
	ExitOK           = 0
	ExitSigning      = 2
	ExitNotarization = 3
	ExitProvisioning = 4
)

// Result is the terminal outcome for one bundle.
type Result struct {
	Spec       BundleSpec
	State      State
	Containers []*installer.Container
	Warnings   []codesign.ComponentWarning
	Err        error
}

// Succeeded reports whether every mandatory step completed.
func (r *Result) Succeeded() bool {
	return r.Err == nil && r.State == StateDone
}

// Report aggregates per-bundle terminal states for one run.
type Report struct {
	Results []Result
}

// Notarized counts bundles whose containers all passed notarization.
func (r *Report) Notarized() int {
	n := 0
	for _, res := range r.Results {
		if len(res.Containers) == 0 {
			continue
		}
		all := true
		for _, c := range res.Containers {
			if !c.Notarized {
				all = false
				break
			}
		}
		if all {
			n++
		}
	}
	return n
}

// Failed counts bundles that missed a mandatory step.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Succeeded() {
			n++
		}
	}
	return n
}

// ExitCode maps the aggregate outcome to a process exit status:
// non-zero if any bundle failed a fatal category, with notarization
// failures distinguished from signing/packaging failures.
func (r *Report) ExitCode() int {
	code := ExitOK
	for _, res := range r.Results {
		if res.Succeeded() {
			continue
		}
		if errors.Is(res.Err, notary.ErrNotarizationRejected) || errors.Is(res.Err, notary.ErrNotarizationTimeout) {
			if code == ExitOK {
				code = ExitNotarization
			}
			continue
		}
		if errors.Is(res.Err, keychain.ErrCertificateDecode) ||
			errors.Is(res.Err, keychain.ErrCertificateImport) ||
			errors.Is(res.Err, keychain.ErrIdentityNotFound) {
			return ExitProvisioning
		}
		code = ExitSigning
	}
	return code
}

// Summary renders the human-readable run report: each produced artifact
// with its size and trust status, then the aggregate counts.
func (r *Report) Summary() string {
	var sb strings.Builder

	for _, res := range r.Results {
		fmt.Fprintf(&sb, "%s: %s\n", res.Spec.Path, res.State)
		for _, c := range res.Containers {
			fmt.Fprintf(&sb, "  %s (%s)%s\n", c.Path, containerSize(c.Path), statusTags(c))
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(&sb, "  warning: %s: %v\n", w.Path, w.Err)
		}
		if res.Err != nil {
			fmt.Fprintf(&sb, "  error: %v\n", res.Err)
		}
	}

	fmt.Fprintf(&sb, "notarized %d/%d, failed %d\n", r.Notarized(), len(r.Results), r.Failed())
	return sb.String()
}

func statusTags(c *installer.Container) string {
	tags := make([]string, 0, 3)
	if c.Signed {
		tags = append(tags, "signed")
	} else {
		tags = append(tags, "unsigned")
	}
	if c.Notarized {
		tags = append(tags, "notarized")
	}
	if c.Stapled {
		tags = append(tags, "stapled")
	}
	return " [" + strings.Join(tags, ", ") + "]"
}

func containerSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "size unknown"
	}
	return fmt.Sprintf("%.1fMB", float64(info.Size())/(1024*1024))
}
