// Package notary submits installable containers to Apple's notary
// service, waits for a verdict, and staples the resulting ticket.
//
// Submission is the single long-latency, externally paced step of the
// pipeline. It is bounded by the caller's context deadline and by the
// client timeout; a timed-out wait means "no verdict yet", so the
// container is never stapled after a timeout.
package notary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tirans/macpack/pkg/execx"
)

// Terminal submission failures. Both are fatal for the notarized
// milestone; the signed container remains a valid artifact.
var (
	ErrNotarizationRejected = errors.New("notarization rejected")
	ErrNotarizationTimeout  = errors.New("notarization timed out")
)

// DefaultTimeout bounds the submit-and-wait call. Apple's service
// usually answers within minutes but is allowed tens of them.
const DefaultTimeout = 30 * time.Minute

// Credentials authenticate against the notary service.
type Credentials struct {
	AppleID  string
	Password string
	TeamID   string
}

// Submission is one request keyed by container content hash on the
// service side. Its state is monotonic: once Accepted, Invalid, or
// timed out it never returns to in-progress within a run.
type Submission struct {
	ID     string
	Status string
}

// Accepted reports whether the service issued a ticket.
func (s *Submission) Accepted() bool {
	return s != nil && s.Status == "Accepted"
}

// Client owns the submission and polling lifecycle for the containers
// it is given.
type Client struct {
	runner  execx.Runner
	log     *slog.Logger
	creds   Credentials
	timeout time.Duration

	// LogDir receives the remote diagnostic log on rejection. Empty
	// disables persistence.
	LogDir string
}

func NewClient(runner execx.Runner, log *slog.Logger, creds Credentials, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{runner: runner, log: log, creds: creds, timeout: timeout}
}

// submitResult mirrors the notarytool JSON output.
type submitResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Submit uploads the container and blocks until a verdict or the
// timeout elapses. On rejection the detailed remote log is fetched for
// diagnostics before the error is returned.
func (c *Client) Submit(ctx context.Context, path string) (*Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.Info("Submitting for notarization", "path", path, "timeout", c.timeout)

	// notarytool takes whole minutes; a sub-minute client timeout must
	// not become the invalid "0m".
	minutes := int(c.timeout.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	res, err := c.runner.Run(ctx, "xcrun", "notarytool", "submit", path,
		"--apple-id", c.creds.AppleID,
		"--password", c.creds.Password,
		"--team-id", c.creds.TeamID,
		"--output-format", "json",
		"--wait",
		"--timeout", fmt.Sprintf("%dm", minutes))

	var parsed submitResult
	if out := strings.TrimSpace(res.Stdout); out != "" {
		// Best effort: notarytool reports partial JSON on some failures.
		_ = json.Unmarshal([]byte(out), &parsed)
	}
	sub := &Submission{ID: parsed.ID, Status: parsed.Status}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return sub, fmt.Errorf("%w: no verdict within %s", ErrNotarizationTimeout, c.timeout)
		}
		return sub, fmt.Errorf("%w: %v", ErrNotarizationRejected, err)
	}

	switch parsed.Status {
	case "Accepted":
		c.log.Info("Notarization accepted", "id", sub.ID)
		return sub, nil
	case "In Progress":
		// The tool-side wait expired without a verdict.
		return sub, fmt.Errorf("%w: submission %s still in progress", ErrNotarizationTimeout, sub.ID)
	default:
		c.fetchLog(ctx, sub.ID)
		return sub, fmt.Errorf("%w: submission %s status %q", ErrNotarizationRejected, sub.ID, parsed.Status)
	}
}

// notaryLog mirrors the issue list of `notarytool log`.
type notaryLog struct {
	Issues []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Path     string `json:"path"`
	} `json:"issues"`
}

// fetchLog retrieves the remote diagnostic log for a rejected
// submission. Failures here only cost diagnostics.
func (c *Client) fetchLog(ctx context.Context, id string) {
	if id == "" {
		c.log.Warn("No submission id available, skipping log retrieval")
		return
	}

	res, err := c.runner.Run(ctx, "xcrun", "notarytool", "log", id,
		"--apple-id", c.creds.AppleID,
		"--password", c.creds.Password,
		"--team-id", c.creds.TeamID)
	if err != nil {
		c.log.Warn("Failed to retrieve notarization log", "id", id, "err", err)
		return
	}

	if c.LogDir != "" {
		if err := os.MkdirAll(c.LogDir, 0755); err == nil {
			logPath := filepath.Join(c.LogDir, fmt.Sprintf("notarization_log_%s.json", id))
			if err := os.WriteFile(logPath, []byte(res.Stdout), 0644); err == nil {
				c.log.Info("Saved notarization log", "path", logPath)
			}
		}
	}

	var parsed notaryLog
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		c.log.Warn("Could not parse notarization log", "id", id)
		return
	}
	for _, issue := range parsed.Issues {
		c.log.Error("Notarization issue",
			"severity", issue.Severity, "message", issue.Message, "path", issue.Path)
	}
}
