// Package execx wraps external tool invocation behind a small Runner
// interface so the signing pipeline can be exercised without the macOS
// toolchain present.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Result holds the outcome of one external tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs an external command and returns its captured output.
// Implementations must honor context cancellation and deadlines.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// ExecRunner executes commands with os/exec. With Log set, every
// invocation is debug-logged with secret arguments redacted.
type ExecRunner struct {
	Log *slog.Logger
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Log != nil {
		r.Log.Debug("Running command", "name", name, "args", strings.Join(RedactArgs(args), " "))
	}

	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	// A killed process reports an ExitError; the deadline is the more
	// useful failure cause for the caller.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return res, fmt.Errorf("%s exited with status %d: %s", name, res.ExitCode, firstLine(res.Stderr))
		}
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}

	return res, nil
}

// secretFlags lists tool flags whose following argument carries a
// password or passphrase.
var secretFlags = map[string]bool{
	"-p":         true,
	"-P":         true,
	"-k":         true,
	"--password": true,
}

// RedactArgs returns a copy of args safe for logging, with any value
// that follows a secret-bearing flag replaced.
func RedactArgs(args []string) []string {
	redacted := make([]string, len(args))
	copy(redacted, args)
	for i := 0; i < len(redacted)-1; i++ {
		if secretFlags[redacted[i]] {
			redacted[i+1] = "****"
		}
	}
	return redacted
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
