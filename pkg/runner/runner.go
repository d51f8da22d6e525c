// Package runner executes external commands and reports a two-variant
// result instead of raising errors to the caller.
package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
)

// Command describes one external invocation. Exactly one of Argv or Shell
// must be set; Shell strings are interpreted by `sh -c` and exist only for
// steps that need shell features such as redirection or globbing.
type Command struct {
	Argv   []string
	Shell  string
	Dir    string
	Input  string
	Binary bool // diagnostic output is raw bytes, not text
}

// Line returns the command as a single display string for logging.
func (c Command) Line() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.Join(c.Argv, " ")
}

// Result is the outcome of a command: Success, or Failure with a reason
// and the captured error stream. Callers must inspect Success; Run never
// returns a Go error.
type Result struct {
	Success bool
	Reason  string
	Stdout  string
	Stderr  string
}

// Err converts a failed Result into an error for pipeline steps.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &commandError{reason: r.Reason}
}

type commandError struct {
	reason string
}

func (e *commandError) Error() string { return e.reason }

// Runner runs one external command synchronously. No retries.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner spawns one OS process per call via os/exec.
type ExecRunner struct{}

// NewExecRunner creates the process-spawning runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) Result {
	var c *exec.Cmd
	if cmd.Shell != "" {
		c = exec.CommandContext(ctx, "sh", "-c", cmd.Shell)
	} else {
		c = exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	}
	c.Dir = cmd.Dir

	if cmd.Input != "" {
		c.Stdin = strings.NewReader(cmd.Input)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	slog.Info("command_start", "command", cmd.Line(), "dir", cmd.Dir)

	if err := c.Run(); err != nil {
		diag := stderr.String()
		if cmd.Binary {
			diag = ""
		}
		slog.Error("command_failed",
			"command", cmd.Line(),
			"error", err,
			"stderr", diag)
		return Result{
			Success: false,
			Reason:  "command '" + cmd.Line() + "' failed: " + err.Error(),
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}

	slog.Info("command_complete", "command", cmd.Line())
	return Result{
		Success: true,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
}
