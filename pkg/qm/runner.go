package qm

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
)

// Runner executes an external command and returns its combined output.
// A non-nil error is always a *errors.ToolError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	argv := append([]string{name}, args...)
	start := time.Now()
	slog.Debug("tool_exec", "argv", argv)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if err == nil {
		slog.Debug("tool_exec_complete", "argv", argv, "duration", time.Since(start).Round(time.Millisecond))
		return output, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		slog.Error("tool_not_found", "tool", name)
		return output, &errors.ToolError{Kind: errors.ToolNotFound, Command: argv, ExitCode: -1, Err: err}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	slog.Error("tool_exec_failed", "argv", argv, "exit_code", exitCode, "output", output)
	return output, &errors.ToolError{
		Kind:     errors.ToolNonZeroExit,
		Command:  argv,
		ExitCode: exitCode,
		Output:   output,
		Err:      err,
	}
}
