package codebase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ErrTimeout is returned when a command outlives its deadline.
var ErrTimeout = errors.New("command timed out")

// CommandResult is the captured result of one shell command.
type CommandResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit status.
func (r CommandResult) OK() bool { return r.ExitCode == 0 }

// Tail returns the last n bytes of combined output for error messages.
func (r CommandResult) Tail(n int) string {
	out := strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
	if len(out) > n {
		out = "..." + out[len(out)-n:]
	}
	return out
}

// CommandRunner abstracts command execution for testability. A non-zero
// exit is reported in the result, not as an error; errors mean the
// command could not be run or timed out.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, env []string) (CommandResult, error)
}

// ExecRunner runs commands with sh -c in their own process group. On
// cancellation the whole group receives SIGTERM, then SIGKILL after
// WaitDelay.
type ExecRunner struct {
	WaitDelay time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, dir, command string, env []string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %s: %s", ErrTimeout, res.Duration.Round(time.Millisecond), command)
		}
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

// runWithTimeout bounds a single command by timeout when positive.
func runWithTimeout(ctx context.Context, r CommandRunner, timeout time.Duration, dir, command string, env []string) (CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r.Run(ctx, dir, command, env)
}
