package codebase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// Applier applies a task's change to the working copy.
type Applier interface {
	Apply(ctx context.Context, t tasks.Task) error
}

// CommandApplier runs a configured command that performs the change.
// The task is passed through AUTOPILOT_TASK_* environment variables.
type CommandApplier struct {
	dir     string
	command string
	timeout time.Duration
	runner  CommandRunner
}

// NewCommandApplier returns an applier running cfg.Command in dir.
func NewCommandApplier(dir string, runner CommandRunner, cfg config.ChangeConfig) *CommandApplier {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &CommandApplier{dir: dir, command: cfg.Command, timeout: cfg.Timeout.Duration(), runner: runner}
}

// TaskEnv returns the environment describing t.
func TaskEnv(t tasks.Task) []string {
	flags := []string{}
	if t.Flags.TouchesDatabase {
		flags = append(flags, "touches_database")
	}
	if t.Flags.CallsExternalAPI {
		flags = append(flags, "calls_external_api")
	}
	if t.Flags.SecuritySensitive {
		flags = append(flags, "security_sensitive")
	}
	return []string{
		"AUTOPILOT_TASK_ID=" + t.ID,
		"AUTOPILOT_TASK_KIND=" + string(t.Kind),
		"AUTOPILOT_TASK_DESCRIPTION=" + t.Description,
		"AUTOPILOT_TASK_GOAL=" + t.OriginGoal,
		"AUTOPILOT_TASK_CHANGE_SIZE=" + strconv.Itoa(t.EstimatedChangeSize),
		"AUTOPILOT_TASK_FLAGS=" + strings.Join(flags, ","),
	}
}

func (a *CommandApplier) Apply(ctx context.Context, t tasks.Task) error {
	if a.command == "" {
		return errors.New("no change command configured")
	}
	res, err := runWithTimeout(ctx, a.runner, a.timeout, a.dir, a.command, TaskEnv(t))
	if err != nil {
		return fmt.Errorf("apply change: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("change command exited %d: %s", res.ExitCode, res.Tail(2000))
	}
	return nil
}
