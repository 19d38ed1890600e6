// Package codebase runs the project's verification tooling and reads
// simple health signals from the working copy.
package codebase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// Step names of the verification suite, in execution order.
const (
	StepBuild       = "build"
	StepLint        = "lint"
	StepUnit        = "unit"
	StepIntegration = "integration"
)

// Step is one verification command.
type Step struct {
	Name    string
	Command string
}

// StepResult is the result of one executed step.
type StepResult struct {
	Name   string        `json:"name"`
	Passed bool          `json:"passed"`
	Result CommandResult `json:"result"`
	Error  string        `json:"error,omitempty"`
}

// Outcome is the verification suite's verdict.
type Outcome struct {
	Passed   bool          `json:"passed"`
	Steps    []StepResult  `json:"steps"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// Failed returns the first failed step, if any.
func (o Outcome) Failed() (StepResult, bool) {
	for _, s := range o.Steps {
		if !s.Passed {
			return s, true
		}
	}
	return StepResult{}, false
}

// Details summarizes the failure for reports.
func (o Outcome) Details() string {
	s, ok := o.Failed()
	if !ok {
		return "all verification steps passed"
	}
	if s.Error != "" {
		return fmt.Sprintf("%s: %s", s.Name, s.Error)
	}
	return fmt.Sprintf("%s exited %d: %s", s.Name, s.Result.ExitCode, s.Result.Tail(2000))
}

// Codebase is the verification collaborator for one working copy.
type Codebase struct {
	dir     string
	runner  CommandRunner
	steps   []Step
	format  string
	timeout time.Duration
	markers *MarkerScanner
	logger  *logging.Logger
}

// New builds a Codebase for the repository at dir.
func New(dir string, runner CommandRunner, cfg config.VerificationConfig, repo config.RepositoryConfig, logger *logging.Logger) *Codebase {
	if runner == nil {
		runner = &ExecRunner{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	var steps []Step
	for _, s := range []Step{
		{StepBuild, cfg.Build},
		{StepLint, cfg.Lint},
		{StepUnit, cfg.Unit},
		{StepIntegration, cfg.Integration},
	} {
		if s.Command != "" {
			steps = append(steps, s)
		}
	}
	return &Codebase{
		dir:     dir,
		runner:  runner,
		steps:   steps,
		format:  cfg.Format,
		timeout: cfg.Timeout.Duration(),
		markers: NewMarkerScanner(repo.IgnoreFiles, repo.Markers),
		logger:  logger.Named("codebase"),
	}
}

// Dir returns the working copy root.
func (c *Codebase) Dir() string { return c.dir }

// RunVerificationSuite runs build, lint, unit and integration in order
// and stops at the first failure. A returned error means the suite
// could not complete (timeout or cancellation); the outcome is then
// failed as well.
func (c *Codebase) RunVerificationSuite(ctx context.Context) (Outcome, error) {
	start := time.Now()
	out := Outcome{Passed: true, At: start}
	for _, s := range c.steps {
		sr, err := c.runStep(ctx, s)
		out.Steps = append(out.Steps, sr)
		if err != nil {
			out.Passed = false
			out.Duration = time.Since(start)
			return out, err
		}
		if !sr.Passed {
			out.Passed = false
			break
		}
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (c *Codebase) runStep(ctx context.Context, s Step) (StepResult, error) {
	res, err := runWithTimeout(ctx, c.runner, c.timeout, c.dir, s.Command, nil)
	sr := StepResult{Name: s.Name, Passed: err == nil && res.OK(), Result: res}
	if err != nil {
		sr.Error = err.Error()
	}
	c.logger.Debug(ctx, "verification step finished",
		zap.String("step", s.Name),
		zap.Bool("passed", sr.Passed),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return sr, err
}

// ApplyFormatting runs the configured formatter. Without one it is a
// no-op.
func (c *Codebase) ApplyFormatting(ctx context.Context) error {
	if c.format == "" {
		return nil
	}
	res, err := runWithTimeout(ctx, c.runner, c.timeout, c.dir, c.format, nil)
	if err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("format exited %d: %s", res.ExitCode, res.Tail(2000))
	}
	return nil
}

// ListOutstandingMarkers counts marker comments in the working copy.
func (c *Codebase) ListOutstandingMarkers(ctx context.Context) (int, error) {
	return c.markers.Count(ctx, c.dir)
}

// Signal runs every verification step independently and counts markers.
// Unlike RunVerificationSuite it does not stop at the first failure.
func (c *Codebase) Signal(ctx context.Context) (tasks.Signal, error) {
	sig := tasks.Signal{BuildPassing: true, LintPassing: true, TestsPassing: true}
	for _, s := range c.steps {
		sr, err := c.runStep(ctx, s)
		if err != nil && ctx.Err() != nil {
			return sig, err
		}
		if sr.Passed {
			continue
		}
		switch s.Name {
		case StepBuild:
			sig.BuildPassing = false
		case StepLint:
			sig.LintPassing = false
		default:
			sig.TestsPassing = false
		}
	}
	n, err := c.ListOutstandingMarkers(ctx)
	if err != nil {
		return sig, err
	}
	sig.OutstandingMarkers = n
	return sig, nil
}
