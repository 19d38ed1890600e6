package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/codebase"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
)

// Stage is a pipeline step.
type Stage string

const (
	StageBranching   Stage = "branching"
	StageModifying   Stage = "modifying"
	StageTesting     Stage = "testing"
	StageCommitting  Stage = "committing"
	StageIntegrating Stage = "integrating"
)

// Stages returns the stages in execution order.
func Stages() []Stage {
	return []Stage{StageBranching, StageModifying, StageTesting, StageCommitting, StageIntegrating}
}

// Result is a finished run's verdict.
type Result string

const (
	ResultRunning   Result = ""
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
)

// Integration is how committed work left the pipeline.
type Integration string

const (
	IntegrationNone   Integration = ""
	IntegrationMerged Integration = "merged"
	IntegrationReview Integration = "review"
)

var (
	// ErrDirtyWorkingCopy aborts a run before any mutation.
	ErrDirtyWorkingCopy = errors.New("working copy has uncommitted changes")
	// ErrNoChange is returned when the change left nothing to commit.
	ErrNoChange = errors.New("change produced no diff")
)

// StageError ties a failure to the stage and task it happened in.
type StageError struct {
	Stage  Stage
	TaskID string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Run records one task's trip through the pipeline.
type Run struct {
	TaskID      string            `json:"task_id"`
	Branch      string            `json:"branch"`
	Stage       Stage             `json:"stage"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
	Result      Result            `json:"result"`
	Error       string            `json:"error,omitempty"`
	Snapshot    vcs.Snapshot      `json:"snapshot"`
	Commit      string            `json:"commit,omitempty"`
	Integration Integration       `json:"integration,omitempty"`
	ReviewURL   string            `json:"review_url,omitempty"`
	Discarded   bool              `json:"discarded,omitempty"`
	Quality     *codebase.Outcome `json:"quality,omitempty"`
}

// Committed reports whether the run got past its commit point.
func (r Run) Committed() bool { return r.Commit != "" }

// DeploymentReady reports whether the run produced a merged commit
// backed by a passing verification suite from this run.
func (r Run) DeploymentReady() bool {
	return r.Result == ResultSucceeded &&
		r.Integration == IntegrationMerged &&
		r.Quality != nil && r.Quality.Passed &&
		!r.Quality.At.Before(r.StartedAt)
}

// ProgressFunc observes stage changes.
type ProgressFunc func(Run)
