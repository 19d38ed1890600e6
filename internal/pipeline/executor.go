// Package pipeline runs one task through branch, change, verify, commit
// and integrate. Any failure before the commit restores the working copy
// to the snapshot taken before the run began.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/codebase"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/review"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/pipeline"

// VCS is the version-control collaborator.
type VCS interface {
	Snapshot(ctx context.Context) (vcs.Snapshot, error)
	CreateBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, name string) error
	Commit(ctx context.Context, message string) (string, error)
	MergeToMain(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, name string) error
	Discard(ctx context.Context, snap vcs.Snapshot, workBranch string) error
	MainBranch() string
}

// Verifier runs the verification suite and formatter.
type Verifier interface {
	RunVerificationSuite(ctx context.Context) (codebase.Outcome, error)
	ApplyFormatting(ctx context.Context) error
}

// Store records task status and the in-flight marker.
type Store interface {
	SetInFlight(ctx context.Context, f state.InFlight) error
	ClearInFlight(ctx context.Context) error
	SaveTask(ctx context.Context, t tasks.Task) error
}

// Options are fixed per run.
type Options struct {
	Level        state.AutonomyLevel
	AutoMerge    bool
	BranchPrefix string
}

// Executor runs tasks. It is not safe for concurrent Execute calls on
// the same working copy; callers hold the working-copy lock.
type Executor struct {
	vcs      VCS
	verifier Verifier
	applier  codebase.Applier
	reviewer review.Reviewer
	store    Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	progress ProgressFunc
}

// NewExecutor wires the collaborators.
func NewExecutor(v VCS, verifier Verifier, applier codebase.Applier, reviewer review.Reviewer, store Store, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		vcs:      v,
		verifier: verifier,
		applier:  applier,
		reviewer: reviewer,
		store:    store,
		logger:   logger.Named("pipeline"),
		metrics:  metrics.Get(),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
	}
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(fn ProgressFunc) { e.progress = fn }

// BranchName is the work branch for a task.
func BranchName(prefix, taskID string) string {
	if prefix == "" {
		prefix = "autopilot/"
	}
	return prefix + taskID
}

// CommitMessage is the structured message for a task's commit.
func CommitMessage(t tasks.Task) string {
	return fmt.Sprintf("autopilot(%s): %s\n\nKind: %s\nGoal: %s\nTask-Id: %s\n",
		t.ID, t.Description, t.Kind, t.OriginGoal, t.ID)
}

// Execute runs t through every stage. It returns the run record, the
// task in its final status and, on failure, a *StageError.
func (e *Executor) Execute(ctx context.Context, t tasks.Task, opts Options) (Run, tasks.Task, error) {
	ctx = logging.WithTaskID(ctx, t.ID)
	run := Run{TaskID: t.ID, Branch: BranchName(opts.BranchPrefix, t.ID), StartedAt: e.now()}

	t, err := t.Transition(tasks.StatusExecuting, "pipeline started", run.StartedAt)
	if err != nil {
		return run, t, err
	}
	if err := e.store.SaveTask(ctx, t); err != nil {
		return run, t, err
	}

	snap, err := e.vcs.Snapshot(ctx)
	if err == nil && !snap.Clean {
		err = ErrDirtyWorkingCopy
	}
	if err != nil {
		return e.fail(ctx, run, t, StageBranching, err)
	}
	run.Snapshot = snap

	if err := e.store.SetInFlight(ctx, state.InFlight{
		TaskID:          t.ID,
		Branch:          run.Branch,
		OriginalBranch:  snap.Branch,
		OriginalHead:    snap.Head,
		OriginalIgnored: snap.Ignored,
		StartedAt:       run.StartedAt,
	}); err != nil {
		return e.fail(ctx, run, t, StageBranching, err)
	}

	for _, stage := range Stages() {
		// Past the commit point the run finishes even if cancelled.
		if !run.Committed() {
			if err := ctx.Err(); err != nil {
				return e.abort(ctx, run, t, stage, fmt.Errorf("cancelled: %w", err))
			}
		}
		run.Stage = stage
		e.report(run)

		stageCtx := ctx
		if run.Committed() {
			stageCtx = context.WithoutCancel(ctx)
		}
		if err := e.runStage(stageCtx, stage, &run, t, opts); err != nil {
			return e.abort(ctx, run, t, stage, err)
		}
	}

	if err := e.vcs.Checkout(context.WithoutCancel(ctx), snap.Branch); err != nil {
		e.logger.Warn(ctx, "return to original branch failed", zap.Error(err))
	}
	e.clearInFlight(ctx)

	run.Result = ResultSucceeded
	run.FinishedAt = e.now()
	t, _ = t.Transition(tasks.StatusSucceeded, string(run.Integration), run.FinishedAt)
	e.saveTask(ctx, t)
	e.metrics.TasksTotal.WithLabelValues(string(t.Status)).Inc()
	e.logger.Info(ctx, "pipeline succeeded",
		zap.String("branch", run.Branch),
		zap.String("commit", run.Commit),
		zap.String("integration", string(run.Integration)))
	e.report(run)
	return run, t, nil
}

func (e *Executor) runStage(ctx context.Context, stage Stage, run *Run, t tasks.Task, opts Options) (err error) {
	ctx = logging.WithStage(ctx, string(stage))
	ctx, span := e.tracer.Start(ctx, "pipeline."+string(stage))
	span.SetAttributes(attribute.String("task_id", t.ID), attribute.String("branch", run.Branch))
	start := time.Now()
	defer func() {
		e.metrics.StageDuration.WithLabelValues("task", string(stage)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch stage {
	case StageBranching:
		return e.vcs.CreateBranch(ctx, run.Branch)

	case StageModifying:
		if err := e.applier.Apply(ctx, t); err != nil {
			return err
		}
		return e.verifier.ApplyFormatting(ctx)

	case StageTesting:
		out, err := e.verifier.RunVerificationSuite(ctx)
		run.Quality = &out
		if err != nil {
			return err
		}
		if !out.Passed {
			return fmt.Errorf("verification failed: %s", out.Details())
		}
		return nil

	case StageCommitting:
		hash, err := e.vcs.Commit(ctx, CommitMessage(t))
		if errors.Is(err, vcs.ErrNothingToCommit) {
			return ErrNoChange
		}
		if err != nil {
			return err
		}
		run.Commit = hash
		return nil

	case StageIntegrating:
		return e.integrate(ctx, run, t, opts)
	}
	return fmt.Errorf("unknown stage %s", stage)
}

// integrate merges to main under routine autonomy with auto-merge on.
// Otherwise, or when the merge is refused, the branch goes to review.
func (e *Executor) integrate(ctx context.Context, run *Run, t tasks.Task, opts Options) error {
	if opts.Level == state.LevelRoutine && opts.AutoMerge {
		err := e.vcs.MergeToMain(ctx, run.Branch)
		if err == nil {
			run.Integration = IntegrationMerged
			if err := e.vcs.DeleteBranch(ctx, run.Branch); err != nil {
				e.logger.Warn(ctx, "delete merged branch failed", zap.Error(err))
			}
			return nil
		}
		e.logger.Warn(ctx, "auto-merge failed, requesting review", zap.Error(err))
	}

	url, err := e.reviewer.RequestReview(ctx, review.Request{
		Branch: run.Branch,
		Base:   e.vcs.MainBranch(),
		Commit: run.Commit,
		Task:   t,
	})
	if err != nil {
		return fmt.Errorf("review hand-off: %w", err)
	}
	run.Integration = IntegrationReview
	run.ReviewURL = url
	return nil
}

// abort discards all work, restores the snapshot and fails the task. A
// failure after the commit is discarded too: nothing reached main, and the
// regenerated task starts on a fresh branch.
func (e *Executor) abort(ctx context.Context, run Run, t tasks.Task, stage Stage, cause error) (Run, tasks.Task, error) {
	restoreCtx := context.WithoutCancel(ctx)
	if err := e.vcs.Discard(restoreCtx, run.Snapshot, run.Branch); err != nil {
		e.logger.Error(ctx, "discard failed, working copy left for manual recovery",
			zap.String("branch", run.Branch), zap.Error(err))
		cause = errors.Join(cause, fmt.Errorf("discard: %w", err))
	} else {
		run.Discarded = true
		e.clearInFlight(ctx)
	}
	return e.finishFailed(ctx, run, t, stage, cause)
}

// fail records a failure before anything was mutated.
func (e *Executor) fail(ctx context.Context, run Run, t tasks.Task, stage Stage, cause error) (Run, tasks.Task, error) {
	return e.finishFailed(ctx, run, t, stage, cause)
}

func (e *Executor) finishFailed(ctx context.Context, run Run, t tasks.Task, stage Stage, cause error) (Run, tasks.Task, error) {
	serr := &StageError{Stage: stage, TaskID: t.ID, Err: cause}
	run.Stage = stage
	run.Result = ResultFailed
	run.Error = serr.Error()
	run.FinishedAt = e.now()

	t, _ = t.Transition(tasks.StatusFailed, serr.Error(), run.FinishedAt)
	e.saveTask(ctx, t)
	e.metrics.TasksTotal.WithLabelValues(string(t.Status)).Inc()
	e.logger.Warn(ctx, "pipeline failed",
		zap.String("stage", string(stage)),
		zap.Bool("discarded", run.Discarded),
		zap.Error(cause))
	e.report(run)
	return run, t, serr
}

func (e *Executor) clearInFlight(ctx context.Context) {
	if err := e.store.ClearInFlight(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn(ctx, "clear in-flight marker failed", zap.Error(err))
	}
}

func (e *Executor) saveTask(ctx context.Context, t tasks.Task) {
	if err := e.store.SaveTask(context.WithoutCancel(ctx), t); err != nil {
		e.logger.Warn(ctx, "save task failed", zap.Error(err))
	}
}

func (e *Executor) report(run Run) {
	if e.progress != nil {
		e.progress(run)
	}
}

// Recover discards a run interrupted by a crash, using the marker the
// store kept. It is a no-op without a marker.
func Recover(ctx context.Context, v VCS, store interface {
	InFlight() (state.InFlight, bool)
	ClearInFlight(ctx context.Context) error
}, logger *logging.Logger) error {
	f, ok := store.InFlight()
	if !ok {
		return nil
	}
	snap := vcs.Snapshot{Branch: f.OriginalBranch, Head: f.OriginalHead, Clean: true, Ignored: f.OriginalIgnored}
	if err := v.Discard(ctx, snap, f.Branch); err != nil {
		return fmt.Errorf("discard interrupted run %s: %w", f.TaskID, err)
	}
	if logger != nil {
		logger.Warn(logging.WithTaskID(ctx, f.TaskID), "discarded interrupted pipeline run",
			zap.String("branch", f.Branch))
	}
	return store.ClearInFlight(ctx)
}
