// Package deploy promotes a verified change through staging and
// production and rolls back every touched environment when a step at or
// after the staging deploy fails.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/pipeline"
	"github.com/fyrsmithlabs/autopilot/internal/state"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/deploy"

// Store holds the last known-good version per environment.
type Store interface {
	KnownGood(ctx context.Context, env string) (string, error)
	SetKnownGood(ctx context.Context, env, version string) error
}

// Tagger tags the released commit.
type Tagger interface {
	Tag(ctx context.Context, version, message string) error
}

// Stopper raises a hard stop of the control loop.
type Stopper interface {
	Trip(ctx context.Context, reason string) error
}

// Pipeline drives deployment runs. Deploy and Promote must not run
// concurrently; callers hold the working-copy lock.
type Pipeline struct {
	deployer Deployer
	store    Store
	tagger   Tagger
	stopper  Stopper
	notifier notify.Notifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	// mu guards pending and autoDeploy.
	mu         sync.Mutex
	pending    *Run
	autoDeploy bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithTagger tags successful releases.
func WithTagger(t Tagger) Option {
	return func(p *Pipeline) { p.tagger = t }
}

// New returns a deployment pipeline. With autoDeploy false, runs halt
// after the staging smoke tests until Promote is called.
func New(d Deployer, store Store, stopper Stopper, n notify.Notifier, autoDeploy bool, logger *logging.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.Nop()
	}
	if n == nil {
		n = notify.Func(func(context.Context, notify.Channel, string) error { return nil })
	}
	p := &Pipeline{
		deployer:   d,
		store:      store,
		stopper:    stopper,
		notifier:   n,
		logger:     logger.Named("deploy"),
		metrics:    metrics.Get(),
		tracer:     otel.Tracer(instrumentationName),
		autoDeploy: autoDeploy,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetAutoDeploy controls whether later runs continue to production
// without Promote. A run already awaiting promotion stays held.
func (p *Pipeline) SetAutoDeploy(auto bool) {
	p.mu.Lock()
	p.autoDeploy = auto
	p.mu.Unlock()
}

// Pending returns the run awaiting promotion, if any.
func (p *Pipeline) Pending() (Run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Run{}, false
	}
	return *p.pending, true
}

// Version derives a release version from the commit and time.
func Version(at time.Time, commit string) string {
	if len(commit) > 7 {
		commit = commit[:7]
	}
	v := "v" + at.UTC().Format("2006.01.02-150405")
	if commit != "" {
		v += "-" + commit
	}
	return v
}

// Deploy starts a deployment of a successful pipeline run.
func (p *Pipeline) Deploy(ctx context.Context, src pipeline.Run) (Run, error) {
	if !src.DeploymentReady() {
		return Run{}, ErrNotDeploymentReady
	}
	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return Run{}, ErrPromotionPending
	}
	auto := p.autoDeploy
	p.mu.Unlock()

	now := p.now()
	run := Run{
		ID:        uuid.NewString(),
		TaskID:    src.TaskID,
		Commit:    src.Commit,
		Version:   Version(now, src.Commit),
		StartedAt: now,
		Previous:  map[Environment]string{},
	}
	ctx = logging.WithTaskID(ctx, src.TaskID)
	p.logger.Info(ctx, "deployment started", zap.String("version", run.Version))

	stages := []Stage{StageBuilding, StagePackaging, StageStagingDeploy, StageSmokeTest}
	if auto {
		stages = append(stages, StageProductionDeploy, StageVerify)
	}
	if err := p.runStages(ctx, &run, stages); err != nil {
		return run, err
	}
	if !auto {
		run.Outcome = OutcomeAwaitingPromotion
		p.mu.Lock()
		held := run
		p.pending = &held
		p.mu.Unlock()
		p.logger.Info(ctx, "deployment awaiting promotion", zap.String("version", run.Version))
		return run, nil
	}
	return p.succeed(ctx, run), nil
}

// Promote resumes the run awaiting promotion at the production deploy.
func (p *Pipeline) Promote(ctx context.Context) (Run, error) {
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return Run{}, ErrNothingToPromote
	}
	run := *p.pending
	p.pending = nil
	p.mu.Unlock()

	ctx = logging.WithTaskID(ctx, run.TaskID)
	p.logger.Info(ctx, "deployment promoted", zap.String("version", run.Version))
	if err := p.runStages(ctx, &run, []Stage{StageProductionDeploy, StageVerify}); err != nil {
		return run, err
	}
	return p.succeed(ctx, run), nil
}

func (p *Pipeline) runStages(ctx context.Context, run *Run, stages []Stage) error {
	for _, stage := range stages {
		run.Stage = stage
		err := ctx.Err()
		if err == nil {
			err = p.runStage(ctx, stage, run)
		}
		if err != nil {
			return p.handleFailure(ctx, run, &StageError{Stage: stage, Err: err})
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, run *Run) (err error) {
	ctx = logging.WithStage(ctx, string(stage))
	ctx, span := p.tracer.Start(ctx, "deploy."+string(stage))
	span.SetAttributes(attribute.String("version", run.Version))
	start := time.Now()
	defer func() {
		p.metrics.StageDuration.WithLabelValues("deploy", string(stage)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch stage {
	case StageBuilding:
		run.Artifact, err = p.deployer.BuildArtifact(ctx)
		return err
	case StagePackaging:
		run.Artifact, err = p.deployer.Package(ctx, run.Artifact)
		return err
	case StageStagingDeploy:
		return p.deployTo(ctx, run, Staging)
	case StageSmokeTest:
		return p.smoke(ctx, run, Staging)
	case StageProductionDeploy:
		return p.deployTo(ctx, run, Production)
	case StageVerify:
		return p.smoke(ctx, run, Production)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

func (p *Pipeline) deployTo(ctx context.Context, run *Run, env Environment) error {
	if prev, err := p.deployer.ActiveVersion(ctx, env); err == nil {
		run.Previous[env] = prev
	} else if !errors.Is(err, ErrNoVersionCommand) {
		p.logger.Warn(ctx, "read active version failed", zap.String("env", string(env)), zap.Error(err))
	}
	run.touch(env)
	return p.deployer.Deploy(ctx, env, run.Artifact, run.Version)
}

func (p *Pipeline) smoke(ctx context.Context, run *Run, env Environment) error {
	ok, err := p.deployer.RunSmokeTests(ctx, env, run.Version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w in %s", ErrSmokeTestFailed, env)
	}
	return nil
}

// rollbackTarget prefers the recorded known-good version and falls back to
// what was active before this run.
func (p *Pipeline) rollbackTarget(ctx context.Context, run *Run, env Environment) string {
	v, err := p.store.KnownGood(ctx, string(env))
	if err == nil && v != "" {
		return v
	}
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		p.logger.Warn(ctx, "read known-good version failed", zap.String("env", string(env)), zap.Error(err))
	}
	return run.Previous[env]
}

func (p *Pipeline) handleFailure(ctx context.Context, run *Run, cause *StageError) error {
	ctx = context.WithoutCancel(ctx)
	run.Error = cause.Error()

	if len(run.Touched) == 0 {
		run.Outcome = OutcomeFailed
		p.finish(ctx, run)
		p.logger.Warn(ctx, "deployment failed before touching any environment",
			zap.String("stage", string(cause.Stage)), zap.Error(cause.Err))
		return cause
	}

	var failures []string
	// Reverse order so production is restored before staging.
	for i := len(run.Touched) - 1; i >= 0; i-- {
		env := run.Touched[i]
		target := p.rollbackTarget(ctx, run, env)
		if target == "" {
			failures = append(failures, fmt.Sprintf("%s: %v", env, ErrNoRollbackTarget))
			p.logger.Error(ctx, "rollback failed", zap.String("env", string(env)), zap.Error(ErrNoRollbackTarget))
			continue
		}
		if err := p.deployer.Rollback(ctx, env, target); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", env, err))
			p.logger.Error(ctx, "rollback failed", zap.String("env", string(env)),
				zap.String("target", target), zap.Error(err))
			continue
		}
		run.RolledBack = append(run.RolledBack, env)
		p.logger.Info(ctx, "environment rolled back", zap.String("env", string(env)), zap.String("target", target))
	}

	if len(failures) > 0 {
		run.Outcome = OutcomeFailed
		run.RollbackFailed = true
		p.finish(ctx, run)
		msg := fmt.Sprintf("deployment %s failed at %s and rollback failed (%s); autonomous operation halted",
			run.Version, cause.Stage, strings.Join(failures, "; "))
		_ = p.notifier.Notify(ctx, notify.ChannelCritical, msg)
		if p.stopper != nil {
			if err := p.stopper.Trip(ctx, "rollback failed for "+run.Version); err != nil {
				p.logger.Error(ctx, "hard stop failed", zap.Error(err))
			}
		}
		return fmt.Errorf("%w: %s: %w", ErrRollbackFailed, strings.Join(failures, "; "), cause)
	}

	run.Outcome = OutcomeRolledBack
	p.finish(ctx, run)
	_ = p.notifier.Notify(ctx, notify.ChannelCritical,
		fmt.Sprintf("deployment %s rolled back after failure at %s: %v", run.Version, cause.Stage, cause.Err))
	return cause
}

func (p *Pipeline) succeed(ctx context.Context, run Run) Run {
	for _, env := range []Environment{Staging, Production} {
		if err := p.store.SetKnownGood(ctx, string(env), run.Version); err != nil {
			p.logger.Error(ctx, "record known-good version failed", zap.String("env", string(env)), zap.Error(err))
		}
	}
	if p.tagger != nil {
		if err := p.tagger.Tag(ctx, run.Version, "autopilot release "+run.Version); err != nil {
			p.logger.Warn(ctx, "tag release failed", zap.String("version", run.Version), zap.Error(err))
		}
	}
	run.Outcome = OutcomeSuccess
	p.finish(ctx, &run)
	_ = p.notifier.Notify(ctx, notify.ChannelReports, "deployed "+run.Version+" to production")
	return run
}

func (p *Pipeline) finish(ctx context.Context, run *Run) {
	run.FinishedAt = p.now()
	p.metrics.DeploymentsTotal.WithLabelValues(string(run.Outcome)).Inc()
	p.logger.Info(ctx, "deployment finished",
		zap.String("version", run.Version),
		zap.String("outcome", string(run.Outcome)),
		zap.Bool("rollback_failed", run.RollbackFailed))
}
