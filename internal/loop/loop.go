// Package loop drives the autonomous cycle: it gates on run state and
// working hours, turns goals and codebase signals into tasks, routes them
// through risk and approval, executes them one at a time and feeds every
// outcome to the circuit breaker.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/pipeline"
	"github.com/fyrsmithlabs/autopilot/internal/risk"
	"github.com/fyrsmithlabs/autopilot/internal/secrets"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/loop"

// ErrDeployDisabled is returned by Promote when no deployment pipeline is
// configured.
var ErrDeployDisabled = errors.New("deployment is disabled")

// Store is the slice of the state store the loop uses.
type Store interface {
	RunState() (state.RunState, state.PauseReason)
	Level() state.AutonomyLevel
	Subscribe(fn func(state.Transition))
	TouchLastRun(ctx context.Context, at time.Time) (time.Time, error)
	SetNextRun(ctx context.Context, at time.Time) error
	InFlight() (state.InFlight, bool)
	ClearInFlight(ctx context.Context) error
	Resolved(id tasks.Identity) bool
	SaveTask(ctx context.Context, t tasks.Task) error
	SaveReport(ctx context.Context, r state.Report) error
}

// Schedule decides whether a cycle may run at a given instant.
type Schedule interface {
	Allow(now time.Time) bool
}

// opener is implemented by schedules that can say when they next open.
type opener interface {
	Next(now time.Time) time.Time
}

// Signaler inspects the codebase.
type Signaler interface {
	Signal(ctx context.Context) (tasks.Signal, error)
}

// Approvals is the approval workflow.
type Approvals interface {
	Expire(ctx context.Context, now time.Time) ([]state.ApprovalRequest, error)
	TakeApproved(ctx context.Context) ([]tasks.Task, error)
	Submit(ctx context.Context, t tasks.Task, a risk.Assessment) (state.ApprovalRequest, error)
	Pending() []state.ApprovalRequest
}

// Breaker receives every task and deployment outcome.
type Breaker interface {
	Record(ctx context.Context, o state.Outcome) (bool, error)
	Ratio() float64
}

// Executor runs one task through the change pipeline.
type Executor interface {
	Execute(ctx context.Context, t tasks.Task, opts pipeline.Options) (pipeline.Run, tasks.Task, error)
}

// Deployer runs the deployment pipeline.
type Deployer interface {
	Deploy(ctx context.Context, src pipeline.Run) (deploy.Run, error)
	Promote(ctx context.Context) (deploy.Run, error)
}

// GoalsFunc returns the current project goals.
type GoalsFunc func() ([]tasks.Goal, error)

// FileGoals reads goals from path on every call so edits apply on the
// next cycle.
func FileGoals(path string) GoalsFunc {
	return func() ([]tasks.Goal, error) { return tasks.LoadGoals(path) }
}

// Config holds the loop's fixed parameters.
type Config struct {
	Period           time.Duration
	MaxTasksPerCycle int
	AutoMerge        bool
	BranchPrefix     string
	Risk             risk.Thresholds
}

// ConfigFrom extracts the loop parameters from the daemon configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Period:           c.Autonomy.CyclePeriod.Duration(),
		MaxTasksPerCycle: c.Autonomy.MaxTasksPerCycle,
		AutoMerge:        c.Autonomy.AutoMerge,
		BranchPrefix:     c.Repository.BranchPrefix,
		Risk:             risk.FromConfig(c.Risk),
	}
}

// Deps are the loop's collaborators. Deployer is optional.
type Deps struct {
	Store     Store
	Schedule  Schedule
	Signaler  Signaler
	Goals     GoalsFunc
	Generator *tasks.Generator
	Approvals Approvals
	Breaker   Breaker
	Executor  Executor
	VCS       pipeline.VCS
	Deployer  Deployer
	Notifier  notify.Notifier
	Scrubber  secrets.Scrubber
}

// Loop is the control loop.
//
// Thread Safety: RunOnce and Promote may be called from any goroutine.
// They serialize on the working-copy lock, so at most one pipeline or
// deployment touches the repository at a time.
type Loop struct {
	period time.Duration
	// cfgMu guards cfg; its Period is ignored after New.
	cfgMu   sync.RWMutex
	cfg     Config
	deps    Deps
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	// work guards the working copy and the carry-over queue.
	work sync.Mutex
	// carry holds approved tasks consumed from the store but not yet run
	// because of the per-cycle limit.
	carry []tasks.Task

	runMu     sync.Mutex
	runCancel context.CancelFunc

	// wake is signalled when the run state becomes Active.
	wake chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New builds a loop and subscribes it to run-state transitions.
func New(cfg Config, deps Deps, logger *logging.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Minute
	}
	if deps.Goals == nil {
		deps.Goals = func() ([]tasks.Goal, error) { return nil, nil }
	}
	if deps.Generator == nil {
		deps.Generator = tasks.NewGenerator()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Func(func(context.Context, notify.Channel, string) error { return nil })
	}
	l := &Loop{
		period:  cfg.Period,
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("loop"),
		metrics: metrics.Get(),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	deps.Store.Subscribe(l.onTransition)
	return l
}

// SetPolicy replaces the per-cycle settings from the next cycle on. The
// period is kept: the ticker is built once by Run.
func (l *Loop) SetPolicy(cfg Config) {
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()
}

func (l *Loop) policy() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// onTransition cancels the running cycle when the loop leaves Active and
// schedules an immediate tick when it enters Active.
func (l *Loop) onTransition(t state.Transition) {
	if t.To == state.Active {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return
	}
	l.runMu.Lock()
	cancel := l.runCancel
	l.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run discards any run interrupted by a crash, then ticks until ctx is
// done. The first tick fires immediately. A failed discard is logged and
// retried before every cycle.
func (l *Loop) Run(ctx context.Context) error {
	l.work.Lock()
	if err := l.recoverWorkingCopy(ctx); err != nil {
		l.logger.Error(ctx, "discard interrupted run failed, retrying before each cycle", zap.Error(err))
	}
	l.work.Unlock()

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	l.logger.Info(ctx, "control loop started", zap.Duration("period", l.period))

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info(ctx, "control loop stopped")
			return nil
		case <-ticker.C:
			l.tick(ctx)
		case <-l.wake:
			l.tick(ctx)
		}
	}
}

// recoverWorkingCopy discards the run named by the in-flight marker. The caller
// holds the working-copy lock.
func (l *Loop) recoverWorkingCopy(ctx context.Context) error {
	if l.deps.VCS == nil {
		return nil
	}
	if _, ok := l.deps.Store.InFlight(); !ok {
		return nil
	}
	if err := pipeline.Recover(context.WithoutCancel(ctx), l.deps.VCS, l.deps.Store, l.logger); err != nil {
		return fmt.Errorf("recover working copy: %w", err)
	}
	return nil
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, "cycle panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	rep, err := l.RunOnce(ctx)
	if err != nil {
		l.logger.Error(ctx, "cycle failed", zap.String("cycle_id", rep.ID), zap.Error(err))
	}
	if rs, _ := l.deps.Store.RunState(); rs == state.Active {
		next := l.nextRun(l.now())
		if err := l.deps.Store.SetNextRun(context.WithoutCancel(ctx), next); err != nil {
			l.logger.Warn(ctx, "record next run failed", zap.Error(err))
		}
	}
}

// nextRun is the first tick after now that the schedule lets through.
// Ticks land on now plus a multiple of the period.
func (l *Loop) nextRun(now time.Time) time.Time {
	next := now.Add(l.period)
	o, ok := l.deps.Schedule.(opener)
	if !ok {
		return next
	}
	opens := o.Next(next)
	if opens.IsZero() || !opens.After(next) {
		return next
	}
	ticks := (opens.Sub(now) + l.period - 1) / l.period
	return now.Add(ticks * l.period)
}

// RunOnce runs a single cycle if the run state and working hours allow
// it. A skipped cycle returns a report with Skipped set and is not
// stored.
func (l *Loop) RunOnce(ctx context.Context) (CycleReport, error) {
	l.work.Lock()
	defer l.work.Unlock()

	rep := CycleReport{ID: uuid.NewString(), StartedAt: l.now()}
	ctx = logging.WithCycleID(ctx, rep.ID)

	if rs, _ := l.deps.Store.RunState(); rs != state.Active {
		rep.Skipped = SkipNotActive
		return l.skipped(ctx, rep), nil
	}
	if l.deps.Schedule != nil && !l.deps.Schedule.Allow(rep.StartedAt) {
		rep.Skipped = SkipOutsideHours
		return l.skipped(ctx, rep), nil
	}

	// A run whose discard failed keeps its marker; retry before any new
	// pipeline branches from that working copy.
	if err := l.recoverWorkingCopy(ctx); err != nil {
		return rep, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.runMu.Lock()
	l.runCancel = cancel
	l.runMu.Unlock()
	defer func() {
		l.runMu.Lock()
		l.runCancel = nil
		l.runMu.Unlock()
		cancel()
	}()
	// A pause that landed before the cancel func was registered.
	if rs, _ := l.deps.Store.RunState(); rs != state.Active {
		cancel()
	}

	bg := context.WithoutCancel(ctx)
	defer func() {
		if _, err := l.deps.Store.TouchLastRun(bg, l.now()); err != nil {
			l.logger.Warn(ctx, "record last run failed", zap.Error(err))
		}
	}()

	runCtx, span := l.tracer.Start(runCtx, "loop.cycle")
	span.SetAttributes(attribute.String("cycle_id", rep.ID))
	l.cycle(runCtx, &rep)
	span.SetAttributes(attribute.Int("tasks", len(rep.Tasks)), attribute.Int("errors", len(rep.Errors)))
	span.End()

	rep.FinishedAt = l.now()
	rep.ErrorRatio = l.deps.Breaker.Ratio()
	l.metrics.CyclesTotal.WithLabelValues(rep.Outcome()).Inc()

	body, err := json.Marshal(rep)
	if err != nil {
		return rep, fmt.Errorf("encode cycle report: %w", err)
	}
	if err := l.deps.Store.SaveReport(bg, state.Report{ID: rep.ID, At: rep.FinishedAt, Body: body}); err != nil {
		return rep, fmt.Errorf("save cycle report: %w", err)
	}
	_ = l.deps.Notifier.Notify(bg, notify.ChannelReports, summary(rep))
	l.logger.Info(ctx, "cycle finished",
		zap.Int("tasks", len(rep.Tasks)),
		zap.Int("runs", len(rep.Runs)),
		zap.Int("errors", len(rep.Errors)),
		zap.Float64("error_ratio", rep.ErrorRatio))
	return rep, nil
}

func (l *Loop) skipped(ctx context.Context, rep CycleReport) CycleReport {
	rep.FinishedAt = rep.StartedAt
	l.metrics.CyclesTotal.WithLabelValues(rep.Outcome()).Inc()
	l.logger.Debug(ctx, "cycle skipped", zap.String("reason", rep.Skipped))
	return rep
}

func summary(rep CycleReport) string {
	s := fmt.Sprintf("cycle %s: %d tasks, %d pipeline runs, %d errors, error ratio %.3f",
		rep.ID, len(rep.Tasks), len(rep.Runs), len(rep.Errors), rep.ErrorRatio)
	if rep.Deployment != nil {
		s += fmt.Sprintf(", deployment %s %s", rep.Deployment.Version, rep.Deployment.Outcome)
	}
	return s
}

func (l *Loop) addError(ctx context.Context, rep *CycleReport, what string, err error) {
	msg := secrets.ScrubString(l.deps.Scrubber, fmt.Sprintf("%s: %v", what, err))
	rep.Errors = append(rep.Errors, msg)
	l.logger.Warn(ctx, what, zap.Error(err))
}

func (l *Loop) cycle(ctx context.Context, rep *CycleReport) {
	bg := context.WithoutCancel(ctx)
	rep.Level = l.deps.Store.Level()
	pol := l.policy()

	expired, err := l.deps.Approvals.Expire(bg, l.now())
	if err != nil {
		l.addError(ctx, rep, "expire approvals", err)
	}
	for _, req := range expired {
		rep.Expired = append(rep.Expired, req.TaskID)
		rep.setTask(req.Task)
	}

	approved, err := l.deps.Approvals.TakeApproved(bg)
	if err != nil {
		l.addError(ctx, rep, "collect approved tasks", err)
	}
	queue := append(l.carry, approved...)
	l.carry = nil

	if ctx.Err() == nil {
		queue = append(queue, l.plan(ctx, rep, queue, pol.Risk)...)
	}

	if limit := pol.MaxTasksPerCycle; limit > 0 && len(queue) > limit {
		l.deferTasks(rep, queue[limit:])
		queue = queue[:limit]
	}

	var candidate *pipeline.Run
	for i, t := range queue {
		if ctx.Err() != nil {
			l.deferTasks(rep, queue[i:])
			break
		}
		run, final, err := l.deps.Executor.Execute(ctx, t, pipeline.Options{
			Level:        rep.Level,
			AutoMerge:    pol.AutoMerge,
			BranchPrefix: pol.BranchPrefix,
		})
		rep.Runs = append(rep.Runs, run)
		rep.setTask(final)
		if err != nil {
			l.addError(ctx, rep, "task "+t.ID, err)
			if errors.Is(err, context.Canceled) && !run.Committed() {
				continue
			}
			l.record(bg, rep, false, "task:"+t.ID)
			continue
		}
		l.record(bg, rep, true, "task:"+t.ID)
		if run.DeploymentReady() {
			r := run
			candidate = &r
		}
	}

	if l.deps.Deployer != nil && candidate != nil && ctx.Err() == nil {
		l.deploy(ctx, rep, *candidate)
	}
}

// plan generates, classifies and routes new tasks. It returns the tasks
// cleared for autonomous execution.
func (l *Loop) plan(ctx context.Context, rep *CycleReport, queued []tasks.Task, thresholds risk.Thresholds) []tasks.Task {
	bg := context.WithoutCancel(ctx)

	sig, err := l.deps.Signaler.Signal(ctx)
	if err != nil {
		l.addError(ctx, rep, "inspect codebase", err)
		return nil
	}
	rep.Signal = &sig

	goals, err := l.deps.Goals()
	if err != nil {
		l.addError(ctx, rep, "load goals", err)
	}

	tracked := append([]tasks.Task(nil), queued...)
	for _, req := range l.deps.Approvals.Pending() {
		tracked = append(tracked, req.Task)
	}
	candidates := l.deps.Generator.Generate(tasks.Input{
		Goals:    goals,
		Signal:   sig,
		Tracked:  tracked,
		Resolved: l.deps.Store.Resolved,
	})

	gate := risk.NewGate(rep.Level, thresholds)
	var auto []tasks.Task
	for _, c := range candidates {
		t, a := gate.Assess(c)
		if a.RequiresApproval() {
			req, err := l.deps.Approvals.Submit(bg, t, a)
			if err != nil {
				l.addError(ctx, rep, "submit approval "+t.ID, err)
				continue
			}
			rep.setTask(req.Task)
			continue
		}
		rep.setTask(t)
		auto = append(auto, t)
	}
	return auto
}

// deferTasks keeps approved tasks for the next cycle. Generated tasks are
// dropped and will be regenerated.
func (l *Loop) deferTasks(rep *CycleReport, rest []tasks.Task) {
	for _, t := range rest {
		if t.Status == tasks.StatusApproved {
			l.carry = append(l.carry, t)
		}
		deferred := t
		deferred.Reason = "deferred to next cycle"
		rep.setTask(deferred)
	}
}

func (l *Loop) record(ctx context.Context, rep *CycleReport, success bool, source string) {
	tripped, err := l.deps.Breaker.Record(ctx, state.Outcome{Success: success, At: l.now(), Source: source})
	if err != nil {
		l.addError(ctx, rep, "record outcome", err)
		return
	}
	if tripped {
		rep.BreakerTripped = true
	}
}

// deploy runs the deployment to completion once it has started; a pause
// mid-deployment must not leave environments half rolled out.
func (l *Loop) deploy(ctx context.Context, rep *CycleReport, src pipeline.Run) {
	bg := context.WithoutCancel(ctx)
	run, err := l.deps.Deployer.Deploy(bg, src)
	if errors.Is(err, deploy.ErrPromotionPending) {
		l.logger.Info(ctx, "deployment skipped, previous release awaiting promotion")
		return
	}
	if run.ID != "" {
		rep.Deployment = &run
	}
	if err != nil {
		l.addError(ctx, rep, "deploy", err)
	}
	if run.Outcome.Terminal() {
		l.record(bg, rep, run.Outcome == deploy.OutcomeSuccess, "deploy:"+run.Version)
	}
}

// Promote releases a deployment awaiting promotion to production.
func (l *Loop) Promote(ctx context.Context) (deploy.Run, error) {
	if l.deps.Deployer == nil {
		return deploy.Run{}, ErrDeployDisabled
	}
	l.work.Lock()
	defer l.work.Unlock()

	run, err := l.deps.Deployer.Promote(context.WithoutCancel(ctx))
	if errors.Is(err, deploy.ErrNothingToPromote) {
		return run, err
	}
	if run.Outcome.Terminal() {
		var rep CycleReport
		l.record(context.WithoutCancel(ctx), &rep, run.Outcome == deploy.OutcomeSuccess, "deploy:"+run.Version)
	}
	return run, err
}
