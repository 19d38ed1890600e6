package loop

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autopilot/internal/approval"
	"github.com/fyrsmithlabs/autopilot/internal/breaker"
	"github.com/fyrsmithlabs/autopilot/internal/codebase"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/pipeline"
	"github.com/fyrsmithlabs/autopilot/internal/risk"
	"github.com/fyrsmithlabs/autopilot/internal/schedule"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type allowFunc func(time.Time) bool

func (f allowFunc) Allow(t time.Time) bool { return f(t) }

type staticSignal struct{ sig tasks.Signal }

func (s staticSignal) Signal(context.Context) (tasks.Signal, error) { return s.sig, nil }

var healthy = tasks.Signal{BuildPassing: true, LintPassing: true, TestsPassing: true}

// fakeExecutor stands in for the change pipeline. fail decides per call
// whether the run fails; hook runs before the outcome is decided.
type fakeExecutor struct {
	mu       sync.Mutex
	store    *state.Store
	now      func() time.Time
	fail     func(n int, t tasks.Task) error
	hook     func(n int, t tasks.Task)
	executed []tasks.Task
}

func (f *fakeExecutor) Execute(ctx context.Context, t tasks.Task, _ pipeline.Options) (pipeline.Run, tasks.Task, error) {
	f.mu.Lock()
	n := len(f.executed)
	f.executed = append(f.executed, t)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(n, t)
	}

	at := f.now()
	run := pipeline.Run{TaskID: t.ID, Branch: "autopilot/" + t.ID, StartedAt: at}
	t, _ = t.Transition(tasks.StatusExecuting, "pipeline started", at)

	err := ctx.Err()
	if err == nil && f.fail != nil {
		err = f.fail(n, t)
	}
	if err != nil {
		serr := &pipeline.StageError{Stage: pipeline.StageTesting, TaskID: t.ID, Err: err}
		run.Result = pipeline.ResultFailed
		run.Error = serr.Error()
		run.Discarded = true
		t, _ = t.Transition(tasks.StatusFailed, serr.Error(), at)
		_ = f.store.SaveTask(context.Background(), t)
		return run, t, serr
	}

	run.Result = pipeline.ResultSucceeded
	run.Integration = pipeline.IntegrationMerged
	run.Commit = "c0ffee0000000000"
	run.Quality = &codebase.Outcome{Passed: true, At: at}
	run.FinishedAt = at
	t, _ = t.Transition(tasks.StatusSucceeded, "merged", at)
	_ = f.store.SaveTask(context.Background(), t)
	return run, t, nil
}

func (f *fakeExecutor) calls() []tasks.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tasks.Task(nil), f.executed...)
}

type fixture struct {
	clock     *fakeClock
	store     *state.Store
	notes     *notify.Recorder
	breaker   *breaker.Breaker
	approvals *approval.Workflow
	exec      *fakeExecutor
	goals     []tasks.Goal
	deps      Deps
	cfg       Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store, err := state.Open(context.Background(), ":memory:", state.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{clock: clock, store: store, notes: &notify.Recorder{}}
	f.breaker = breaker.New(store, 0.05, f.notes, nil)
	f.approvals = approval.New(store, approval.Config{Timeout: time.Hour, TimeoutOutcome: approval.TimeoutRejected},
		f.notes, nil, approval.WithClock(clock.Now))
	f.exec = &fakeExecutor{store: store, now: clock.Now}
	f.cfg = Config{Period: time.Hour, MaxTasksPerCycle: 3, AutoMerge: true, Risk: risk.Thresholds{MaxChangeSize: 200}}
	f.deps = Deps{
		Store:     store,
		Schedule:  allowFunc(func(time.Time) bool { return true }),
		Signaler:  staticSignal{sig: healthy},
		Goals:     func() ([]tasks.Goal, error) { return f.goals, nil },
		Generator: tasks.NewGenerator(tasks.WithClock(clock.Now)),
		Approvals: f.approvals,
		Breaker:   f.breaker,
		Executor:  f.exec,
		Notifier:  f.notes,
	}
	return f
}

func (f *fixture) start(t *testing.T, level state.AutonomyLevel, window int) {
	t.Helper()
	require.NoError(t, f.store.Start(context.Background(), level, window, "test"))
}

func (f *fixture) loop() *Loop {
	return New(f.cfg, f.deps, nil, WithClock(f.clock.Now))
}

func findTask(rep CycleReport, id string) (TaskReport, bool) {
	for _, tr := range rep.Tasks {
		if tr.ID == id {
			return tr, true
		}
	}
	return TaskReport{}, false
}

// Routine level with an unflagged, small goal runs without approval.
func TestScenarioRoutineAutoExecutes(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "docs", Description: "Document the API", Priority: 1, EstimatedChangeSize: 10}}
	f.start(t, state.LevelRoutine, 100)
	ctx := context.Background()

	rep, err := f.loop().RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Skipped)
	assert.Empty(t, rep.Errors)

	calls := f.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docs", calls[0].OriginGoal)
	assert.Equal(t, tasks.DecisionAutoExecute, calls[0].Decision)
	assert.Empty(t, f.approvals.Pending())
	assert.Empty(t, f.notes.Messages(notify.ChannelApprovals))

	tr, ok := findTask(rep, calls[0].ID)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusSucceeded, tr.Status)

	reports, err := f.store.Reports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	var stored CycleReport
	require.NoError(t, json.Unmarshal(reports[0].Body, &stored))
	assert.Equal(t, rep.ID, stored.ID)
	assert.False(t, f.store.Snapshot().LastRun.IsZero())
}

// A security-sensitive task under escalation waits for approval and is
// rejected when the hour passes without a decision.
func TestScenarioEscalationTimesOut(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "auth", Description: "Rotate session keys", EstimatedChangeSize: 10,
		Flags: tasks.Flags{SecuritySensitive: true}}}
	f.start(t, state.LevelEscalation, 100)
	l := f.loop()
	ctx := context.Background()

	rep, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.exec.calls())
	pending := f.approvals.Pending()
	require.Len(t, pending, 1)
	id := pending[0].TaskID
	tr, ok := findTask(rep, id)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusApprovalPending, tr.Status)
	assert.Contains(t, tr.RiskReasons, "security sensitive")

	// Still pending inside the window: no duplicate request.
	f.clock.Advance(30 * time.Minute)
	_, err = l.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.approvals.Pending(), 1)

	f.clock.Advance(31 * time.Minute)
	rep, err = l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rep.Expired)
	tr, ok = findTask(rep, id)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusRejected, tr.Status)
	assert.Equal(t, approval.ReasonTimedOut, tr.Reason)
	assert.Empty(t, f.exec.calls())

	stored, err := f.store.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusRejected, stored.Status)
}

func TestApprovedTaskExecutesNextCycle(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "db", Description: "Add index", EstimatedChangeSize: 10,
		Flags: tasks.Flags{TouchesDatabase: true}}}
	f.start(t, state.LevelEscalation, 100)
	l := f.loop()
	ctx := context.Background()

	_, err := l.RunOnce(ctx)
	require.NoError(t, err)
	id := f.approvals.Pending()[0].TaskID

	_, err = f.approvals.Decide(ctx, id, true, "alice")
	require.NoError(t, err)

	rep, err := l.RunOnce(ctx)
	require.NoError(t, err)
	calls := f.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, id, calls[0].ID)
	tr, _ := findTask(rep, id)
	assert.Equal(t, tasks.StatusSucceeded, tr.Status)
	assert.Empty(t, f.approvals.Pending(), "resolved goal is not regenerated")
}

// A failed run leaves the goal unresolved, so the next cycle generates a
// fresh task for it.
func TestScenarioFailureRegeneratesTask(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "search", Description: "Add search", EstimatedChangeSize: 10}}
	f.exec.fail = func(n int, _ tasks.Task) error {
		if n == 0 {
			return errors.New("verification failed: unit tests")
		}
		return nil
	}
	f.start(t, state.LevelRoutine, 100)
	l := f.loop()
	ctx := context.Background()

	rep, err := l.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Runs, 1)
	assert.Equal(t, pipeline.ResultFailed, rep.Runs[0].Result)
	assert.True(t, rep.Runs[0].Discarded)
	require.Len(t, rep.Errors, 1)
	first := f.exec.calls()[0]
	tr, _ := findTask(rep, first.ID)
	assert.Equal(t, tasks.StatusFailed, tr.Status)
	assert.Equal(t, 1, f.store.WindowStats().Failures)

	_, err = l.RunOnce(ctx)
	require.NoError(t, err)
	calls := f.exec.calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, first.ID, calls[1].ID)
	assert.Equal(t, first.Identity(), calls[1].Identity())
}

// A smoke failure in staging rolls back and leaves production alone.
func TestScenarioSmokeFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	for _, env := range []string{"staging", "production"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "active-"+env), []byte("v1\n"), 0o600))
	}
	cmds := config.DeployConfig{
		Enabled:   true,
		Build:     "echo app.bin",
		Deploy:    "echo {version} > active-{env}",
		SmokeTest: "exit 1",
		Rollback:  "echo {version} > active-{env}",
		Version:   "cat active-{env}",
		Timeout:   config.Duration(time.Minute),
	}
	f.deps.Deployer = deploy.New(deploy.NewCommandDeployer(dir, nil, cmds), f.store, f.breaker, f.notes, true, nil,
		deploy.WithClock(f.clock.Now))
	f.goals = []tasks.Goal{{ID: "perf", Description: "Cache responses", EstimatedChangeSize: 10}}
	f.start(t, state.LevelRoutine, 100)

	rep, err := f.loop().RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.Deployment)
	assert.Equal(t, deploy.OutcomeRolledBack, rep.Deployment.Outcome)
	assert.Equal(t, []deploy.Environment{deploy.Staging}, rep.Deployment.RolledBack)

	prod, err := os.ReadFile(filepath.Join(dir, "active-production"))
	require.NoError(t, err)
	assert.Equal(t, "v1", strings.TrimSpace(string(prod)))
	staging, err := os.ReadFile(filepath.Join(dir, "active-staging"))
	require.NoError(t, err)
	assert.Equal(t, "v1", strings.TrimSpace(string(staging)))

	critical := f.notes.Messages(notify.ChannelCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0].Body, "rolled back")

	stats := f.store.WindowStats()
	assert.Equal(t, 2, stats.Samples)
	assert.Equal(t, 1, stats.Failures)
}

func TestSkipsWhenNotActiveOrOutsideHours(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "docs", Description: "Document", EstimatedChangeSize: 1}}
	l := f.loop()
	ctx := context.Background()

	rep, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipNotActive, rep.Skipped)

	f.start(t, state.LevelRoutine, 100)
	f.deps.Schedule = allowFunc(func(time.Time) bool { return false })
	l = f.loop()
	rep, err = l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipOutsideHours, rep.Skipped)

	assert.Empty(t, f.exec.calls())
	assert.True(t, f.store.Snapshot().LastRun.IsZero())
	reports, err := f.store.Reports(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestPauseMidCycleStopsRemainingTasks(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{
		{ID: "a", Description: "First", Priority: 1, EstimatedChangeSize: 1},
		{ID: "b", Description: "Second", Priority: 2, EstimatedChangeSize: 1},
	}
	f.exec.hook = func(n int, _ tasks.Task) {
		if n == 0 {
			require.NoError(t, f.store.Pause(context.Background(), state.PauseHumanOverride, "alice"))
		}
	}
	f.start(t, state.LevelRoutine, 100)

	rep, err := f.loop().RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.exec.calls(), 1)
	require.Len(t, rep.Runs, 1)
	assert.Equal(t, pipeline.ResultFailed, rep.Runs[0].Result)
	assert.Zero(t, f.store.WindowStats().Samples, "cancellation is not a failure")

	var deferred int
	for _, tr := range rep.Tasks {
		if tr.Reason == "deferred to next cycle" {
			deferred++
		}
	}
	assert.Equal(t, 1, deferred)
}

func TestBreakerTripHaltsCycle(t *testing.T) {
	f := newFixture(t)
	f.breaker = breaker.New(f.store, 0.5, f.notes, nil)
	f.deps.Breaker = f.breaker
	f.goals = []tasks.Goal{
		{ID: "a", Description: "First", Priority: 1, EstimatedChangeSize: 1},
		{ID: "b", Description: "Second", Priority: 2, EstimatedChangeSize: 1},
	}
	f.exec.fail = func(int, tasks.Task) error { return errors.New("boom") }
	f.start(t, state.LevelRoutine, 2)

	rep, err := f.loop().RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.BreakerTripped)
	assert.Len(t, f.exec.calls(), 1)

	rs, reason := f.store.RunState()
	assert.Equal(t, state.Paused, rs)
	assert.Equal(t, state.PauseCircuitBreaker, reason)
	assert.NotEmpty(t, f.notes.Messages(notify.ChannelCritical))
}

func TestTaskLimitCarriesApprovedTasks(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxTasksPerCycle = 1
	f.goals = []tasks.Goal{
		{ID: "a", Description: "First", Priority: 1, EstimatedChangeSize: 1, Flags: tasks.Flags{CallsExternalAPI: true}},
		{ID: "b", Description: "Second", Priority: 2, EstimatedChangeSize: 1, Flags: tasks.Flags{CallsExternalAPI: true}},
	}
	f.start(t, state.LevelEscalation, 100)
	l := f.loop()
	ctx := context.Background()

	_, err := l.RunOnce(ctx)
	require.NoError(t, err)
	for _, req := range f.approvals.Pending() {
		_, err := f.approvals.Decide(ctx, req.TaskID, true, "alice")
		require.NoError(t, err)
	}

	_, err = l.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.exec.calls(), 1)

	_, err = l.RunOnce(ctx)
	require.NoError(t, err)
	calls := f.exec.calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
	assert.Empty(t, f.approvals.Pending())
}

func TestSetPolicyAppliesFromNextCycle(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{
		{ID: "a", Description: "First", Priority: 1, EstimatedChangeSize: 1},
		{ID: "b", Description: "Second", Priority: 2, EstimatedChangeSize: 1},
	}
	f.start(t, state.LevelRoutine, 100)
	l := f.loop()

	pol := f.cfg
	pol.MaxTasksPerCycle = 1
	pol.Period = time.Minute
	l.SetPolicy(pol)

	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.exec.calls(), 1)
	assert.Equal(t, time.Hour, l.period, "period is fixed at construction")
}

// Outside working hours the next run is the first tick once the window
// reopens, not one period from now.
func TestNextRunFollowsWorkingHours(t *testing.T) {
	f := newFixture(t)
	f.deps.Schedule = schedule.Window{Start: schedule.Clock{Hour: 9}, End: schedule.Clock{Hour: 10, Minute: 30},
		Location: time.UTC, Days: schedule.EveryDay}
	f.start(t, state.LevelRoutine, 100)
	l := f.loop()

	l.tick(context.Background())
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), f.store.Snapshot().NextRun)

	f.deps.Schedule = allowFunc(func(time.Time) bool { return true })
	assert.Equal(t, f.clock.Now().Add(time.Hour), f.loop().nextRun(f.clock.Now()))
}

func TestRunTicksOnStart(t *testing.T) {
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "docs", Description: "Document", EstimatedChangeSize: 1}}
	l := f.loop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	f.start(t, state.LevelRoutine, 100)
	require.Eventually(t, func() bool { return len(f.exec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !f.store.Snapshot().NextRun.IsZero() }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestPromoteWithoutDeployer(t *testing.T) {
	f := newFixture(t)
	_, err := f.loop().Promote(context.Background())
	assert.ErrorIs(t, err, ErrDeployDisabled)
}

func TestCycleEmitsSpan(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)
	f := newFixture(t)
	f.goals = []tasks.Goal{{ID: "docs", Description: "Document", EstimatedChangeSize: 1}}
	f.start(t, state.LevelRoutine, 100)

	rep, err := f.loop().RunOnce(context.Background())
	require.NoError(t, err)
	tt.AssertSpanExists(t, "loop.cycle")
	tt.AssertSpanAttribute(t, "loop.cycle", "cycle_id", rep.ID)
	tt.AssertSpanAttribute(t, "loop.cycle", "tasks", int64(1))
}

// recordingVCS only implements Discard; the loop calls nothing else.
type recordingVCS struct {
	pipeline.VCS
	mu        sync.Mutex
	err       error
	discarded []string
}

func (v *recordingVCS) Discard(_ context.Context, _ vcs.Snapshot, branch string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.discarded = append(v.discarded, branch)
	return v.err
}

// A marker left by a failed discard is retried before the next cycle
// runs anything, not only at daemon start.
func TestCycleRecoversLeftoverRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := &recordingVCS{err: errors.New("index.lock exists")}
	f.deps.VCS = repo
	f.goals = []tasks.Goal{{ID: "perf", Description: "Cache responses", EstimatedChangeSize: 10}}
	f.start(t, state.LevelRoutine, 100)
	require.NoError(t, f.store.SetInFlight(ctx, state.InFlight{
		TaskID: "old", Branch: "autopilot/old", OriginalBranch: "main", OriginalHead: "abc123",
	}))
	l := f.loop()

	_, err := l.RunOnce(ctx)
	require.Error(t, err)
	assert.Empty(t, f.exec.calls())
	_, inflight := f.store.InFlight()
	assert.True(t, inflight)

	repo.err = nil
	_, err = l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"autopilot/old", "autopilot/old"}, repo.discarded)
	_, inflight = f.store.InFlight()
	assert.False(t, inflight)
	assert.Len(t, f.exec.calls(), 1)
}
