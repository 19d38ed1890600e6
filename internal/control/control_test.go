package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autopilot/internal/approval"
	"github.com/fyrsmithlabs/autopilot/internal/breaker"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/loop"
	"github.com/fyrsmithlabs/autopilot/internal/risk"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

type fakeCycler struct {
	cycles  int
	promote deploy.Run
	err     error
}

func (f *fakeCycler) RunOnce(context.Context) (loop.CycleReport, error) {
	f.cycles++
	return loop.CycleReport{ID: "cycle-1"}, nil
}

func (f *fakeCycler) Promote(context.Context) (deploy.Run, error) { return f.promote, f.err }

type fakePromotions struct{ run *deploy.Run }

func (f fakePromotions) Pending() (deploy.Run, bool) {
	if f.run == nil {
		return deploy.Run{}, false
	}
	return *f.run, true
}

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.Change.Command = "true"
	cfg.Verification.Build = "true"
	return cfg
}

type fixture struct {
	store     *state.Store
	approvals *approval.Workflow
	cycler    *fakeCycler
	svc       *Service
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store, err := state.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	wf := approval.New(store, approval.Config{Timeout: time.Hour, TimeoutOutcome: approval.TimeoutRejected}, nil, nil)
	c := &fakeCycler{}
	return &fixture{store: store, approvals: wf, cycler: c, svc: New(store, wf, c, nil, cfg, nil)}
}

func TestServiceLifecycle(t *testing.T) {
	f := newFixture(t, validConfig())
	ctx := context.Background()

	require.ErrorIs(t, f.svc.Pause(ctx, "alice"), state.ErrIllegalTransition)
	require.NoError(t, f.svc.Start(ctx, "alice"))
	assert.Equal(t, state.LevelEscalation, f.store.Level())

	require.ErrorIs(t, f.svc.Start(ctx, "alice"), state.ErrIllegalTransition)
	require.NoError(t, f.svc.Pause(ctx, "alice"))
	rs, reason := f.store.RunState()
	assert.Equal(t, state.Paused, rs)
	assert.Equal(t, state.PauseHumanOverride, reason)

	require.NoError(t, f.svc.Resume(ctx, "alice"))
	require.NoError(t, f.svc.Stop(ctx, "alice"))

	trs, err := f.svc.Transitions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trs, 4)
	assert.Equal(t, state.Stopped, trs[0].To)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Change.Command = ""
	f := newFixture(t, cfg)

	err := f.svc.Start(context.Background(), "alice")
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Problems, "change.command is required")
	rs, _ := f.store.RunState()
	assert.Equal(t, state.Inactive, rs)
}

func TestStagedConfigAppliesAtNextStart(t *testing.T) {
	f := newFixture(t, validConfig())
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx, "alice"))

	next := validConfig()
	next.Autonomy.Level = config.LevelRoutine
	f.svc.Stage(next)

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.ReloadPending)
	assert.Equal(t, state.LevelEscalation, f.store.Level(), "level is fixed for the run")

	require.NoError(t, f.svc.Stop(ctx, "alice"))
	require.NoError(t, f.svc.Start(ctx, "alice"))
	assert.Equal(t, state.LevelRoutine, f.store.Level())

	st, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.ReloadPending)
}

func TestStartAppliesRunPolicy(t *testing.T) {
	f := newFixture(t, validConfig())
	ctx := context.Background()
	br := breaker.New(f.store, 0.05, nil, nil)
	var applied []float64
	f.svc = New(f.store, f.approvals, f.cycler, nil, validConfig(), nil,
		WithApplier(func(c *config.Config) { br.SetThreshold(c.Breaker.FailureRatio) }),
		WithApplier(func(c *config.Config) { applied = append(applied, c.Breaker.FailureRatio) }))
	require.NoError(t, f.svc.Start(ctx, "alice"))

	next := validConfig()
	next.Breaker.FailureRatio = 0.2
	f.svc.Stage(next)
	require.ErrorIs(t, f.svc.Start(ctx, "alice"), state.ErrIllegalTransition)
	assert.Equal(t, 0.05, br.Threshold(), "a refused start leaves the running policy alone")

	require.NoError(t, f.svc.Stop(ctx, "alice"))
	require.NoError(t, f.svc.Start(ctx, "alice"))
	assert.Equal(t, 0.2, br.Threshold())
	assert.Equal(t, []float64{0.05, 0.2}, applied)

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, br.Threshold(), st.FailureThreshold)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, validConfig())
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx, "alice"))

	task := tasks.Task{ID: "t-1", Kind: tasks.KindGoal, Description: "x", Status: tasks.StatusGenerated}
	_, err := f.approvals.Submit(ctx, task, risk.Assessment{Decision: tasks.DecisionRequireApproval, Level: state.LevelEscalation})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveReport(ctx, state.Report{ID: "r1", At: time.Now(), Body: []byte(`{"id":"r1"}`)}))

	pending := deploy.Run{ID: "d-1", Outcome: deploy.OutcomeAwaitingPromotion}
	f.svc.promotions = fakePromotions{run: &pending}

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Active, st.RunState)
	assert.Equal(t, 1, st.PendingApprovals)
	assert.Equal(t, 0.05, st.FailureThreshold)
	assert.False(t, st.BreakerTripped)
	assert.JSONEq(t, `{"id":"r1"}`, string(st.LastReport))
	require.NotNil(t, st.AwaitingPromote)
	assert.Equal(t, "d-1", st.AwaitingPromote.ID)

	require.NoError(t, f.store.Pause(ctx, state.PauseCircuitBreaker, "circuit-breaker"))
	st, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.BreakerTripped)
}

func TestDecideAndReports(t *testing.T) {
	f := newFixture(t, validConfig())
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx, "alice"))

	task := tasks.Task{ID: "t-1", Kind: tasks.KindGoal, Description: "x", Status: tasks.StatusGenerated}
	_, err := f.approvals.Submit(ctx, task, risk.Assessment{Decision: tasks.DecisionRequireApproval})
	require.NoError(t, err)
	require.Len(t, f.svc.Approvals(), 1)

	req, err := f.svc.Decide(ctx, "t-1", false, "bob")
	require.NoError(t, err)
	assert.Equal(t, state.DecisionRejected, req.Decision)
	_, err = f.svc.Decide(ctx, "t-1", true, "bob")
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)

	for _, id := range []string{"a", "b"} {
		body, _ := json.Marshal(map[string]string{"id": id})
		require.NoError(t, f.store.SaveReport(ctx, state.Report{ID: id, At: time.Now(), Body: body}))
	}
	reports, err := f.svc.Reports(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	rep, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cycle-1", rep.ID)
	assert.Equal(t, 1, f.cycler.cycles)
}
