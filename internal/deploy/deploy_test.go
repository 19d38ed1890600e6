package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autopilot/internal/codebase"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/pipeline"
	"github.com/fyrsmithlabs/autopilot/internal/state"
)

type fakeDeployer struct {
	mu        sync.Mutex
	active    map[Environment]string
	failAt    Stage
	smokeFail map[Environment]bool
	rollErr   error
	verErr    error
	calls     []string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		active:    map[Environment]string{Staging: "v1", Production: "v1"},
		smokeFail: map[Environment]bool{},
	}
}

func (f *fakeDeployer) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeDeployer) BuildArtifact(context.Context) (string, error) {
	f.record("build")
	if f.failAt == StageBuilding {
		return "", errors.New("compile error")
	}
	return "app.bin", nil
}

func (f *fakeDeployer) Package(_ context.Context, artifact string) (string, error) {
	f.record("package")
	if f.failAt == StagePackaging {
		return "", errors.New("package error")
	}
	return artifact + ".tar", nil
}

func (f *fakeDeployer) Deploy(_ context.Context, env Environment, _, version string) error {
	f.record("deploy:" + string(env))
	if (env == Staging && f.failAt == StageStagingDeploy) || (env == Production && f.failAt == StageProductionDeploy) {
		f.active[env] = "broken"
		return errors.New("deploy error")
	}
	f.active[env] = version
	return nil
}

func (f *fakeDeployer) RunSmokeTests(_ context.Context, env Environment, _ string) (bool, error) {
	f.record("smoke:" + string(env))
	return !f.smokeFail[env], nil
}

func (f *fakeDeployer) Rollback(_ context.Context, env Environment, version string) error {
	f.record("rollback:" + string(env))
	if f.rollErr != nil {
		return f.rollErr
	}
	f.active[env] = version
	return nil
}

func (f *fakeDeployer) ActiveVersion(_ context.Context, env Environment) (string, error) {
	if f.verErr != nil {
		return "", f.verErr
	}
	return f.active[env], nil
}

type fakeStopper struct{ reasons []string }

func (s *fakeStopper) Trip(_ context.Context, reason string) error {
	s.reasons = append(s.reasons, reason)
	return nil
}

type fakeTagger struct{ tags []string }

func (t *fakeTagger) Tag(_ context.Context, version, _ string) error {
	t.tags = append(t.tags, version)
	return nil
}

type fixture struct {
	deployer *fakeDeployer
	store    *state.Store
	stopper  *fakeStopper
	tagger   *fakeTagger
	notes    *notify.Recorder
	p        *Pipeline
}

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, autoDeploy bool) *fixture {
	t.Helper()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		deployer: newFakeDeployer(),
		store:    store,
		stopper:  &fakeStopper{},
		tagger:   &fakeTagger{},
		notes:    &notify.Recorder{},
	}
	f.p = New(f.deployer, store, f.stopper, f.notes, autoDeploy, nil,
		WithClock(func() time.Time { return fixedNow }), WithTagger(f.tagger))
	return f
}

func readyRun() pipeline.Run {
	started := fixedNow.Add(-time.Minute)
	return pipeline.Run{
		TaskID:      "task-1",
		StartedAt:   started,
		Result:      pipeline.ResultSucceeded,
		Integration: pipeline.IntegrationMerged,
		Commit:      "0123456789abcdef",
		Quality:     &codebase.Outcome{Passed: true, At: started.Add(30 * time.Second)},
	}
}

func TestDeploySuccess(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	run, err := f.p.Deploy(ctx, readyRun())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, "v2026.03.02-100000-0123456", run.Version)
	assert.Equal(t, "app.bin.tar", run.Artifact)
	assert.Equal(t, []string{"build", "package", "deploy:staging", "smoke:staging", "deploy:production", "smoke:production"},
		f.deployer.calls)

	for _, env := range []string{"staging", "production"} {
		v, err := f.store.KnownGood(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, run.Version, v)
	}
	assert.Equal(t, []string{run.Version}, f.tagger.tags)
	assert.Empty(t, f.notes.Messages(notify.ChannelCritical))
}

func TestDeployRequiresReadyRun(t *testing.T) {
	f := newFixture(t, true)

	stale := readyRun()
	stale.Quality.At = stale.StartedAt.Add(-time.Hour)
	unmerged := readyRun()
	unmerged.Integration = pipeline.IntegrationReview
	failing := readyRun()
	failing.Quality = &codebase.Outcome{Passed: false, At: failing.StartedAt}

	for name, r := range map[string]pipeline.Run{"stale quality": stale, "review": unmerged, "failing": failing} {
		t.Run(name, func(t *testing.T) {
			_, err := f.p.Deploy(context.Background(), r)
			assert.ErrorIs(t, err, ErrNotDeploymentReady)
		})
	}
	assert.Empty(t, f.deployer.calls)
}

func TestFailureBeforeStagingIsFailed(t *testing.T) {
	for _, stage := range []Stage{StageBuilding, StagePackaging} {
		t.Run(string(stage), func(t *testing.T) {
			f := newFixture(t, true)
			f.deployer.failAt = stage

			run, err := f.p.Deploy(context.Background(), readyRun())
			require.Error(t, err)
			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, stage, se.Stage)
			assert.Equal(t, OutcomeFailed, run.Outcome)
			assert.Empty(t, run.Touched)
			assert.NotContains(t, f.deployer.calls, "rollback:staging")
			assert.Equal(t, "v1", f.deployer.active[Staging])
			assert.Empty(t, f.notes.Messages(notify.ChannelCritical))
		})
	}
}

// A smoke failure in staging rolls staging back and leaves production on
// the version it had before the run.
func TestSmokeFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.deployer.smokeFail[Staging] = true

	run, err := f.p.Deploy(context.Background(), readyRun())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSmokeTestFailed)
	assert.Equal(t, OutcomeRolledBack, run.Outcome)
	assert.Equal(t, []Environment{Staging}, run.RolledBack)
	assert.False(t, run.RollbackFailed)

	assert.Equal(t, "v1", f.deployer.active[Staging])
	assert.Equal(t, "v1", f.deployer.active[Production])
	assert.NotContains(t, f.deployer.calls, "deploy:production")

	critical := f.notes.Messages(notify.ChannelCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0].Body, "rolled back")
	assert.Empty(t, f.stopper.reasons)
}

func TestVerifyFailureRollsBackBothEnvironments(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SetKnownGood(ctx, "production", "v0"))
	f.deployer.smokeFail[Production] = true

	run, err := f.p.Deploy(ctx, readyRun())
	require.Error(t, err)
	assert.Equal(t, OutcomeRolledBack, run.Outcome)
	assert.Equal(t, []Environment{Production, Staging}, run.RolledBack)
	assert.Equal(t, "v0", f.deployer.active[Production], "known-good wins over previous active")
	assert.Equal(t, "v1", f.deployer.active[Staging])
}

func TestRollbackFailureHardStops(t *testing.T) {
	f := newFixture(t, true)
	f.deployer.failAt = StageStagingDeploy
	f.deployer.rollErr = errors.New("rollback command exited 1")

	run, err := f.p.Deploy(context.Background(), readyRun())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.True(t, run.RollbackFailed)
	require.Len(t, f.stopper.reasons, 1)
	assert.Contains(t, f.stopper.reasons[0], run.Version)

	critical := f.notes.Messages(notify.ChannelCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0].Body, "rollback failed")
}

// A first deploy with no known-good version and no version command has
// nothing to restore, so the failure halts instead of claiming a rollback.
func TestMissingRollbackTargetHardStops(t *testing.T) {
	f := newFixture(t, true)
	f.deployer.verErr = ErrNoVersionCommand
	f.deployer.smokeFail[Staging] = true

	run, err := f.p.Deploy(context.Background(), readyRun())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Contains(t, err.Error(), ErrNoRollbackTarget.Error())
	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.True(t, run.RollbackFailed)
	assert.Empty(t, run.RolledBack)
	assert.NotContains(t, f.deployer.calls, "rollback:staging")
	require.Len(t, f.stopper.reasons, 1)

	critical := f.notes.Messages(notify.ChannelCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0].Body, "rollback failed")
}

func TestSetAutoDeployHoldsLaterRuns(t *testing.T) {
	f := newFixture(t, true)
	f.p.SetAutoDeploy(false)

	run, err := f.p.Deploy(context.Background(), readyRun())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingPromotion, run.Outcome)
	assert.NotContains(t, f.deployer.calls, "deploy:production")
}

func TestAwaitingPromotion(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	run, err := f.p.Deploy(ctx, readyRun())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingPromotion, run.Outcome)
	assert.False(t, run.Outcome.Terminal())
	assert.Equal(t, run.Version, f.deployer.active[Staging])
	assert.Equal(t, "v1", f.deployer.active[Production])

	pending, ok := f.p.Pending()
	require.True(t, ok)
	assert.Equal(t, run.ID, pending.ID)

	_, err = f.p.Deploy(ctx, readyRun())
	assert.ErrorIs(t, err, ErrPromotionPending)

	promoted, err := f.p.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, promoted.Outcome)
	assert.Equal(t, run.Version, f.deployer.active[Production])

	_, ok = f.p.Pending()
	assert.False(t, ok)
	_, err = f.p.Promote(ctx)
	assert.ErrorIs(t, err, ErrNothingToPromote)
}

func TestCommandDeployer(t *testing.T) {
	dir := t.TempDir()
	d := NewCommandDeployer(dir, nil, configFor(dir))
	ctx := context.Background()

	artifact, err := d.BuildArtifact(ctx)
	require.NoError(t, err)
	assert.Equal(t, "build/app", artifact)

	artifact, err = d.Package(ctx, artifact)
	require.NoError(t, err)
	assert.Equal(t, "build/app.tgz", artifact)

	require.NoError(t, d.Deploy(ctx, Staging, artifact, "v2"))
	v, err := d.ActiveVersion(ctx, Staging)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	ok, err := d.RunSmokeTests(ctx, Staging, "v2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.Rollback(ctx, Staging, "v1"))
	v, err = d.ActiveVersion(ctx, Staging)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	ok, err = d.RunSmokeTests(ctx, Staging, "v1")
	require.NoError(t, err)
	assert.False(t, ok, "smoke test rejects v1")
}

func TestExpandQuotes(t *testing.T) {
	got := expand("deploy {env} {version}", vars{env: Staging, version: "v1'; rm -rf /"})
	assert.Equal(t, `deploy 'staging' 'v1'"'"'; rm -rf /'`, got)
}
