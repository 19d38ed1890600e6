package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/autopilot/internal/approval"
	"github.com/fyrsmithlabs/autopilot/internal/breaker"
	"github.com/fyrsmithlabs/autopilot/internal/codebase"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/control"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	httpserver "github.com/fyrsmithlabs/autopilot/internal/http"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/loop"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/pipeline"
	"github.com/fyrsmithlabs/autopilot/internal/review"
	"github.com/fyrsmithlabs/autopilot/internal/schedule"
	"github.com/fyrsmithlabs/autopilot/internal/secrets"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
)

// daemon holds the wired components.
type daemon struct {
	store   *state.Store
	loop    *loop.Loop
	control *control.Service
	server  *httpserver.Server
	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// wire builds every collaborator from cfg. Failures here are fatal;
// incomplete but parseable configuration is not.
func wire(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (_ *daemon, err error) {
	d := &daemon{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	storePath := cfg.Store.Path
	if storePath != ":memory:" {
		storePath = config.ExpandHome(storePath)
		if err := config.EnsureDir(storePath); err != nil {
			return nil, err
		}
	}
	d.store, err = state.Open(ctx, storePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	d.closers = append(d.closers, d.store.Close)

	scrubber, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("building secret scrubber: %w", err)
	}

	notifier, closeNotify, err := notify.FromConfig(cfg.Notify, scrubber, logger)
	if err != nil {
		return nil, fmt.Errorf("building notifier: %w", err)
	}
	d.closers = append(d.closers, closeNotify)

	window, err := schedule.FromConfig(cfg.WorkingHours)
	if err != nil {
		return nil, fmt.Errorf("working hours: %w", err)
	}

	repoDir := config.ExpandHome(cfg.Repository.Path)
	var vcsOpts []vcs.Option
	if cfg.Repository.Remote != "" {
		vcsOpts = append(vcsOpts, vcs.WithRemote(cfg.Repository.Remote))
	}
	repo, err := vcs.Open(repoDir, cfg.Repository.MainBranch, vcsOpts...)
	if err != nil {
		return nil, err
	}

	runner := &codebase.ExecRunner{}
	cb := codebase.New(repoDir, runner, cfg.Verification, cfg.Repository, logger)
	applier := codebase.NewCommandApplier(repoDir, runner, cfg.Change)

	reviewer, err := review.FromConfig(ctx, cfg.Review, repo, notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("building reviewer: %w", err)
	}

	br := breaker.New(d.store, cfg.Breaker.FailureRatio, notifier, logger)
	approvals := approval.New(d.store, approval.ConfigFrom(cfg.Autonomy), notifier, logger)
	executor := pipeline.NewExecutor(repo, cb, applier, reviewer, d.store, logger)

	deps := loop.Deps{
		Store:     d.store,
		Schedule:  window,
		Signaler:  cb,
		Approvals: approvals,
		Breaker:   br,
		Executor:  executor,
		VCS:       repo,
		Notifier:  notifier,
		Scrubber:  scrubber,
	}
	if cfg.Goals.File != "" {
		deps.Goals = loop.FileGoals(config.ExpandHome(cfg.Goals.File))
	}

	// Run policy follows the config applied by each Start. Commands,
	// paths, the cycle period and the outer surfaces need a restart.
	appliers := []control.Option{
		control.WithApplier(func(c *config.Config) { br.SetThreshold(c.Breaker.FailureRatio) }),
		control.WithApplier(func(c *config.Config) { approvals.SetConfig(approval.ConfigFrom(c.Autonomy)) }),
		control.WithApplier(func(c *config.Config) { d.loop.SetPolicy(loop.ConfigFrom(c)) }),
	}

	var promotions control.Promotions
	if cfg.Deploy.Enabled {
		deployer := deploy.NewCommandDeployer(repoDir, runner, cfg.Deploy)
		p := deploy.New(deployer, d.store, br, notifier, cfg.Autonomy.AutoDeploy, logger, deploy.WithTagger(repo))
		deps.Deployer = p
		promotions = p
		appliers = append(appliers, control.WithApplier(func(c *config.Config) { p.SetAutoDeploy(c.Autonomy.AutoDeploy) }))
	}

	d.loop = loop.New(loop.ConfigFrom(cfg), deps, logger)
	d.control = control.New(d.store, approvals, d.loop, promotions, cfg, logger, appliers...)

	d.server, err = httpserver.NewServer(d.control, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, httpserver.WithTelemetry(tel))
	if err != nil {
		return nil, err
	}
	return d, nil
}
