// Package control is the operator surface over the running loop: run
// state transitions, approvals, reports, promotion and status. The HTTP
// API and the CLI are thin clients of a Service.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/loop"
	"github.com/fyrsmithlabs/autopilot/internal/state"
)

// Store is the slice of the state store the service uses.
type Store interface {
	Start(ctx context.Context, level state.AutonomyLevel, windowSize int, actor string) error
	Pause(ctx context.Context, reason state.PauseReason, actor string) error
	Resume(ctx context.Context, actor string) error
	Stop(ctx context.Context, actor string) error
	Snapshot() state.Snapshot
	Reports(ctx context.Context, limit int) ([]state.Report, error)
	Transitions(ctx context.Context, limit int) ([]state.Transition, error)
}

// Approvals is the approval workflow.
type Approvals interface {
	Pending() []state.ApprovalRequest
	Decide(ctx context.Context, taskID string, approve bool, actor string) (state.ApprovalRequest, error)
}

// Cycler is the control loop.
type Cycler interface {
	RunOnce(ctx context.Context) (loop.CycleReport, error)
	Promote(ctx context.Context) (deploy.Run, error)
}

// Promotions reports a deployment waiting for promotion.
type Promotions interface {
	Pending() (deploy.Run, bool)
}

// Status is the status surface payload.
type Status struct {
	RunState         state.RunState      `json:"run_state"`
	PauseReason      state.PauseReason   `json:"pause_reason,omitempty"`
	Level            state.AutonomyLevel `json:"autonomy_level,omitempty"`
	RunID            string              `json:"run_id,omitempty"`
	StartedAt        time.Time           `json:"started_at,omitempty"`
	LastRun          time.Time           `json:"last_run,omitempty"`
	NextRun          time.Time           `json:"next_run,omitempty"`
	PendingApprovals int                 `json:"pending_approvals"`
	ErrorRatio       float64             `json:"error_ratio"`
	FailureThreshold float64             `json:"failure_threshold"`
	ErrorWindow      state.WindowStats   `json:"error_window"`
	BreakerTripped   bool                `json:"breaker_tripped"`
	InFlight         *state.InFlight     `json:"in_flight,omitempty"`
	AwaitingPromote  *deploy.Run         `json:"awaiting_promotion,omitempty"`
	LastReport       json.RawMessage     `json:"last_report,omitempty"`
	ReloadPending    bool                `json:"config_reload_pending"`
}

// Service implements the operator actions.
type Service struct {
	store      Store
	approvals  Approvals
	cycler     Cycler
	promotions Promotions
	logger     *logging.Logger

	appliers []func(*config.Config)

	mu      sync.Mutex
	current *config.Config
	staged  *config.Config
}

// Option configures a Service.
type Option func(*Service)

// WithApplier registers fn to push the config's run policy into a
// collaborator. Every Start calls it before the run becomes Active.
func WithApplier(fn func(*config.Config)) Option {
	return func(s *Service) { s.appliers = append(s.appliers, fn) }
}

// New returns a service acting on the running loop. promotions may be
// nil when deployment is disabled.
func New(store Store, approvals Approvals, cycler Cycler, promotions Promotions, cfg *config.Config, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		store:      store,
		approvals:  approvals,
		cycler:     cycler,
		promotions: promotions,
		current:    cfg,
		logger:     logger.Named("control"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stage holds a reloaded config until the next Start. A running loop
// keeps its policy until then.
func (s *Service) Stage(cfg *config.Config) {
	s.mu.Lock()
	s.staged = cfg
	s.mu.Unlock()
	s.logger.Info(context.Background(), "configuration change staged for next start")
}

// Config returns the config the next Start will use.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged != nil {
		return s.staged
	}
	return s.current
}

// Start validates the config and starts a run at its autonomy level. An
// invalid config returns the *config.ValidationError.
func (s *Service) Start(ctx context.Context, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.current
	if s.staged != nil {
		cfg = s.staged
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := state.Next(s.store.Snapshot().RunState, state.EventStart); err != nil {
		return err
	}
	for _, apply := range s.appliers {
		apply(cfg)
	}
	level := state.AutonomyLevel(cfg.Autonomy.Level)
	if err := s.store.Start(ctx, level, cfg.Breaker.WindowSize, actor); err != nil {
		return err
	}
	if s.staged != nil {
		s.current, s.staged = s.staged, nil
	}
	s.logger.Info(ctx, "run started", zap.String("actor", actor), zap.String("level", string(level)))
	return nil
}

// Pause suspends a run on operator request.
func (s *Service) Pause(ctx context.Context, actor string) error {
	if err := s.store.Pause(ctx, state.PauseHumanOverride, actor); err != nil {
		return err
	}
	s.logger.Info(ctx, "run paused", zap.String("actor", actor))
	return nil
}

// Resume continues a paused run. Resuming a circuit-breaker pause clears
// the error window.
func (s *Service) Resume(ctx context.Context, actor string) error {
	if err := s.store.Resume(ctx, actor); err != nil {
		return err
	}
	s.logger.Info(ctx, "run resumed", zap.String("actor", actor))
	return nil
}

// Stop ends the run.
func (s *Service) Stop(ctx context.Context, actor string) error {
	if err := s.store.Stop(ctx, actor); err != nil {
		return err
	}
	s.logger.Info(ctx, "run stopped", zap.String("actor", actor))
	return nil
}

// Status assembles the status payload.
func (s *Service) Status(ctx context.Context) (Status, error) {
	snap := s.store.Snapshot()
	st := Status{
		RunState:         snap.RunState,
		PauseReason:      snap.PauseReason,
		Level:            snap.Level,
		RunID:            snap.RunID,
		StartedAt:        snap.StartedAt,
		LastRun:          snap.LastRun,
		NextRun:          snap.NextRun,
		PendingApprovals: snap.PendingApprovals,
		ErrorRatio:       snap.Window.Ratio,
		ErrorWindow:      snap.Window,
		BreakerTripped:   snap.RunState == state.Paused && snap.PauseReason == state.PauseCircuitBreaker,
		InFlight:         snap.InFlight,
	}

	s.mu.Lock()
	st.ReloadPending = s.staged != nil
	if s.current != nil {
		st.FailureThreshold = s.current.Breaker.FailureRatio
	}
	s.mu.Unlock()

	if s.promotions != nil {
		if run, ok := s.promotions.Pending(); ok {
			st.AwaitingPromote = &run
		}
	}

	reports, err := s.store.Reports(ctx, 1)
	if err != nil {
		return st, err
	}
	if len(reports) > 0 {
		st.LastReport = reports[0].Body
	}
	return st, nil
}

// Approvals lists the pending requests, oldest first.
func (s *Service) Approvals() []state.ApprovalRequest {
	return s.approvals.Pending()
}

// Decide approves or rejects a pending request. Decisions on resolved
// requests return approval.ErrAlreadyResolved and change nothing.
func (s *Service) Decide(ctx context.Context, taskID string, approve bool, actor string) (state.ApprovalRequest, error) {
	return s.approvals.Decide(ctx, taskID, approve, actor)
}

// Reports returns the most recent cycle reports, newest first.
func (s *Service) Reports(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	reports, err := s.store.Reports(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(reports))
	for i, r := range reports {
		out[i] = r.Body
	}
	return out, nil
}

// Transitions returns recent run state changes, newest first.
func (s *Service) Transitions(ctx context.Context, limit int) ([]state.Transition, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.Transitions(ctx, limit)
}

// Promote releases the deployment awaiting promotion.
func (s *Service) Promote(ctx context.Context) (deploy.Run, error) {
	return s.cycler.Promote(ctx)
}

// RunCycle triggers one cycle now. It honors the same gates as a
// scheduled tick.
func (s *Service) RunCycle(ctx context.Context) (loop.CycleReport, error) {
	return s.cycler.RunOnce(ctx)
}
