// Package approval gates risky tasks on a human decision with a
// deadline. A request that is not decided in time is never approved.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/risk"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// ReasonTimedOut is recorded on tasks whose request expired.
const ReasonTimedOut = "approval timed out"

// TimeoutOutcome is the task status applied when a request expires.
type TimeoutOutcome string

const (
	TimeoutRejected TimeoutOutcome = "rejected"
	TimeoutFailed   TimeoutOutcome = "failed"
)

var (
	// ErrAlreadyResolved is returned for decisions on a request that was
	// already decided or expired. The decision is ignored.
	ErrAlreadyResolved = state.ErrAlreadyResolved
	// ErrNotFound is returned for an unknown task id.
	ErrNotFound = state.ErrNotFound
	// ErrNotGated is returned by Submit for a task the risk gate let
	// through.
	ErrNotGated = errors.New("task does not require approval")
)

// Store is the subset of state.Store used by the workflow.
type Store interface {
	PutApproval(ctx context.Context, req state.ApprovalRequest) error
	ResolveApproval(ctx context.Context, taskID string, d state.Decision, actor string, at time.Time, move func(tasks.Task) (tasks.Task, error)) (state.ApprovalRequest, error)
	ConsumeApproved(ctx context.Context) ([]state.ApprovalRequest, error)
	Approval(taskID string) (state.ApprovalRequest, bool)
	Approvals(d state.Decision) []state.ApprovalRequest
	SaveTask(ctx context.Context, t tasks.Task) error
}

// Config tunes the workflow.
type Config struct {
	Timeout        time.Duration
	TimeoutOutcome TimeoutOutcome
}

// Workflow creates and resolves approval requests.
type Workflow struct {
	store    Store
	cfgMu    sync.RWMutex
	cfg      Config
	notifier notify.Notifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New returns a workflow. Pending requests already in store keep their
// original deadlines.
func New(store Store, cfg Config, n notify.Notifier, logger *logging.Logger, opts ...Option) *Workflow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.TimeoutOutcome == "" {
		cfg.TimeoutOutcome = TimeoutRejected
	}
	if logger == nil {
		logger = logging.Nop()
	}
	w := &Workflow{
		store:    store,
		cfg:      cfg,
		notifier: n,
		logger:   logger.Named("approval"),
		metrics:  metrics.Get(),
		now:      time.Now,
		waiters:  make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics.PendingApprovals.Set(float64(len(store.Approvals(state.DecisionPending))))
	return w
}

// Submit opens a request for a gated task and moves it to
// ApprovalPending.
func (w *Workflow) Submit(ctx context.Context, t tasks.Task, a risk.Assessment) (state.ApprovalRequest, error) {
	if !a.RequiresApproval() {
		return state.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotGated, t.ID)
	}
	now := w.now()
	pending, err := t.Transition(tasks.StatusApprovalPending, "awaiting approval", now)
	if err != nil {
		return state.ApprovalRequest{}, err
	}

	req := state.ApprovalRequest{
		TaskID:    t.ID,
		RiskLevel: a.Level,
		Reasons:   a.Reasons,
		Task:      pending,
		CreatedAt: now,
		ExpiresAt: now.Add(w.config().Timeout),
		Decision:  state.DecisionPending,
	}
	if err := w.store.PutApproval(ctx, req); err != nil {
		return state.ApprovalRequest{}, err
	}
	if err := w.store.SaveTask(ctx, pending); err != nil {
		return state.ApprovalRequest{}, err
	}
	w.metrics.PendingApprovals.Inc()

	ctx = logging.WithTaskID(ctx, t.ID)
	w.logger.Info(ctx, "approval requested",
		zap.Strings("reasons", a.Reasons),
		zap.Time("expires_at", req.ExpiresAt))
	if w.notifier != nil {
		_ = w.notifier.Notify(ctx, notify.ChannelApprovals, requestMessage(req))
	}
	return req, nil
}

func requestMessage(req state.ApprovalRequest) string {
	reasons := "none"
	if len(req.Reasons) > 0 {
		reasons = strings.Join(req.Reasons, ", ")
	}
	return fmt.Sprintf("approval required for task %s (%s): %s; reasons: %s; expires %s",
		req.TaskID, req.RiskLevel, req.Task.Description, reasons, req.ExpiresAt.UTC().Format(time.RFC3339))
}

// Decide resolves a pending request. A decision that arrives after the
// deadline or after a prior decision is ignored and returns
// ErrAlreadyResolved together with the request as it stands.
func (w *Workflow) Decide(ctx context.Context, taskID string, approve bool, actor string) (state.ApprovalRequest, error) {
	ctx = logging.WithTaskID(ctx, taskID)
	now := w.now()

	req, ok := w.store.Approval(taskID)
	if !ok {
		return state.ApprovalRequest{}, fmt.Errorf("approval %s: %w", taskID, ErrNotFound)
	}
	if !req.Resolved() && !now.Before(req.ExpiresAt) {
		if _, err := w.expire(ctx, req, now); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return state.ApprovalRequest{}, err
		}
	}

	decision := state.DecisionRejected
	if approve {
		decision = state.DecisionApproved
	}
	resolved, err := w.resolve(ctx, taskID, decision, actor, now)
	if errors.Is(err, ErrAlreadyResolved) {
		w.logger.Warn(ctx, "late approval decision ignored",
			zap.String("decision", string(decision)),
			zap.String("existing", string(resolved.Decision)),
			zap.String("actor", actor))
	}
	return resolved, err
}

// Expire resolves every pending request whose deadline is at or before
// now with the timeout outcome. It returns the expired requests.
func (w *Workflow) Expire(ctx context.Context, now time.Time) ([]state.ApprovalRequest, error) {
	var out []state.ApprovalRequest
	for _, req := range w.store.Approvals(state.DecisionPending) {
		if now.Before(req.ExpiresAt) {
			continue
		}
		expired, err := w.expire(logging.WithTaskID(ctx, req.TaskID), req, now)
		if errors.Is(err, ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, expired)
	}
	return out, nil
}

func (w *Workflow) expire(ctx context.Context, req state.ApprovalRequest, now time.Time) (state.ApprovalRequest, error) {
	expired, err := w.resolve(ctx, req.TaskID, state.DecisionTimedOut, "timeout", now)
	if err != nil {
		return expired, err
	}
	w.logger.Info(ctx, "approval timed out",
		zap.String("outcome", string(w.config().TimeoutOutcome)))
	return expired, nil
}

// resolve records the decision together with the moved task, then wakes
// waiters.
func (w *Workflow) resolve(ctx context.Context, taskID string, d state.Decision, actor string, at time.Time) (state.ApprovalRequest, error) {
	var to tasks.Status
	var reason string
	switch d {
	case state.DecisionApproved:
		to, reason = tasks.StatusApproved, "approved by "+actor
	case state.DecisionRejected:
		to, reason = tasks.StatusRejected, "rejected by "+actor
	default:
		to, reason = tasks.StatusRejected, ReasonTimedOut
		if w.config().TimeoutOutcome == TimeoutFailed {
			to = tasks.StatusFailed
		}
	}
	req, err := w.store.ResolveApproval(ctx, taskID, d, actor, at, func(t tasks.Task) (tasks.Task, error) {
		return t.Transition(to, reason, at)
	})
	if err != nil {
		return req, err
	}
	if err := w.store.SaveTask(ctx, req.Task); err != nil {
		return req, err
	}

	w.metrics.ApprovalsTotal.WithLabelValues(string(d)).Inc()
	w.metrics.PendingApprovals.Dec()
	if d != state.DecisionTimedOut {
		w.logger.Info(ctx, "approval decided",
			zap.String("decision", string(d)),
			zap.String("actor", actor))
	}
	w.wake(taskID)
	return req, nil
}

// SetConfig replaces the timeout settings. Requests already pending keep
// the deadline they were created with.
func (w *Workflow) SetConfig(cfg Config) {
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()
}

func (w *Workflow) config() Config {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// TakeApproved returns approved tasks not yet handed out. Each task is
// returned once.
func (w *Workflow) TakeApproved(ctx context.Context) ([]tasks.Task, error) {
	reqs, err := w.store.ConsumeApproved(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Task, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Task)
	}
	return out, nil
}

// Pending returns the open requests, oldest first.
func (w *Workflow) Pending() []state.ApprovalRequest {
	return w.store.Approvals(state.DecisionPending)
}

// Await blocks until the request for taskID is resolved, expiring it
// when its deadline passes.
func (w *Workflow) Await(ctx context.Context, taskID string) (state.ApprovalRequest, error) {
	for {
		req, ok := w.store.Approval(taskID)
		if !ok {
			return state.ApprovalRequest{}, fmt.Errorf("approval %s: %w", taskID, ErrNotFound)
		}
		if req.Resolved() {
			return req, nil
		}

		ch := w.subscribe(taskID)
		// Re-check: a decision may have landed before subscribe.
		if cur, _ := w.store.Approval(taskID); cur.Resolved() {
			w.unsubscribe(taskID, ch)
			return cur, nil
		}

		timer := time.NewTimer(req.ExpiresAt.Sub(w.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.unsubscribe(taskID, ch)
			return req, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
			w.unsubscribe(taskID, ch)
			if _, err := w.expire(logging.WithTaskID(ctx, taskID), req, w.now()); err != nil && !errors.Is(err, ErrAlreadyResolved) {
				return req, err
			}
		}
	}
}

func (w *Workflow) subscribe(taskID string) chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	w.waiters[taskID] = append(w.waiters[taskID], ch)
	w.mu.Unlock()
	return ch
}

func (w *Workflow) unsubscribe(taskID string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.waiters[taskID]
	for i, c := range list {
		if c == ch {
			w.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.waiters[taskID]) == 0 {
		delete(w.waiters, taskID)
	}
}

func (w *Workflow) wake(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.waiters[taskID] {
		close(ch)
	}
	delete(w.waiters, taskID)
}

// ConfigFrom maps the autonomy section to a workflow Config.
func ConfigFrom(cfg config.AutonomyConfig) Config {
	return Config{
		Timeout:        cfg.ApprovalTimeout.Duration(),
		TimeoutOutcome: TimeoutOutcome(cfg.ApprovalTimeoutOutcome),
	}
}
