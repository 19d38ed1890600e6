package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/tasks"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultWindowSize is the error window capacity used before the first
// Start configures one.
const DefaultWindowSize = 100

const (
	keyRun       = "run"
	keyInFlight  = "in_flight"
	keyKnownGood = "known_good:"
	timeLayout   = "2006-01-02T15:04:05.000000000Z07:00"
)

// formatTime renders t in UTC at fixed width so stored timestamps sort
// lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when deciding an approval that has
	// already left Pending.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrInvalidLevel is returned by Start for an unknown autonomy level.
	ErrInvalidLevel = errors.New("invalid autonomy level")
)

type runRecord struct {
	State      RunState      `json:"state"`
	Reason     PauseReason   `json:"reason,omitempty"`
	Level      AutonomyLevel `json:"level,omitempty"`
	RunID      string        `json:"run_id,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	NextRun    time.Time     `json:"next_run,omitempty"`
	WindowSize int           `json:"window_size"`
}

// Store persists loop state in SQLite and caches it in memory. All
// mutations hold the write lock for the duration of the database write.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu        sync.RWMutex
	run       runRecord
	window    *ErrorWindow
	approvals map[string]ApprovalRequest
	resolved  map[tasks.Identity]bool
	inFlight  *InFlight

	listenMu  sync.Mutex
	listeners []func(Transition)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and loads the cached state.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{
		db:        db,
		now:       time.Now,
		run:       runRecord{State: Inactive, WindowSize: DefaultWindowSize},
		approvals: make(map[string]ApprovalRequest),
		resolved:  make(map[tasks.Identity]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) load(ctx context.Context) error {
	if ok, err := s.getJSON(ctx, keyRun, &s.run); err != nil {
		return err
	} else if !ok {
		s.run = runRecord{State: Inactive, WindowSize: DefaultWindowSize}
	}
	if s.run.WindowSize < 1 {
		s.run.WindowSize = DefaultWindowSize
	}

	var inflight InFlight
	if ok, err := s.getJSON(ctx, keyInFlight, &inflight); err != nil {
		return err
	} else if ok {
		s.inFlight = &inflight
	}

	s.window = NewErrorWindow(s.run.WindowSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT success, at, source FROM (SELECT seq, success, at, source FROM outcomes ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`,
		s.run.WindowSize)
	if err != nil {
		return fmt.Errorf("query outcomes: %w", err)
	}
	for rows.Next() {
		var o Outcome
		var at string
		if err := rows.Scan(&o.Success, &at, &o.Source); err != nil {
			rows.Close()
			return fmt.Errorf("scan outcome: %w", err)
		}
		o.At, _ = time.Parse(timeLayout, at)
		s.window.Add(o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT body FROM approvals`)
	if err != nil {
		return fmt.Errorf("query approvals: %w", err)
	}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return fmt.Errorf("scan approval: %w", err)
		}
		var req ApprovalRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			rows.Close()
			return fmt.Errorf("decode approval: %w", err)
		}
		s.approvals[req.TaskID] = req
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT origin_goal, description FROM tasks WHERE status = ?`, string(tasks.StatusSucceeded))
	if err != nil {
		return fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id tasks.Identity
		if err := rows.Scan(&id.Goal, &id.Description); err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		s.resolved[id] = true
	}
	return rows.Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putJSON(ctx context.Context, db execer, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(raw))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Subscribe registers fn to run after every RunState transition. fn runs
// on the goroutine that made the change and must not block.
func (s *Store) Subscribe(fn func(Transition)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(t Transition) {
	s.listenMu.Lock()
	ls := append([]func(Transition){}, s.listeners...)
	s.listenMu.Unlock()
	for _, fn := range ls {
		fn(t)
	}
}

// Start activates a run at level. The error window is reset to
// windowSize; other history is kept.
func (s *Store) Start(ctx context.Context, level AutonomyLevel, windowSize int, actor string) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	return s.transition(ctx, EventStart, PauseNone, actor, func(r *runRecord) error {
		r.Level = level
		r.RunID = uuid.New().String()
		r.StartedAt = s.now()
		r.NextRun = time.Time{}
		if windowSize > 0 {
			r.WindowSize = windowSize
		}
		return nil
	})
}

// Pause moves an Active run to Paused with reason.
func (s *Store) Pause(ctx context.Context, reason PauseReason, actor string) error {
	if reason != PauseHumanOverride && reason != PauseCircuitBreaker {
		return fmt.Errorf("%w: pause reason %q", ErrIllegalTransition, reason)
	}
	return s.transition(ctx, EventPause, reason, actor, nil)
}

// Resume reactivates a Paused run. Resuming from a circuit-breaker pause
// clears the error window, since the breaker would otherwise re-trip on
// the next outcome.
func (s *Store) Resume(ctx context.Context, actor string) error {
	return s.transition(ctx, EventResume, PauseNone, actor, nil)
}

// Stop ends the run. Stopped is left only by a new Start.
func (s *Store) Stop(ctx context.Context, actor string) error {
	return s.transition(ctx, EventStop, PauseNone, actor, func(r *runRecord) error {
		r.NextRun = time.Time{}
		return nil
	})
}

func (s *Store) transition(ctx context.Context, ev Event, reason PauseReason, actor string, mutate func(*runRecord) error) error {
	s.mu.Lock()
	from := s.run.State
	to, err := Next(from, ev)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	next := s.run
	next.State = to
	next.Reason = reason
	if mutate != nil {
		if err := mutate(&next); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	resetWindow := ev == EventStart || (ev == EventResume && s.run.Reason == PauseCircuitBreaker)

	t := Transition{At: s.now(), From: from, To: to, Reason: reason, Actor: actor}
	if err := s.commitTransition(ctx, next, t, resetWindow); err != nil {
		s.mu.Unlock()
		return err
	}
	s.run = next
	if resetWindow {
		s.window.Reset(next.WindowSize)
	}
	s.mu.Unlock()

	s.notify(t)
	return nil
}

func (s *Store) commitTransition(ctx context.Context, next runRecord, t Transition, resetWindow bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := putJSON(ctx, tx, keyRun, next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (at, from_state, to_state, reason, actor) VALUES (?, ?, ?, ?, ?)`,
		formatTime(t.At), string(t.From), string(t.To), string(t.Reason), t.Actor); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	if resetWindow {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes`); err != nil {
			return fmt.Errorf("reset outcomes: %w", err)
		}
	}
	return tx.Commit()
}

// RunState returns the current state and pause reason.
func (s *Store) RunState() (RunState, PauseReason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.State, s.run.Reason
}

// Level returns the autonomy level captured by the last Start.
func (s *Store) Level() AutonomyLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.Level
}

// TouchLastRun advances the last-run timestamp to at. A timestamp not
// after the stored one is bumped to one nanosecond later, so the value
// strictly increases with every call.
func (s *Store) TouchLastRun(ctx context.Context, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.run
	if !at.After(next.LastRun) {
		at = next.LastRun.Add(time.Nanosecond)
	}
	next.LastRun = at
	if err := putJSON(ctx, s.db, keyRun, next); err != nil {
		return time.Time{}, err
	}
	s.run = next
	return at, nil
}

// SetNextRun records when the loop will next tick.
func (s *Store) SetNextRun(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.run
	next.NextRun = at
	if err := putJSON(ctx, s.db, keyRun, next); err != nil {
		return err
	}
	s.run = next
	return nil
}

// RecordOutcome appends o to the error window and returns the new stats.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) (WindowStats, error) {
	if o.At.IsZero() {
		o.At = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WindowStats{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `INSERT INTO outcomes (success, at, source) VALUES (?, ?, ?)`,
		o.Success, formatTime(o.At), o.Source)
	if err != nil {
		return WindowStats{}, fmt.Errorf("record outcome: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return WindowStats{}, fmt.Errorf("outcome seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE seq <= ?`, seq-int64(s.run.WindowSize)); err != nil {
		return WindowStats{}, fmt.Errorf("trim outcomes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return WindowStats{}, fmt.Errorf("commit outcome: %w", err)
	}

	s.window.Add(o)
	return s.window.Stats(), nil
}

// WindowStats returns the error window summary.
func (s *Store) WindowStats() WindowStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.Stats()
}

// Outcomes returns the error window contents oldest first.
func (s *Store) Outcomes() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.Outcomes()
}

// SetInFlight records that a pipeline is about to mutate the working copy.
func (s *Store) SetInFlight(ctx context.Context, f InFlight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := putJSON(ctx, s.db, keyInFlight, f); err != nil {
		return err
	}
	s.inFlight = &f
	return nil
}

// ClearInFlight removes the in-flight marker.
func (s *Store) ClearInFlight(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, keyInFlight); err != nil {
		return fmt.Errorf("clear in-flight: %w", err)
	}
	s.inFlight = nil
	return nil
}

// InFlight returns the in-flight marker, if any.
func (s *Store) InFlight() (InFlight, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inFlight == nil {
		return InFlight{}, false
	}
	return *s.inFlight, true
}

// SetKnownGood records version as the last good deployment to env.
func (s *Store) SetKnownGood(ctx context.Context, env, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.db, keyKnownGood+env, version)
}

// KnownGood returns the last good version deployed to env.
func (s *Store) KnownGood(ctx context.Context, env string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v string
	ok, err := s.getJSON(ctx, keyKnownGood+env, &v)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("known-good version for %s: %w", env, ErrNotFound)
	}
	return v, nil
}

// Snapshot returns a consistent copy of the state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		RunState:    s.run.State,
		PauseReason: s.run.Reason,
		Level:       s.run.Level,
		RunID:       s.run.RunID,
		StartedAt:   s.run.StartedAt,
		LastRun:     s.run.LastRun,
		NextRun:     s.run.NextRun,
		Window:      s.window.Stats(),
	}
	for _, req := range s.approvals {
		if req.Decision == DecisionPending {
			snap.PendingApprovals++
		}
	}
	if s.inFlight != nil {
		f := *s.inFlight
		snap.InFlight = &f
	}
	return snap
}

// Transitions returns the most recent RunState transitions, newest first.
func (s *Store) Transitions(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, from_state, to_state, reason, actor FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at, from, to, reason string
		if err := rows.Scan(&at, &from, &to, &reason, &t.Actor); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At, _ = time.Parse(timeLayout, at)
		t.From, t.To, t.Reason = RunState(from), RunState(to), PauseReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}
