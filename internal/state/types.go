// Package state is the durable single source of truth for the control
// loop: run state, the error window, pending approvals and the loop's
// bookkeeping. A Store serializes writers and allows concurrent readers.
package state

import (
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// RunState is the control loop's top-level mode.
type RunState string

const (
	Inactive RunState = "inactive"
	Active   RunState = "active"
	Paused   RunState = "paused"
	Stopped  RunState = "stopped"
)

// PauseReason says why the loop is Paused.
type PauseReason string

const (
	PauseNone           PauseReason = ""
	PauseHumanOverride  PauseReason = "human_override"
	PauseCircuitBreaker PauseReason = "circuit_breaker"
)

// AutonomyLevel is captured at Start and fixed for the run.
type AutonomyLevel string

const (
	LevelRoutine       AutonomyLevel = "routine"
	LevelEscalation    AutonomyLevel = "escalation"
	LevelHumanApproval AutonomyLevel = "human_approval"
)

// Valid reports whether l is a known level.
func (l AutonomyLevel) Valid() bool {
	switch l {
	case LevelRoutine, LevelEscalation, LevelHumanApproval:
		return true
	}
	return false
}

// Decision is an approval request's resolution.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed_out"
)

// ApprovalRequest gates one task on a human decision.
type ApprovalRequest struct {
	TaskID    string        `json:"task_id"`
	RiskLevel AutonomyLevel `json:"risk_level"`
	Reasons   []string      `json:"reasons,omitempty"`
	Task      tasks.Task    `json:"task"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Decision  Decision      `json:"decision"`
	DecidedAt time.Time     `json:"decided_at,omitempty"`
	DecidedBy string        `json:"decided_by,omitempty"`
	// Consumed marks an approved request whose task was handed to the
	// pipeline.
	Consumed bool `json:"consumed,omitempty"`
}

// Resolved reports whether the request left Pending.
func (r ApprovalRequest) Resolved() bool {
	return r.Decision != DecisionPending
}

// Transition is one recorded RunState change.
type Transition struct {
	At     time.Time   `json:"at"`
	From   RunState    `json:"from"`
	To     RunState    `json:"to"`
	Reason PauseReason `json:"reason,omitempty"`
	Actor  string      `json:"actor"`
}

// InFlight marks a working copy that a pipeline is mutating. If the
// process dies, the marker tells the next start what to discard.
type InFlight struct {
	TaskID         string `json:"task_id"`
	Branch         string `json:"branch"`
	OriginalBranch string `json:"original_branch"`
	OriginalHead   string `json:"original_head"`
	// OriginalIgnored is the snapshot's ignored path set; nil when the
	// marker predates it.
	OriginalIgnored []string  `json:"original_ignored"`
	StartedAt       time.Time `json:"started_at"`
}

// Report is a stored cycle report.
type Report struct {
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
	Body []byte    `json:"body"`
}

// Snapshot is a read-only copy of the state for status surfaces.
type Snapshot struct {
	RunState         RunState      `json:"run_state"`
	PauseReason      PauseReason   `json:"pause_reason,omitempty"`
	Level            AutonomyLevel `json:"autonomy_level,omitempty"`
	RunID            string        `json:"run_id,omitempty"`
	StartedAt        time.Time     `json:"started_at,omitempty"`
	LastRun          time.Time     `json:"last_run,omitempty"`
	NextRun          time.Time     `json:"next_run,omitempty"`
	PendingApprovals int           `json:"pending_approvals"`
	Window           WindowStats   `json:"error_window"`
	InFlight         *InFlight     `json:"in_flight,omitempty"`
}
