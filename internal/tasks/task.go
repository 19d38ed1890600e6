// Package tasks models units of autonomous work and generates them from
// project goals and codebase signals.
package tasks

import (
	"errors"
	"fmt"
	"time"
)

// Status is a task's lifecycle position.
type Status string

const (
	StatusGenerated       Status = "generated"
	StatusApprovalPending Status = "approval_pending"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusExecuting       Status = "executing"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRejected
}

var transitions = map[Status][]Status{
	StatusGenerated:       {StatusApprovalPending, StatusExecuting},
	StatusApprovalPending: {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusSucceeded, StatusFailed},
}

// ErrInvalidTransition is returned by Transition for moves outside the
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid task transition")

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Kind is where a task came from; it also fixes its priority.
type Kind string

const (
	KindFixBuild Kind = "fix_build"
	KindMarkers  Kind = "marker_backlog"
	KindGoal     Kind = "goal"
)

// Priority orders kinds; lower runs first.
func (k Kind) Priority() int {
	switch k {
	case KindFixBuild:
		return 0
	case KindMarkers:
		return 1
	default:
		return 2
	}
}

// Flags are the risk-relevant properties of a change.
type Flags struct {
	TouchesDatabase   bool `json:"touches_database" yaml:"touches_database"`
	CallsExternalAPI  bool `json:"calls_external_api" yaml:"calls_external_api"`
	SecuritySensitive bool `json:"security_sensitive" yaml:"security_sensitive"`
}

// Any reports whether any flag is set.
func (f Flags) Any() bool {
	return f.TouchesDatabase || f.CallsExternalAPI || f.SecuritySensitive
}

// Decision is the risk gate's verdict, stamped once per task.
type Decision string

const (
	DecisionNone            Decision = ""
	DecisionAutoExecute     Decision = "auto_execute"
	DecisionRequireApproval Decision = "require_approval"
)

// Task is a single candidate unit of work. Tasks are passed by value
// between components; each component owns the status moves of its stage.
type Task struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	Description         string    `json:"description"`
	OriginGoal          string    `json:"origin_goal"`
	EstimatedChangeSize int       `json:"estimated_change_size"`
	Flags               Flags     `json:"flags"`
	Status              Status    `json:"status"`
	Decision            Decision  `json:"decision,omitempty"`
	RiskReasons         []string  `json:"risk_reasons,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Identity is the dedup key: two tasks with equal identity describe the
// same piece of work.
type Identity struct {
	Goal        string
	Description string
}

// Identity returns the task's dedup key.
func (t Task) Identity() Identity {
	return Identity{Goal: t.OriginGoal, Description: t.Description}
}

// Transition returns a copy of t moved to status with reason recorded.
func (t Task) Transition(to Status, reason string, at time.Time) (Task, error) {
	if !CanTransition(t.Status, to) {
		return t, fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, to, t.ID)
	}
	t.Status = to
	t.Reason = reason
	t.UpdatedAt = at
	return t, nil
}
