// Package risk decides whether a task may run unattended.
package risk

import (
	"fmt"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// Thresholds are the configured escalation triggers. A zero
// MaxChangeSize disables the size check.
type Thresholds struct {
	MaxChangeSize         int
	GateDatabase          bool
	GateExternalAPI       bool
	GateSecuritySensitive bool
}

// FromConfig maps the risk section to Thresholds.
func FromConfig(cfg config.RiskConfig) Thresholds {
	return Thresholds{
		MaxChangeSize:         cfg.MaxChangeSize,
		GateDatabase:          cfg.GateDatabase,
		GateExternalAPI:       cfg.GateExternalAPI,
		GateSecuritySensitive: cfg.GateSecuritySensitive,
	}
}

// Assessment is the classification of one task.
type Assessment struct {
	Decision tasks.Decision      `json:"decision"`
	Level    state.AutonomyLevel `json:"level"`
	// Reasons lists the risk indicators that were present, whether or
	// not the level acted on them.
	Reasons []string `json:"reasons,omitempty"`
}

// RequiresApproval reports whether the task must wait for a human.
func (a Assessment) RequiresApproval() bool {
	return a.Decision == tasks.DecisionRequireApproval
}

// Indicators returns the risk indicators present on t under th.
func Indicators(t tasks.Task, th Thresholds) []string {
	var out []string
	if th.MaxChangeSize > 0 && t.EstimatedChangeSize > th.MaxChangeSize {
		out = append(out, fmt.Sprintf("estimated change size %d exceeds max %d", t.EstimatedChangeSize, th.MaxChangeSize))
	}
	if th.GateDatabase && t.Flags.TouchesDatabase {
		out = append(out, "touches database")
	}
	if th.GateExternalAPI && t.Flags.CallsExternalAPI {
		out = append(out, "calls external api")
	}
	if th.GateSecuritySensitive && t.Flags.SecuritySensitive {
		out = append(out, "security sensitive")
	}
	return out
}

// Classify applies the decision table. It depends only on its inputs.
//
//	routine        -> auto
//	escalation     -> auto without indicators, approval with any
//	human_approval -> approval
//
// An unknown level is treated as human_approval.
func Classify(level state.AutonomyLevel, t tasks.Task, th Thresholds) Assessment {
	reasons := Indicators(t, th)
	a := Assessment{Level: level, Reasons: reasons, Decision: tasks.DecisionRequireApproval}
	switch level {
	case state.LevelRoutine:
		a.Decision = tasks.DecisionAutoExecute
	case state.LevelEscalation:
		if len(reasons) == 0 {
			a.Decision = tasks.DecisionAutoExecute
		}
	}
	return a
}

// Gate stamps a classification on each task once.
type Gate struct {
	level      state.AutonomyLevel
	thresholds Thresholds
}

// NewGate returns a gate for one run's autonomy level.
func NewGate(level state.AutonomyLevel, th Thresholds) *Gate {
	return &Gate{level: level, thresholds: th}
}

// Assess classifies t and returns it with the decision recorded. A task
// that already carries a decision is returned unchanged with that
// decision, so re-assessment never alters a classification.
func (g *Gate) Assess(t tasks.Task) (tasks.Task, Assessment) {
	if t.Decision != tasks.DecisionNone {
		return t, Assessment{Decision: t.Decision, Level: g.level, Reasons: t.RiskReasons}
	}
	a := Classify(g.level, t, g.thresholds)
	t.Decision = a.Decision
	t.RiskReasons = a.Reasons
	return t, a
}
