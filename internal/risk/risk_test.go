package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

func defaults() Thresholds {
	return FromConfig(config.Default().Risk)
}

func TestClassifyDecisionTable(t *testing.T) {
	clean := tasks.Task{ID: "t", EstimatedChangeSize: 10}
	big := tasks.Task{ID: "t", EstimatedChangeSize: 500}
	secure := tasks.Task{ID: "t", EstimatedChangeSize: 10, Flags: tasks.Flags{SecuritySensitive: true}}

	tests := []struct {
		name  string
		level state.AutonomyLevel
		task  tasks.Task
		want  tasks.Decision
	}{
		{"routine clean", state.LevelRoutine, clean, tasks.DecisionAutoExecute},
		{"routine risky", state.LevelRoutine, secure, tasks.DecisionAutoExecute},
		{"routine big", state.LevelRoutine, big, tasks.DecisionAutoExecute},
		{"escalation clean", state.LevelEscalation, clean, tasks.DecisionAutoExecute},
		{"escalation risky", state.LevelEscalation, secure, tasks.DecisionRequireApproval},
		{"escalation big", state.LevelEscalation, big, tasks.DecisionRequireApproval},
		{"human clean", state.LevelHumanApproval, clean, tasks.DecisionRequireApproval},
		{"human risky", state.LevelHumanApproval, secure, tasks.DecisionRequireApproval},
		{"unknown level", state.AutonomyLevel("yolo"), clean, tasks.DecisionRequireApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.level, tt.task, defaults()).Decision)
		})
	}
}

func TestIndicators(t *testing.T) {
	task := tasks.Task{
		EstimatedChangeSize: 201,
		Flags:               tasks.Flags{TouchesDatabase: true, CallsExternalAPI: true, SecuritySensitive: true},
	}
	assert.Len(t, Indicators(task, defaults()), 4)

	task.EstimatedChangeSize = 200
	assert.Len(t, Indicators(task, defaults()), 3, "size equal to max is not an indicator")

	off := Thresholds{}
	assert.Empty(t, Indicators(task, off), "disabled gates and zero max ignore everything")
}

func TestDisabledGateAllowsEscalationAuto(t *testing.T) {
	th := defaults()
	th.GateDatabase = false
	task := tasks.Task{EstimatedChangeSize: 5, Flags: tasks.Flags{TouchesDatabase: true}}
	assert.Equal(t, tasks.DecisionAutoExecute, Classify(state.LevelEscalation, task, th).Decision)
}

func TestClassifyIsIdempotent(t *testing.T) {
	task := tasks.Task{ID: "x", EstimatedChangeSize: 300, Flags: tasks.Flags{CallsExternalAPI: true}}
	first := Classify(state.LevelEscalation, task, defaults())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(state.LevelEscalation, task, defaults()))
	}
}

func TestGateStampsOnce(t *testing.T) {
	g := NewGate(state.LevelEscalation, defaults())
	task := tasks.Task{ID: "x", EstimatedChangeSize: 10, Flags: tasks.Flags{SecuritySensitive: true}}

	stamped, a := g.Assess(task)
	assert.True(t, a.RequiresApproval())
	assert.Equal(t, tasks.DecisionRequireApproval, stamped.Decision)
	assert.Equal(t, []string{"security sensitive"}, stamped.RiskReasons)

	// A gate for a different level does not reclassify a stamped task.
	routine := NewGate(state.LevelRoutine, defaults())
	again, a2 := routine.Assess(stamped)
	assert.Equal(t, stamped, again)
	assert.Equal(t, tasks.DecisionRequireApproval, a2.Decision)
}
