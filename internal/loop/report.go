package loop

import (
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/pipeline"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// Skip reasons recorded on reports for cycles that did no work.
const (
	SkipNotActive    = "run state is not active"
	SkipOutsideHours = "outside working hours"
	SkipCancelled    = "cancelled before start"
)

// TaskReport is one task's line in a cycle report.
type TaskReport struct {
	ID          string         `json:"id"`
	Kind        tasks.Kind     `json:"kind"`
	Description string         `json:"description"`
	Status      tasks.Status   `json:"status"`
	Decision    tasks.Decision `json:"decision,omitempty"`
	RiskReasons []string       `json:"risk_reasons,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func taskReport(t tasks.Task) TaskReport {
	return TaskReport{
		ID:          t.ID,
		Kind:        t.Kind,
		Description: t.Description,
		Status:      t.Status,
		Decision:    t.Decision,
		RiskReasons: t.RiskReasons,
		Reason:      t.Reason,
	}
}

// CycleReport summarizes one cycle. Error strings are scrubbed before
// they are stored.
type CycleReport struct {
	ID             string              `json:"id"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	Skipped        string              `json:"skipped,omitempty"`
	Level          state.AutonomyLevel `json:"autonomy_level,omitempty"`
	Signal         *tasks.Signal       `json:"signal,omitempty"`
	Tasks          []TaskReport        `json:"tasks,omitempty"`
	Expired        []string            `json:"expired_approvals,omitempty"`
	Runs           []pipeline.Run      `json:"pipeline_runs,omitempty"`
	Deployment     *deploy.Run         `json:"deployment,omitempty"`
	Errors         []string            `json:"errors,omitempty"`
	ErrorRatio     float64             `json:"error_ratio"`
	BreakerTripped bool                `json:"breaker_tripped,omitempty"`
}

func (r *CycleReport) setTask(t tasks.Task) {
	for i := range r.Tasks {
		if r.Tasks[i].ID == t.ID {
			r.Tasks[i] = taskReport(t)
			return
		}
	}
	r.Tasks = append(r.Tasks, taskReport(t))
}

// Outcome labels the cycle for metrics.
func (r *CycleReport) Outcome() string {
	switch {
	case r.Skipped != "":
		return "skipped"
	case len(r.Errors) > 0:
		return "failed"
	default:
		return "completed"
	}
}
