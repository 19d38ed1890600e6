package deploy

import (
	"errors"
	"fmt"
	"time"
)

// Environment is a deployment target.
type Environment string

const (
	Staging    Environment = "staging"
	Production Environment = "production"
)

// Stage is a step of a deployment run.
type Stage string

const (
	StageBuilding         Stage = "building"
	StagePackaging        Stage = "packaging"
	StageStagingDeploy    Stage = "staging_deploy"
	StageSmokeTest        Stage = "smoke_test"
	StageProductionDeploy Stage = "production_deploy"
	StageVerify           Stage = "verify"
)

// Outcome is the result of a deployment run.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeFailed            Outcome = "failed"
	OutcomeRolledBack        Outcome = "rolled_back"
	OutcomeAwaitingPromotion Outcome = "awaiting_promotion"
)

// Terminal reports whether no further stage runs.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailed || o == OutcomeRolledBack
}

var (
	ErrNotDeploymentReady = errors.New("pipeline run is not deployment-ready")
	ErrRollbackFailed     = errors.New("rollback failed")
	ErrPromotionPending   = errors.New("a deployment is awaiting promotion")
	ErrNothingToPromote   = errors.New("no deployment is awaiting promotion")
	ErrSmokeTestFailed    = errors.New("smoke tests failed")
	// ErrNoRollbackTarget marks a touched environment with neither a
	// known-good nor a readable previous version. It counts as a failed
	// rollback.
	ErrNoRollbackTarget = errors.New("no version to roll back to")
)

// StageError attributes a deployment failure to a stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("deploy %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Run records one deployment.
type Run struct {
	ID             string                 `json:"id"`
	TaskID         string                 `json:"task_id"`
	Commit         string                 `json:"commit"`
	Version        string                 `json:"version"`
	Artifact       string                 `json:"artifact,omitempty"`
	Stage          Stage                  `json:"stage"`
	Outcome        Outcome                `json:"outcome,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Previous       map[Environment]string `json:"previous,omitempty"`
	Touched        []Environment          `json:"touched,omitempty"`
	RolledBack     []Environment          `json:"rolled_back,omitempty"`
	RollbackFailed bool                   `json:"rollback_failed,omitempty"`
}

func (r *Run) touch(env Environment) {
	for _, e := range r.Touched {
		if e == env {
			return
		}
	}
	r.Touched = append(r.Touched, env)
}
