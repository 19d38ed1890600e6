// Package config loads and validates autopilot configuration.
//
// Values come from three layers, highest precedence first: AUTOPILOT_*
// environment variables, the YAML config file, and the defaults returned
// by Default. Validate must pass before the control loop may start.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Autonomy levels accepted in autonomy.level.
const (
	LevelRoutine       = "routine"
	LevelEscalation    = "escalation"
	LevelHumanApproval = "human_approval"
)

// Config is the complete daemon configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Store         StoreConfig         `koanf:"store"`
	Autonomy      AutonomyConfig      `koanf:"autonomy"`
	WorkingHours  WorkingHoursConfig  `koanf:"working_hours"`
	Risk          RiskConfig          `koanf:"risk"`
	Breaker       BreakerConfig       `koanf:"breaker"`
	Repository    RepositoryConfig    `koanf:"repository"`
	Verification  VerificationConfig  `koanf:"verification"`
	Change        ChangeConfig        `koanf:"change"`
	Deploy        DeployConfig        `koanf:"deploy"`
	Goals         GoalsConfig         `koanf:"goals"`
	Notify        NotifyConfig        `koanf:"notify"`
	Review        ReviewConfig        `koanf:"review"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig configures the HTTP status and control surface.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// AutonomyConfig governs how much work proceeds unattended.
type AutonomyConfig struct {
	Level                  string   `koanf:"level"`
	CyclePeriod            Duration `koanf:"cycle_period"`
	AutoMerge              bool     `koanf:"auto_merge"`
	AutoDeploy             bool     `koanf:"auto_deploy"`
	ApprovalTimeout        Duration `koanf:"approval_timeout"`
	ApprovalTimeoutOutcome string   `koanf:"approval_timeout_outcome"`
	MaxTasksPerCycle       int      `koanf:"max_tasks_per_cycle"`
}

// WorkingHoursConfig is the window in which cycles may run. Start and End
// are "15:04" clock times; Weekdays are three-letter lowercase names.
type WorkingHoursConfig struct {
	Start    string   `koanf:"start"`
	End      string   `koanf:"end"`
	Timezone string   `koanf:"timezone"`
	Weekdays []string `koanf:"weekdays"`
}

// RiskConfig holds the escalation thresholds.
type RiskConfig struct {
	MaxChangeSize         int  `koanf:"max_change_size"`
	GateDatabase          bool `koanf:"gate_database"`
	GateExternalAPI       bool `koanf:"gate_external_api"`
	GateSecuritySensitive bool `koanf:"gate_security_sensitive"`
}

// BreakerConfig sizes the error window.
type BreakerConfig struct {
	WindowSize   int     `koanf:"window_size"`
	FailureRatio float64 `koanf:"failure_ratio"`
}

// RepositoryConfig points at the working copy the loop operates on.
type RepositoryConfig struct {
	Path         string   `koanf:"path"`
	MainBranch   string   `koanf:"main_branch"`
	Remote       string   `koanf:"remote"`
	BranchPrefix string   `koanf:"branch_prefix"`
	IgnoreFiles  []string `koanf:"ignore_files"`
	Markers      []string `koanf:"markers"`
}

// VerificationConfig lists the verification suite commands. Empty
// commands are skipped.
type VerificationConfig struct {
	Build       string   `koanf:"build"`
	Lint        string   `koanf:"lint"`
	Unit        string   `koanf:"unit"`
	Integration string   `koanf:"integration"`
	Format      string   `koanf:"format"`
	Timeout     Duration `koanf:"timeout"`
}

// ChangeConfig is the command that applies a task to the working copy.
type ChangeConfig struct {
	Command string   `koanf:"command"`
	Timeout Duration `koanf:"timeout"`
}

// DeployConfig lists the deployment commands. {env}, {artifact} and
// {version} are substituted before execution.
type DeployConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Build     string   `koanf:"build"`
	Package   string   `koanf:"package"`
	Deploy    string   `koanf:"deploy"`
	SmokeTest string   `koanf:"smoke_test"`
	Rollback  string   `koanf:"rollback"`
	Version   string   `koanf:"version"`
	Timeout   Duration `koanf:"timeout"`
}

// GoalsConfig locates the project goals file.
type GoalsConfig struct {
	File string `koanf:"file"`
}

// NotifyConfig configures the notification sinks.
type NotifyConfig struct {
	NATSURL       string  `koanf:"nats_url"`
	NATSToken     Secret  `koanf:"nats_token"`
	SubjectPrefix string  `koanf:"subject_prefix"`
	Rate          float64 `koanf:"rate"`
	Burst         int     `koanf:"burst"`
}

// ReviewConfig configures the human review hand-off.
type ReviewConfig struct {
	Provider string `koanf:"provider"`
	Owner    string `koanf:"owner"`
	Repo     string `koanf:"repo"`
	Token    Secret `koanf:"token"`
	BaseURL  string `koanf:"base_url"`
}

// SecretsConfig controls scrubbing of tool output.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Gitleaks      bool   `koanf:"gitleaks"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName: "autopilot",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Path: "~/.config/autopilot/state.db"},
		Autonomy: AutonomyConfig{
			Level:                  LevelEscalation,
			CyclePeriod:            Duration(30 * time.Minute),
			ApprovalTimeout:        Duration(time.Hour),
			ApprovalTimeoutOutcome: "rejected",
			MaxTasksPerCycle:       1,
		},
		WorkingHours: WorkingHoursConfig{
			Start:    "09:00",
			End:      "18:00",
			Timezone: "Local",
			Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
		},
		Risk: RiskConfig{
			MaxChangeSize:         200,
			GateDatabase:          true,
			GateExternalAPI:       true,
			GateSecuritySensitive: true,
		},
		Breaker: BreakerConfig{WindowSize: 100, FailureRatio: 0.05},
		Repository: RepositoryConfig{
			Path:         ".",
			MainBranch:   "main",
			Remote:       "origin",
			BranchPrefix: "autopilot/",
			IgnoreFiles:  []string{".gitignore", ".autopilotignore"},
			Markers:      []string{"TODO", "FIXME"},
		},
		Verification: VerificationConfig{Timeout: Duration(30 * time.Minute)},
		Change:       ChangeConfig{Timeout: Duration(30 * time.Minute)},
		Deploy:       DeployConfig{Timeout: Duration(30 * time.Minute)},
		Goals:        GoalsConfig{File: "goals.yaml"},
		Notify: NotifyConfig{
			SubjectPrefix: "autopilot.notify",
			Rate:          1,
			Burst:         10,
		},
		Review:  ReviewConfig{Provider: "none"},
		Secrets: SecretsConfig{Enabled: true},
	}
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekday maps a three-letter day name to time.Weekday.
func ParseWeekday(name string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Validate returns a *ValidationError when the configuration cannot
// drive the control loop.
func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		v.addf("server.http_port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		v.addf("server.shutdown_timeout must be positive")
	}

	switch c.Autonomy.Level {
	case LevelRoutine, LevelEscalation, LevelHumanApproval:
	default:
		v.addf("autonomy.level %q must be one of routine, escalation, human_approval", c.Autonomy.Level)
	}
	if c.Autonomy.CyclePeriod.Duration() < time.Second {
		v.addf("autonomy.cycle_period must be at least 1s")
	}
	if c.Autonomy.ApprovalTimeout.Duration() <= 0 {
		v.addf("autonomy.approval_timeout must be positive")
	}
	switch c.Autonomy.ApprovalTimeoutOutcome {
	case "rejected", "failed":
	default:
		v.addf("autonomy.approval_timeout_outcome %q must be rejected or failed", c.Autonomy.ApprovalTimeoutOutcome)
	}
	if c.Autonomy.MaxTasksPerCycle < 1 {
		v.addf("autonomy.max_tasks_per_cycle must be >= 1")
	}

	for _, f := range []struct{ name, val string }{
		{"working_hours.start", c.WorkingHours.Start},
		{"working_hours.end", c.WorkingHours.End},
	} {
		if _, err := time.Parse("15:04", f.val); err != nil {
			v.addf("%s %q is not a HH:MM time", f.name, f.val)
		}
	}
	if _, err := time.LoadLocation(c.WorkingHours.Timezone); err != nil {
		v.addf("working_hours.timezone %q: %v", c.WorkingHours.Timezone, err)
	}
	if len(c.WorkingHours.Weekdays) == 0 {
		v.addf("working_hours.weekdays must name at least one day")
	}
	for _, d := range c.WorkingHours.Weekdays {
		if _, ok := ParseWeekday(d); !ok {
			v.addf("working_hours.weekdays: unknown day %q", d)
		}
	}

	if c.Risk.MaxChangeSize < 0 {
		v.addf("risk.max_change_size must be >= 0")
	}
	if c.Breaker.WindowSize < 1 {
		v.addf("breaker.window_size must be >= 1")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		v.addf("breaker.failure_ratio %v must be in (0, 1]", c.Breaker.FailureRatio)
	}

	if c.Repository.Path == "" {
		v.addf("repository.path is required")
	}
	if c.Repository.MainBranch == "" {
		v.addf("repository.main_branch is required")
	}
	if c.Change.Command == "" {
		v.addf("change.command is required")
	}
	if c.Verification.Build == "" && c.Verification.Unit == "" {
		v.addf("verification needs at least a build or unit command")
	}
	if c.Store.Path == "" {
		v.addf("store.path is required")
	}
	if c.Goals.File == "" {
		v.addf("goals.file is required")
	}

	if c.Deploy.Enabled {
		for _, f := range []struct{ name, val string }{
			{"deploy.build", c.Deploy.Build},
			{"deploy.deploy", c.Deploy.Deploy},
			{"deploy.smoke_test", c.Deploy.SmokeTest},
			{"deploy.rollback", c.Deploy.Rollback},
			{"deploy.version", c.Deploy.Version},
		} {
			if f.val == "" {
				v.addf("%s is required when deploy.enabled", f.name)
			}
		}
	}

	if c.Notify.Rate <= 0 || c.Notify.Burst < 1 {
		v.addf("notify.rate must be > 0 and notify.burst >= 1")
	}

	switch c.Review.Provider {
	case "none":
	case "github":
		if c.Review.Owner == "" || c.Review.Repo == "" {
			v.addf("review.owner and review.repo are required for the github provider")
		}
		if !c.Review.Token.IsSet() {
			v.addf("review.token is required for the github provider")
		}
	default:
		v.addf("review.provider %q must be none or github", c.Review.Provider)
	}

	if c.Observability.EnableTelemetry {
		if c.Observability.Protocol != "grpc" && c.Observability.Protocol != "http" {
			v.addf("observability.protocol %q must be grpc or http", c.Observability.Protocol)
		}
		if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
			v.addf("observability.sample_rate must be in [0, 1]")
		}
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}
