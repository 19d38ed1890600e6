package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/codebase"
	"github.com/fyrsmithlabs/autopilot/internal/config"
)

// Deployer is the deployment collaborator.
type Deployer interface {
	BuildArtifact(ctx context.Context) (string, error)
	Package(ctx context.Context, artifact string) (string, error)
	Deploy(ctx context.Context, env Environment, artifact, version string) error
	RunSmokeTests(ctx context.Context, env Environment, version string) (bool, error)
	Rollback(ctx context.Context, env Environment, version string) error
	ActiveVersion(ctx context.Context, env Environment) (string, error)
}

// CommandDeployer runs configured shell commands. {env}, {artifact} and
// {version} are replaced with single-quoted values.
type CommandDeployer struct {
	dir     string
	cfg     config.DeployConfig
	runner  codebase.CommandRunner
	timeout time.Duration
}

// NewCommandDeployer returns a deployer running commands in dir.
func NewCommandDeployer(dir string, runner codebase.CommandRunner, cfg config.DeployConfig) *CommandDeployer {
	if runner == nil {
		runner = &codebase.ExecRunner{}
	}
	return &CommandDeployer{dir: dir, cfg: cfg, runner: runner, timeout: cfg.Timeout.Duration()}
}

type vars struct {
	env      Environment
	artifact string
	version  string
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func expand(command string, v vars) string {
	return strings.NewReplacer(
		"{env}", shellQuote(string(v.env)),
		"{artifact}", shellQuote(v.artifact),
		"{version}", shellQuote(v.version),
	).Replace(command)
}

func (d *CommandDeployer) run(ctx context.Context, name, command string, v vars) (codebase.CommandResult, error) {
	if command == "" {
		return codebase.CommandResult{}, fmt.Errorf("deploy.%s command not configured", name)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	env := []string{
		"AUTOPILOT_DEPLOY_ENV=" + string(v.env),
		"AUTOPILOT_DEPLOY_ARTIFACT=" + v.artifact,
		"AUTOPILOT_DEPLOY_VERSION=" + v.version,
	}
	res, err := d.runner.Run(ctx, d.dir, expand(command, v), env)
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

func (d *CommandDeployer) mustPass(ctx context.Context, name, command string, v vars) (codebase.CommandResult, error) {
	res, err := d.run(ctx, name, command, v)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("%s exited %d: %s", name, res.ExitCode, res.Tail(2000))
	}
	return res, nil
}

// lastLine returns the last non-empty stdout line.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func (d *CommandDeployer) BuildArtifact(ctx context.Context) (string, error) {
	res, err := d.mustPass(ctx, "build", d.cfg.Build, vars{})
	if err != nil {
		return "", err
	}
	return lastLine(res.Stdout), nil
}

func (d *CommandDeployer) Package(ctx context.Context, artifact string) (string, error) {
	if d.cfg.Package == "" {
		return artifact, nil
	}
	res, err := d.mustPass(ctx, "package", d.cfg.Package, vars{artifact: artifact})
	if err != nil {
		return "", err
	}
	if out := lastLine(res.Stdout); out != "" {
		return out, nil
	}
	return artifact, nil
}

func (d *CommandDeployer) Deploy(ctx context.Context, env Environment, artifact, version string) error {
	_, err := d.mustPass(ctx, "deploy", d.cfg.Deploy, vars{env: env, artifact: artifact, version: version})
	return err
}

// RunSmokeTests reports a non-zero exit as a failed check, not an error.
func (d *CommandDeployer) RunSmokeTests(ctx context.Context, env Environment, version string) (bool, error) {
	res, err := d.run(ctx, "smoke_test", d.cfg.SmokeTest, vars{env: env, version: version})
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func (d *CommandDeployer) Rollback(ctx context.Context, env Environment, version string) error {
	_, err := d.mustPass(ctx, "rollback", d.cfg.Rollback, vars{env: env, version: version})
	return err
}

// ErrNoVersionCommand is returned by ActiveVersion without a version
// command.
var ErrNoVersionCommand = errors.New("deploy.version command not configured")

func (d *CommandDeployer) ActiveVersion(ctx context.Context, env Environment) (string, error) {
	if d.cfg.Version == "" {
		return "", ErrNoVersionCommand
	}
	res, err := d.mustPass(ctx, "version", d.cfg.Version, vars{env: env})
	if err != nil {
		return "", err
	}
	return lastLine(res.Stdout), nil
}
