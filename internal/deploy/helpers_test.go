package deploy

import (
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/config"
)

func configFor(dir string) config.DeployConfig {
	return config.DeployConfig{
		Enabled:   true,
		Build:     "echo compiling; echo build/app",
		Package:   "echo {artifact}.tgz",
		Deploy:    "echo {version} > " + dir + "/active-{env}",
		SmokeTest: "test \"$(cat " + dir + "/active-$AUTOPILOT_DEPLOY_ENV)\" != v1",
		Rollback:  "echo {version} > " + dir + "/active-{env}",
		Version:   "cat " + dir + "/active-{env}",
		Timeout:   config.Duration(time.Minute),
	}
}
