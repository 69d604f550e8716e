// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deploy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lightci/lightci/pkg/errors"
)

// Release strategies.
const (
	StrategyStandard  = "standard"
	StrategyBlueGreen = "blue-green"
)

// Defaults applied when the deployment config omits a value.
const (
	DefaultUser       = "ec2-user"
	DefaultDeployPath = "/home/ec2-user/app"
	DefaultAppPort    = 3000

	defaultInstallCommand = "npm install --production"
)

// Config is the typed form of a pipeline's deployment config map.
type Config struct {
	// SSHKeyID is an explicit stored-key reference. It is probed first
	// during authentication.
	SSHKeyID string

	// InstanceID and Host identify the target for manual deployments.
	// Automatic deployments resolve both from the active deployment.
	InstanceID string
	Host       string

	User       string
	DeployPath string

	// AppPort is the port the application listens on. Redeploys kill
	// the previous listener on it.
	AppPort int

	Strategy string

	// InstallCommand runs in the deploy path after extraction.
	InstallCommand string

	// StartCommand, when set, starts the application detached under
	// nohup instead of the pm2 cycle. For runtimes without a process
	// supervisor.
	StartCommand string

	// PostDeployCommand runs last. Falls back to the
	// POST_DEPLOY_COMMAND environment variable when empty.
	PostDeployCommand string

	// Blue/green settings. All four are required when the strategy is
	// blue-green.
	ProductionPort     int
	StagingPort        int
	HealthCheckPath    string
	HealthCheckTimeout int

	RollbackOnFailure bool
}

// ParseConfig converts the raw deployment config map into a Config,
// applying defaults and validating numeric entries.
func ParseConfig(raw map[string]string) (*Config, error) {
	cfg := &Config{
		User:           DefaultUser,
		DeployPath:     DefaultDeployPath,
		AppPort:        DefaultAppPort,
		Strategy:       StrategyStandard,
		InstallCommand: defaultInstallCommand,
	}

	cfg.SSHKeyID = raw["ssh_key_id"]
	cfg.InstanceID = raw["instance_id"]
	cfg.Host = raw["host"]
	cfg.StartCommand = raw["start_command"]
	cfg.PostDeployCommand = raw["post_deploy_command"]
	cfg.HealthCheckPath = raw["health_check_path"]

	if v := raw["user"]; v != "" {
		cfg.User = v
	}
	if v := raw["deploy_path"]; v != "" {
		cfg.DeployPath = v
	}
	if v := raw["install_command"]; v != "" {
		cfg.InstallCommand = v
	}

	var err error
	if cfg.AppPort, err = intEntry(raw, "app_port", cfg.AppPort); err != nil {
		return nil, err
	}
	if cfg.ProductionPort, err = intEntry(raw, "production_port", 0); err != nil {
		return nil, err
	}
	if cfg.StagingPort, err = intEntry(raw, "staging_port", 0); err != nil {
		return nil, err
	}
	if cfg.HealthCheckTimeout, err = intEntry(raw, "health_check_timeout", 0); err != nil {
		return nil, err
	}
	if cfg.RollbackOnFailure, err = boolEntry(raw, "rollback_on_failure"); err != nil {
		return nil, err
	}

	if v := raw["strategy"]; v != "" {
		switch strings.ReplaceAll(strings.ToLower(v), "_", "-") {
		case StrategyStandard:
			cfg.Strategy = StrategyStandard
		case StrategyBlueGreen, "bluegreen":
			cfg.Strategy = StrategyBlueGreen
		default:
			return nil, &errors.ValidationError{
				Field:      "strategy",
				Message:    fmt.Sprintf("unknown deployment strategy %q", v),
				Suggestion: `use "standard" or "blue-green"`,
			}
		}
	}

	return cfg, nil
}

// validateBlueGreen checks the settings the blue-green strategy cannot
// default.
func (c *Config) validateBlueGreen() error {
	switch {
	case c.ProductionPort <= 0:
		return blueGreenRequired("production_port")
	case c.StagingPort <= 0:
		return blueGreenRequired("staging_port")
	case c.HealthCheckPath == "":
		return blueGreenRequired("health_check_path")
	case c.HealthCheckTimeout <= 0:
		return blueGreenRequired("health_check_timeout")
	}
	return nil
}

func blueGreenRequired(field string) error {
	return &errors.ValidationError{
		Field:      field,
		Message:    fmt.Sprintf("blue-green deployment requires %s", field),
		Suggestion: "set it in the pipeline's deployment config",
	}
}

// postDeploy returns the post-deploy command, falling back to the
// POST_DEPLOY_COMMAND environment variable.
func (c *Config) postDeploy() string {
	if c.PostDeployCommand != "" {
		return c.PostDeployCommand
	}
	return os.Getenv("POST_DEPLOY_COMMAND")
}

func intEntry(raw map[string]string, key string, def int) (int, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%q is not a number", v),
		}
	}
	return n, nil
}

func boolEntry(raw map[string]string, key string) (bool, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%q is not a boolean", v),
		}
	}
	return b, nil
}
