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
	"testing"

	"github.com/lightci/lightci/pkg/errors"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{})
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.User != "ec2-user" {
		t.Errorf("User = %q, want ec2-user", cfg.User)
	}
	if cfg.DeployPath != "/home/ec2-user/app" {
		t.Errorf("DeployPath = %q, want /home/ec2-user/app", cfg.DeployPath)
	}
	if cfg.AppPort != 3000 {
		t.Errorf("AppPort = %d, want 3000", cfg.AppPort)
	}
	if cfg.Strategy != StrategyStandard {
		t.Errorf("Strategy = %q, want standard", cfg.Strategy)
	}
	if cfg.InstallCommand != "npm install --production" {
		t.Errorf("InstallCommand = %q", cfg.InstallCommand)
	}
	if cfg.RollbackOnFailure {
		t.Error("RollbackOnFailure = true by default")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{
		"ssh_key_id":           "k-1",
		"instance_id":          "i-123",
		"host":                 "ec2-host.example.com",
		"user":                 "deploy",
		"deploy_path":          "/srv/app",
		"app_port":             "8080",
		"install_command":      "make install",
		"post_deploy_command":  "systemctl reload app",
		"strategy":             "blue_green",
		"production_port":      "80",
		"staging_port":         "8081",
		"health_check_path":    "/healthz",
		"health_check_timeout": "120",
		"rollback_on_failure":  "true",
	})
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.SSHKeyID != "k-1" || cfg.InstanceID != "i-123" || cfg.Host != "ec2-host.example.com" {
		t.Errorf("target fields = %q/%q/%q", cfg.SSHKeyID, cfg.InstanceID, cfg.Host)
	}
	if cfg.User != "deploy" || cfg.DeployPath != "/srv/app" || cfg.AppPort != 8080 {
		t.Errorf("host fields = %q/%q/%d", cfg.User, cfg.DeployPath, cfg.AppPort)
	}
	if cfg.Strategy != StrategyBlueGreen {
		t.Errorf("Strategy = %q, want blue-green", cfg.Strategy)
	}
	if cfg.ProductionPort != 80 || cfg.StagingPort != 8081 || cfg.HealthCheckTimeout != 120 {
		t.Errorf("blue-green ports = %d/%d/%d", cfg.ProductionPort, cfg.StagingPort, cfg.HealthCheckTimeout)
	}
	if !cfg.RollbackOnFailure {
		t.Error("RollbackOnFailure = false")
	}
	if cfg.PostDeployCommand != "systemctl reload app" {
		t.Errorf("PostDeployCommand = %q", cfg.PostDeployCommand)
	}
}

func TestParseConfigStrategyAliases(t *testing.T) {
	for _, alias := range []string{"blue-green", "blue_green", "bluegreen", "Blue-Green"} {
		cfg, err := ParseConfig(map[string]string{"strategy": alias})
		if err != nil {
			t.Fatalf("ParseConfig(strategy=%q) error = %v", alias, err)
		}
		if cfg.Strategy != StrategyBlueGreen {
			t.Errorf("strategy %q parsed as %q", alias, cfg.Strategy)
		}
	}
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]string
		field string
	}{
		{"bad port", map[string]string{"app_port": "eighty"}, "app_port"},
		{"bad staging port", map[string]string{"staging_port": "3001x"}, "staging_port"},
		{"bad bool", map[string]string{"rollback_on_failure": "yep"}, "rollback_on_failure"},
		{"bad strategy", map[string]string{"strategy": "canary"}, "strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.raw)
			var validationErr *errors.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("error = %v, want *errors.ValidationError", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", validationErr.Field, tt.field)
			}
		})
	}
}

func TestValidateBlueGreen(t *testing.T) {
	full := func() *Config {
		return &Config{
			ProductionPort:     80,
			StagingPort:        3001,
			HealthCheckPath:    "/health",
			HealthCheckTimeout: 60,
		}
	}

	if err := full().validateBlueGreen(); err != nil {
		t.Errorf("complete config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing production port", func(c *Config) { c.ProductionPort = 0 }, "production_port"},
		{"missing staging port", func(c *Config) { c.StagingPort = 0 }, "staging_port"},
		{"missing path", func(c *Config) { c.HealthCheckPath = "" }, "health_check_path"},
		{"missing timeout", func(c *Config) { c.HealthCheckTimeout = 0 }, "health_check_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full()
			tt.mutate(cfg)
			err := cfg.validateBlueGreen()
			var validationErr *errors.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("error = %v, want *errors.ValidationError", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", validationErr.Field, tt.field)
			}
		})
	}
}

func TestPostDeployFallsBackToEnvironment(t *testing.T) {
	t.Setenv("POST_DEPLOY_COMMAND", "curl -fsS localhost/warm")

	cfg := &Config{}
	if got := cfg.postDeploy(); got != "curl -fsS localhost/warm" {
		t.Errorf("postDeploy() = %q, want environment value", got)
	}

	cfg.PostDeployCommand = "explicit"
	if got := cfg.postDeploy(); got != "explicit" {
		t.Errorf("postDeploy() = %q, want config value to win", got)
	}
}
