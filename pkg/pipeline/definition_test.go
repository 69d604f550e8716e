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

package pipeline

import (
	"strings"
	"testing"

	"github.com/lightci/lightci/pkg/errors"
)

func TestParseMinimalDefinition(t *testing.T) {
	data := []byte(`
name: My App
repository: https://github.com/acme/app.git
steps:
  - name: Source
  - name: Build
    command: npm run build
`)

	p, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to parse definition: %v", err)
	}

	if p.ID != "my-app" {
		t.Errorf("expected id my-app, got %q", p.ID)
	}
	if p.DefaultBranch != "main" {
		t.Errorf("expected default branch main, got %q", p.DefaultBranch)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(p.Steps))
	}
	if p.Steps[0].ID != "source" {
		t.Errorf("expected step id source, got %q", p.Steps[0].ID)
	}
	if p.Steps[0].RunLocation != RunLocal {
		t.Errorf("expected local run location, got %q", p.Steps[0].RunLocation)
	}
}

func TestParseFullDefinition(t *testing.T) {
	data := []byte(`
name: web
repository: git@github.com:acme/web.git
branch: develop
steps:
  - name: Source
  - name: Build
    command: npm ci && npm run build
    env:
      NODE_ENV: production
    timeout: 600
  - name: Deploy
    kind: deploy
  - name: Smoke
    command: curl -fsS localhost:3000/health
    run_location: deployed
    when: branch == "develop"
artifacts:
  enabled: true
  patterns:
    - "dist/**"
    - "*.tgz"
  retention_days: 14
deployment:
  enabled: true
  platform: AWS EC2
  config:
    ssh_key_id: key-1
triggers:
  schedule:
    cron: "0 4 * * *"
    timezone: Europe/London
  events: [push, pull_request]
  branches: ["main", "release/*"]
`)

	p, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to parse definition: %v", err)
	}

	if p.DefaultBranch != "develop" {
		t.Errorf("expected branch develop, got %q", p.DefaultBranch)
	}
	if !p.Steps[2].IsDeploy() {
		t.Error("expected Deploy step to be a deploy step")
	}
	if p.Steps[3].RunLocation != RunDeployed {
		t.Errorf("expected deployed run location, got %q", p.Steps[3].RunLocation)
	}
	if p.Steps[1].Environment["NODE_ENV"] != "production" {
		t.Errorf("expected step env, got %v", p.Steps[1].Environment)
	}
	if p.Steps[1].Timeout != 600 {
		t.Errorf("expected timeout 600, got %d", p.Steps[1].Timeout)
	}
	if p.Deployment.Mode != DeployAutomatic {
		t.Errorf("expected automatic mode default, got %q", p.Deployment.Mode)
	}
	if p.Trigger == nil || p.Trigger.Schedule == nil {
		t.Fatal("expected schedule trigger")
	}
	if p.Trigger.Schedule.Cron != "0 4 * * *" {
		t.Errorf("unexpected cron %q", p.Trigger.Schedule.Cron)
	}
	if p.Artifacts.RetentionDays != 14 {
		t.Errorf("expected retention 14, got %d", p.Artifacts.RetentionDays)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("steps: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name:      "missing name",
			yaml:      "repository: r\nsteps:\n  - name: Build\n    command: make",
			wantField: "name",
		},
		{
			name:      "missing repository",
			yaml:      "name: x\nsteps:\n  - name: Build\n    command: make",
			wantField: "repository",
		},
		{
			name:      "no steps",
			yaml:      "name: x\nrepository: r",
			wantField: "steps",
		},
		{
			name:      "duplicate step names",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: a\n  - name: Build\n    command: b",
			wantField: "steps",
		},
		{
			name:      "step without command",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Test",
			wantField: "command",
		},
		{
			name:      "bad run location",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\n    run_location: moon",
			wantField: "run_location",
		},
		{
			name:      "negative timeout",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\n    timeout: -5",
			wantField: "timeout",
		},
		{
			name:      "bad when expression",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\n    when: \"((\"",
			wantField: "when",
		},
		{
			name:      "bad artifact pattern",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\nartifacts:\n  patterns: [\"dist/[\"]",
			wantField: "artifacts.patterns",
		},
		{
			name:      "negative retention",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\nartifacts:\n  retention_days: -2",
			wantField: "artifacts.retention_days",
		},
		{
			name:      "schedule without cron",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\ntriggers:\n  schedule:\n    timezone: UTC",
			wantField: "triggers.schedule.cron",
		},
		{
			name:      "bad timezone",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\ntriggers:\n  schedule:\n    cron: \"0 4 * * *\"\n    timezone: Mars/Olympus",
			wantField: "triggers.schedule.timezone",
		},
		{
			name:      "bad event",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\ntriggers:\n  events: [tag]",
			wantField: "triggers.events",
		},
		{
			name:      "bad deployment mode",
			yaml:      "name: x\nrepository: r\nsteps:\n  - name: Build\n    command: make\ndeployment:\n  enabled: true\n  mode: yolo",
			wantField: "deployment.mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var valErr *errors.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
			if valErr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q (%v)", tt.wantField, valErr.Field, err)
			}
		})
	}
}

func TestSourceAndDeployStepsNeedNoCommand(t *testing.T) {
	data := []byte(`
name: x
repository: r
steps:
  - name: Source
  - name: Deploy
    kind: deploy
`)
	if _, err := Parse(data); err != nil {
		t.Fatalf("Source and deploy steps should not require commands: %v", err)
	}
}

func TestApplyDefaultsGeneratesUniqueStepIDs(t *testing.T) {
	p := &Pipeline{
		Name:       "x",
		Repository: "r",
		Steps: []Step{
			{Name: "Run Tests", Command: "make test"},
			{Name: "Run tests", Command: "make test-again"},
			{Name: "!!!", Command: "true"},
		},
	}
	p.ApplyDefaults()

	if p.Steps[0].ID != "run-tests" {
		t.Errorf("expected run-tests, got %q", p.Steps[0].ID)
	}
	if p.Steps[1].ID != "run-tests-2" {
		t.Errorf("expected run-tests-2, got %q", p.Steps[1].ID)
	}
	if p.Steps[2].ID != "step" {
		t.Errorf("expected step fallback id, got %q", p.Steps[2].ID)
	}
}
