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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/lightci/lightci/pkg/errors"
)

// Parse parses a pipeline definition from YAML bytes, applies
// defaults and validates it.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}

	p.ApplyDefaults()

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	return &p, nil
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a display name into an identifier.
func slugify(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// ApplyDefaults fills derived and defaulted fields: the pipeline id
// and step ids from names, the default branch, run locations and the
// deployment mode.
func (p *Pipeline) ApplyDefaults() {
	if p.ID == "" {
		p.ID = slugify(p.Name)
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}

	seen := make(map[string]bool)
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			base := slugify(step.Name)
			if base == "" {
				base = "step"
			}
			candidate := base
			for n := 2; seen[candidate]; n++ {
				candidate = fmt.Sprintf("%s-%d", base, n)
			}
			step.ID = candidate
		}
		seen[step.ID] = true

		if step.RunLocation == "" {
			step.RunLocation = RunLocal
		}
	}

	if p.Deployment.Enabled && p.Deployment.Mode == "" {
		p.Deployment.Mode = DeployAutomatic
	}
}

// Validate checks the pipeline definition.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "pipeline name is required",
			Suggestion: "add a descriptive name for the pipeline",
		}
	}

	if p.Repository == "" {
		return &errors.ValidationError{
			Field:      "repository",
			Message:    "repository URL is required",
			Suggestion: "add the git repository URL the pipeline builds",
		}
	}

	if len(p.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "pipeline must have at least one step",
			Suggestion: "add at least one step to the pipeline definition",
		}
	}

	stepNames := make(map[string]bool)
	for i := range p.Steps {
		step := &p.Steps[i]
		if err := step.Validate(); err != nil {
			return fmt.Errorf("invalid step %q: %w", step.Name, err)
		}
		if stepNames[step.Name] {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("duplicate step name: %s", step.Name),
				Suggestion: "ensure each step has a unique name",
			}
		}
		stepNames[step.Name] = true
	}

	for _, pattern := range p.Artifacts.Patterns {
		if !doublestar.ValidatePattern(pattern) {
			return &errors.ValidationError{
				Field:      "artifacts.patterns",
				Message:    fmt.Sprintf("invalid glob pattern: %s", pattern),
				Suggestion: "check pattern syntax; ** matches directories, * and ? match within a path segment",
			}
		}
	}
	if p.Artifacts.RetentionDays < 0 {
		return &errors.ValidationError{
			Field:      "artifacts.retention_days",
			Message:    "retention must not be negative",
			Suggestion: "use a positive number of days or omit for the default",
		}
	}

	if err := p.validateTrigger(); err != nil {
		return err
	}

	if p.Deployment.Enabled {
		switch p.Deployment.Mode {
		case DeployAutomatic, DeployManual:
		default:
			return &errors.ValidationError{
				Field:      "deployment.mode",
				Message:    fmt.Sprintf("unknown deployment mode: %s", p.Deployment.Mode),
				Suggestion: "use \"automatic\" or \"manual\"",
			}
		}
	}

	return nil
}

func (p *Pipeline) validateTrigger() error {
	if p.Trigger == nil {
		return nil
	}

	if schedule := p.Trigger.Schedule; schedule != nil {
		if schedule.Cron == "" {
			return &errors.ValidationError{
				Field:      "triggers.schedule.cron",
				Message:    "schedule requires a cron expression",
				Suggestion: "add a five-field cron expression such as \"0 4 * * *\"",
			}
		}
		if schedule.Timezone != "" {
			if _, err := time.LoadLocation(schedule.Timezone); err != nil {
				return &errors.ValidationError{
					Field:      "triggers.schedule.timezone",
					Message:    fmt.Sprintf("unknown timezone: %s", schedule.Timezone),
					Suggestion: "use an IANA zone name such as \"Europe/London\"",
				}
			}
		}
	}

	for _, event := range p.Trigger.Events {
		switch event {
		case "push", "pull_request":
		default:
			return &errors.ValidationError{
				Field:      "triggers.events",
				Message:    fmt.Sprintf("unknown event type: %s", event),
				Suggestion: "supported events are \"push\" and \"pull_request\"",
			}
		}
	}

	for _, branch := range p.Trigger.Branches {
		if !doublestar.ValidatePattern(branch) {
			return &errors.ValidationError{
				Field:      "triggers.branches",
				Message:    fmt.Sprintf("invalid branch pattern: %s", branch),
				Suggestion: "branch filters are glob patterns, e.g. \"release/*\"",
			}
		}
	}

	return nil
}

// Validate checks a single step.
func (s *Step) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "step name is required",
			Suggestion: "add a name to each step",
		}
	}

	if s.Command == "" && !s.IsDeploy() && !strings.EqualFold(s.Name, "Source") {
		return &errors.ValidationError{
			Field:      "command",
			Message:    fmt.Sprintf("step %q has no command", s.Name),
			Suggestion: "add a command, or mark the step kind as deploy",
		}
	}

	switch s.RunLocation {
	case "", RunLocal, RunDeployed:
	default:
		return &errors.ValidationError{
			Field:      "run_location",
			Message:    fmt.Sprintf("unknown run location: %s", s.RunLocation),
			Suggestion: "use \"local\" or \"deployed\"",
		}
	}

	if s.Timeout < 0 {
		return &errors.ValidationError{
			Field:      "timeout",
			Message:    "timeout must not be negative",
			Suggestion: "use a positive number of seconds or omit for the default",
		}
	}

	if s.When != "" {
		if _, err := expr.Compile(s.When, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
			return &errors.ValidationError{
				Field:      "when",
				Message:    fmt.Sprintf("invalid condition: %s", err.Error()),
				Suggestion: "the when expression must compile and return a boolean",
			}
		}
	}

	return nil
}
