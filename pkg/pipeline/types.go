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

// Package pipeline defines the core CI entities: pipelines and their
// steps, runs with per-step results, artifact records, auto
// deployments and SSH keys. Definitions are loaded from YAML and
// validated before a pipeline is accepted.
package pipeline

import (
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

// Run statuses.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

var validRunStatuses = map[RunStatus]bool{
	RunPending:   true,
	RunRunning:   true,
	RunCompleted: true,
	RunFailed:    true,
	RunCancelled: true,
}

// IsValid checks if a run status is known.
func (s RunStatus) IsValid() bool {
	return validRunStatuses[s]
}

// IsTerminal returns true when no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus represents the lifecycle state of a single step result.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal returns true when the step result will not change again.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// RunLocation selects where a step command executes.
type RunLocation string

// Run locations.
const (
	// RunLocal executes the step in the run workspace on the daemon host.
	RunLocal RunLocation = "local"

	// RunDeployed executes the step on the deployment target over SSH.
	// Only valid after a deploy step has succeeded in the same run.
	RunDeployed RunLocation = "deployed"
)

// StepKindDeploy marks a step that hands off to the deployer instead of
// running a shell command.
const StepKindDeploy = "deploy"

// Step is a single unit of work within a pipeline.
type Step struct {
	// ID is stable within the pipeline; generated from the name when
	// the definition omits it.
	ID string `yaml:"id,omitempty" json:"id"`

	// Name identifies the step. Names are unique within a pipeline.
	// Two names carry built-in behavior: "Source" clones the pipeline
	// repository, and "Build" triggers artifact collection after it
	// completes.
	Name string `yaml:"name" json:"name"`

	// Command is the shell command to run. Ignored for deploy steps
	// and replaced for a step named "Source".
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Environment is merged over the daemon environment for this step.
	Environment map[string]string `yaml:"env,omitempty" json:"environment,omitempty"`

	// Timeout sets the maximum execution time for this step (in seconds).
	// Zero uses the runner's step timeout.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// RunLocation selects local or deployed execution. Defaults to local.
	RunLocation RunLocation `yaml:"run_location,omitempty" json:"run_location,omitempty"`

	// Kind tags special steps; "deploy" hands off to the deployer.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// When is an optional boolean expression; when it evaluates false
	// the step is skipped.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// IsDeploy returns true when the step is a deploy hand-off.
func (s *Step) IsDeploy() bool {
	return strings.EqualFold(s.Kind, StepKindDeploy)
}

// ScheduleConfig configures cron-based triggering.
type ScheduleConfig struct {
	// Cron is a five-field cron expression.
	Cron string `yaml:"cron" json:"cron"`

	// Timezone is an IANA zone name. Defaults to UTC.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// TriggerConfig describes how a pipeline starts beyond manual runs.
type TriggerConfig struct {
	// Schedule triggers runs on a cron schedule.
	Schedule *ScheduleConfig `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Events lists webhook event types that trigger runs
	// ("push", "pull_request"). Empty means push only.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`

	// Branches restricts webhook triggering to matching branches.
	// Entries are glob patterns. Empty means all branches.
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// ArtifactPolicy controls artifact collection for a pipeline.
type ArtifactPolicy struct {
	// Enabled controls collection. Unset means enabled; pipelines opt
	// out explicitly.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Patterns are glob patterns matched against the workspace,
	// merged with the collector's defaults.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`

	// RetentionDays sets artifact expiry; zero uses the daemon default.
	RetentionDays int `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`

	// Storage selects the storage kind: "local" or "s3". Empty uses
	// the daemon default.
	Storage string `yaml:"storage,omitempty" json:"storage,omitempty"`
}

// CollectionEnabled reports whether artifacts should be collected.
func (a ArtifactPolicy) CollectionEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DeploymentMode selects how the deployer obtains a target instance.
type DeploymentMode string

// Deployment modes.
const (
	// DeployAutomatic reuses or provisions an instance bound to the
	// pipeline.
	DeployAutomatic DeploymentMode = "automatic"

	// DeployManual uses the instance named in the deployment config.
	DeployManual DeploymentMode = "manual"
)

// DeploymentPolicy controls deployment for a pipeline.
type DeploymentPolicy struct {
	// Enabled turns deployment on for deploy steps.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Platform tags the target platform. Tags containing both "aws"
	// and "ec2" normalize to aws_ec2; other platforms are rejected at
	// deploy time.
	Platform string `yaml:"platform,omitempty" json:"platform,omitempty"`

	// Mode selects automatic or manual target selection. Defaults to
	// automatic.
	Mode DeploymentMode `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Config carries deployment settings such as the SSH key
	// reference, target host, remote user, deploy path, application
	// port and strategy.
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// PlatformAWSEC2 is the only platform the deployer implements.
const PlatformAWSEC2 = "aws_ec2"

// NormalizePlatform canonicalizes a platform tag. Any tag containing
// both "aws" and "ec2" maps to aws_ec2; everything else is lowercased
// and trimmed.
func NormalizePlatform(tag string) string {
	normalized := strings.ToLower(strings.TrimSpace(tag))
	if strings.Contains(normalized, "aws") && strings.Contains(normalized, "ec2") {
		return PlatformAWSEC2
	}
	return normalized
}

// Pipeline is the template runs are created from.
type Pipeline struct {
	ID            string           `yaml:"id,omitempty" json:"id"`
	Name          string           `yaml:"name" json:"name"`
	Repository    string           `yaml:"repository" json:"repository"`
	DefaultBranch string           `yaml:"branch,omitempty" json:"default_branch"`
	Steps         []Step           `yaml:"steps" json:"steps"`
	Trigger       *TriggerConfig   `yaml:"triggers,omitempty" json:"trigger,omitempty"`
	Artifacts     ArtifactPolicy   `yaml:"artifacts,omitempty" json:"artifacts"`
	Deployment    DeploymentPolicy `yaml:"deployment,omitempty" json:"deployment"`
	CreatedBy     string           `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt     time.Time        `yaml:"-" json:"created_at"`
	UpdatedAt     time.Time        `yaml:"-" json:"updated_at"`
}

// Step returns the step with the given name, or nil.
func (p *Pipeline) Step(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// DeploymentConfigured reports whether deploy steps have a target to
// work with.
func (p *Pipeline) DeploymentConfigured() bool {
	return p.Deployment.Enabled && len(p.Deployment.Config) > 0
}

// ArtifactSummary records the outcome of artifact collection for a run.
type ArtifactSummary struct {
	// Collected is set once collection has happened for the run.
	// Records for the run are only visible when it is true.
	Collected bool `json:"collected"`

	// Count is the number of files copied.
	Count int `json:"count"`

	// TotalBytes is the summed size of copied files.
	TotalBytes int64 `json:"total_bytes"`

	// Path is the root of the run's artifact tree.
	Path string `json:"path,omitempty"`

	// ExpiresAt is when the artifacts become eligible for removal.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StepResult tracks the execution of one step within a run.
type StepResult struct {
	// ID matches the pipeline step's ID.
	ID string `json:"id"`

	Name    string `json:"name"`
	Command string `json:"command,omitempty"`

	Status StepStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Output is the combined stdout and stderr of the command.
	Output string `json:"output,omitempty"`

	// Error is set when the step failed.
	Error string `json:"error,omitempty"`

	// Location is the resolved execution site.
	Location RunLocation `json:"location,omitempty"`
}

// Run is a single execution of a pipeline.
type Run struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit,omitempty"`
	Status     RunStatus `json:"status"`

	// TriggeredBy records who or what started the run: a user id,
	// "webhook" or "system" for scheduled runs.
	TriggeredBy string `json:"triggered_by,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// StepResults mirror the pipeline's step list in order.
	StepResults []StepResult `json:"step_results"`

	// Logs is the ordered run log buffer.
	Logs []string `json:"logs,omitempty"`

	// Error is the run-level failure or warning message.
	Error string `json:"error,omitempty"`

	Artifacts ArtifactSummary `json:"artifacts"`
}

// StepResult returns the result with the given step name, or nil.
func (r *Run) StepResult(name string) *StepResult {
	for i := range r.StepResults {
		if r.StepResults[i].Name == name {
			return &r.StepResults[i]
		}
	}
	return nil
}

// ArtifactRecord describes one collected artifact file.
type ArtifactRecord struct {
	// ID is derived from the run id and relative path, so the same
	// file always maps to the same record.
	ID string `json:"id"`

	RunID string `json:"run_id"`

	// Name is the file's base name.
	Name string `json:"name"`

	// RelativePath locates the file under the run's artifact tree.
	RelativePath string `json:"relative_path"`

	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeploymentStatus represents the lifecycle state of an auto deployment.
type DeploymentStatus string

// Deployment statuses.
const (
	DeploymentProvisioning DeploymentStatus = "provisioning"
	DeploymentActive       DeploymentStatus = "active"
	DeploymentUnhealthy    DeploymentStatus = "unhealthy"
	DeploymentTerminated   DeploymentStatus = "terminated"
)

// AutoDeployment binds a pipeline to a provisioned instance.
type AutoDeployment struct {
	ID         string           `json:"id"`
	PipelineID string           `json:"pipeline_id"`
	OwnerID    string           `json:"owner_id,omitempty"`
	InstanceID string           `json:"instance_id"`
	Region     string           `json:"region"`
	Status     DeploymentStatus `json:"status"`

	// SSHKeyID references the key pair used to reach the instance.
	SSHKeyID string `json:"ssh_key_id,omitempty"`

	// Metadata carries provider details such as the public IP and, as
	// a recovery aid, the key pair name.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Metadata keys used by the deployer and provisioner.
const (
	// MetadataPublicIP is the instance's public address.
	MetadataPublicIP = "public_ip"

	// MetadataKeyName is the cloud key pair name, kept so key material
	// can be rediscovered when the stored reference is lost.
	MetadataKeyName = "key_name"

	// MetadataSSHKeyID records a recovered key reference.
	MetadataSSHKeyID = "ssh_key_id"
)

// SSHKey is a stored cloud key pair. PrivateKey is secret material;
// list operations must never include it.
type SSHKey struct {
	ID string `json:"id"`

	// Name is the human-readable label.
	Name string `json:"name"`

	// KeyPairName matches the provider-side key pair.
	KeyPairName string `json:"key_pair_name"`

	// PrivateKey is PEM-encoded private key material.
	PrivateKey string `json:"-"`

	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
