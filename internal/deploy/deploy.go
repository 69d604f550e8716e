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

// Package deploy releases a run's artifacts onto an EC2 instance over
// SSH. Targets come from the pipeline's deployment config (manual
// mode) or from a reused or freshly provisioned instance (automatic
// mode). Two strategies are supported: a standard in-place release
// and a blue/green release with a health-checked traffic switch.
package deploy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/metrics"
	"github.com/lightci/lightci/internal/executor"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/internal/provision"
	"github.com/lightci/lightci/internal/sshkey"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// ErrAuthFailed is returned when no key candidate authenticates
// against the target host.
var ErrAuthFailed = errors.New("SSH key authentication failed and recovery attempts were unsuccessful")

// Result reports a deployment outcome.
type Result struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Logs    []string          `json:"logs,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// EventType identifies a deployment notification.
type EventType string

// Deployment events.
const (
	EventStart    EventType = "deployment:start"
	EventComplete EventType = "deployment:complete"
	EventError    EventType = "deployment:error"
)

// Event is an in-process deployment notification fed into the
// runner's log stream. Events are not persisted.
type Event struct {
	Type       EventType
	RunID      string
	PipelineID string
	Success    bool
	Error      string
}

// Notifier receives deployment events.
type Notifier func(Event)

// Runner is the slice of the command executor the deployer uses.
type Runner interface {
	Execute(ctx context.Context, command, workingDir string, env map[string]string) (*executor.Result, error)
	ExecuteRemote(ctx context.Context, command string, target executor.Remote, env map[string]string) (*executor.Result, error)
	StartRemoteApp(ctx context.Context, command string, target executor.Remote, appPort int, env map[string]string) (*executor.Result, error)
	Upload(ctx context.Context, localPath string, target executor.Remote, remotePath string) (*executor.Result, error)
}

// CandidateSource supplies SSH key candidates in probe order.
type CandidateSource interface {
	Candidates(ctx context.Context, configKeyID string, deployment *pipeline.AutoDeployment) []sshkey.Candidate
}

// InstanceProvider provisions, retires and health-checks instances.
type InstanceProvider interface {
	Provision(ctx context.Context, ownerID, pipelineID string) (*pipeline.AutoDeployment, *provision.Instance, error)
	Terminate(ctx context.Context, deploymentID string) error
	HealthCheck(ctx context.Context, instanceID string) (bool, error)
}

// Deployer releases artifacts onto deployment targets.
type Deployer struct {
	runner      Runner
	keys        CandidateSource
	instances   InstanceProvider
	deployments backend.DeploymentStore
	logger      *slog.Logger

	notify             Notifier
	healthPollInterval time.Duration
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithNotifier registers a deployment event receiver.
func WithNotifier(n Notifier) Option {
	return func(d *Deployer) { d.notify = n }
}

// WithHealthPollInterval overrides the blue/green health poll
// interval.
func WithHealthPollInterval(interval time.Duration) Option {
	return func(d *Deployer) {
		if interval > 0 {
			d.healthPollInterval = interval
		}
	}
}

// New creates a deployer.
func New(runner Runner, keys CandidateSource, instances InstanceProvider, deployments backend.DeploymentStore, logger *slog.Logger, opts ...Option) *Deployer {
	d := &Deployer{
		runner:             runner,
		keys:               keys,
		instances:          instances,
		deployments:        deployments,
		logger:             log.WithComponent(logger, "deploy"),
		notify:             func(Event) {},
		healthPollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy releases the run's collected artifacts. It is idempotent
// with respect to active deployments: a healthy bound instance is
// reused, not replaced. A *Result with Success=false reports a deploy
// that ran and failed; an error reports one that could not run.
func (d *Deployer) Deploy(ctx context.Context, run *pipeline.Run, pip *pipeline.Pipeline, artifactsPath string) (*Result, error) {
	logger := log.WithRunContext(d.logger, run.ID, pip.ID)
	d.notify(Event{Type: EventStart, RunID: run.ID, PipelineID: pip.ID})

	result, err := d.deploy(ctx, logger, pip, artifactsPath)
	if err != nil {
		metrics.RecordDeployment(pip.ID, "error")
		d.notify(Event{Type: EventError, RunID: run.ID, PipelineID: pip.ID, Error: err.Error()})
		return nil, err
	}

	if result.Success {
		metrics.RecordDeployment(pip.ID, "success")
	} else {
		metrics.RecordDeployment(pip.ID, "failure")
	}
	d.notify(Event{Type: EventComplete, RunID: run.ID, PipelineID: pip.ID, Success: result.Success})
	return result, nil
}

func (d *Deployer) deploy(ctx context.Context, logger *slog.Logger, pip *pipeline.Pipeline, artifactsPath string) (*Result, error) {
	if !pip.Deployment.Enabled {
		return nil, &errors.ValidationError{
			Field:      "deployment",
			Message:    "deployment is not enabled for this pipeline",
			Suggestion: "set deployment.enabled in the pipeline definition",
		}
	}

	platform := pipeline.NormalizePlatform(pip.Deployment.Platform)
	if platform != pipeline.PlatformAWSEC2 {
		logger.Info("unsupported deployment platform", slog.String("platform", platform))
		return &Result{
			Success: false,
			Message: "not yet implemented",
			Details: map[string]string{"platform": platform},
		}, nil
	}

	cfg, err := ParseConfig(pip.Deployment.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Strategy == StrategyBlueGreen {
		if err := cfg.validateBlueGreen(); err != nil {
			return nil, err
		}
	}

	tgt, err := d.selectTarget(ctx, logger, pip, cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("host", tgt.host))

	keyFile, candidate, err := d.authenticate(ctx, logger, cfg, tgt)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return &Result{Success: false, Message: err.Error()}, nil
		}
		return nil, err
	}
	defer keyFile.Remove()
	d.recordRecoveredKey(ctx, logger, tgt, candidate)

	rel := &release{
		d:       d,
		logger:  logger,
		cfg:     cfg,
		tgt:     tgt,
		keyPath: keyFile.Path,
	}

	if cfg.Strategy == StrategyBlueGreen {
		return d.blueGreenRelease(ctx, rel, artifactsPath)
	}
	return d.standardRelease(ctx, rel, artifactsPath)
}

// ExecuteOnTarget runs a single command on the pipeline's deployment
// target, in the deploy path. The runner uses this for steps that
// execute on the deployed host after a deploy step has succeeded; the
// target resolution and key handling are the same as for a deploy.
func (d *Deployer) ExecuteOnTarget(ctx context.Context, pip *pipeline.Pipeline, command string, env map[string]string) (*executor.Result, error) {
	cfg, err := ParseConfig(pip.Deployment.Config)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent(d.logger, "deploy").With(slog.String("pipeline_id", pip.ID))
	tgt, err := d.selectTarget(ctx, logger, pip, cfg)
	if err != nil {
		return nil, err
	}

	keyFile, _, err := d.authenticate(ctx, logger, cfg, tgt)
	if err != nil {
		return nil, err
	}
	defer keyFile.Remove()

	remote := executor.Remote{
		User:    cfg.User,
		Host:    tgt.host,
		KeyPath: keyFile.Path,
		WorkDir: cfg.DeployPath,
	}
	return d.runner.ExecuteRemote(ctx, command, remote, env)
}

// target is the resolved deployment destination. deployment is nil
// for manual targets.
type target struct {
	deployment *pipeline.AutoDeployment
	instanceID string
	host       string
}

// selectTarget resolves the instance to deploy to. Manual mode uses
// the config verbatim. Automatic mode reuses the pipeline's active
// deployment when it is healthy, otherwise terminates it and
// provisions a replacement.
func (d *Deployer) selectTarget(ctx context.Context, logger *slog.Logger, pip *pipeline.Pipeline, cfg *Config) (*target, error) {
	if pip.Deployment.Mode == pipeline.DeployManual {
		if cfg.Host == "" {
			return nil, &errors.ValidationError{
				Field:      "host",
				Message:    "manual deployment requires a target host",
				Suggestion: "set deployment.config.host to the instance's public DNS name",
			}
		}
		return &target{instanceID: cfg.InstanceID, host: cfg.Host}, nil
	}

	existing, err := d.deployments.LatestActiveDeployment(ctx, pip.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		healthy, err := d.instances.HealthCheck(ctx, existing.InstanceID)
		if err != nil {
			logger.Warn("health check failed",
				slog.String("instance_id", existing.InstanceID),
				slog.String("error", err.Error()))
			healthy = false
		}
		host := existing.Metadata[pipeline.MetadataPublicIP]
		if healthy && host != "" {
			logger.Info("reusing active deployment",
				slog.String("deployment_id", existing.ID),
				slog.String("instance_id", existing.InstanceID))
			return &target{deployment: existing, instanceID: existing.InstanceID, host: host}, nil
		}

		logger.Info("terminating unhealthy deployment",
			slog.String("deployment_id", existing.ID),
			slog.String("instance_id", existing.InstanceID))
		if err := d.instances.Terminate(ctx, existing.ID); err != nil {
			logger.Warn("failed to terminate unhealthy deployment",
				slog.String("error", err.Error()))
		}
	}

	created, instance, err := d.instances.Provision(ctx, pip.CreatedBy, pip.ID)
	if err != nil {
		return nil, errors.Wrap(err, "provisioning deployment target")
	}
	host := instance.PublicDNS
	if host == "" {
		host = instance.PublicIP
	}
	return &target{deployment: created, instanceID: instance.InstanceID, host: host}, nil
}

// authenticate probes key candidates against the target with an
// echo-back command until one works. The winning material is staged
// as a 0600 temp file the caller must Remove.
func (d *Deployer) authenticate(ctx context.Context, logger *slog.Logger, cfg *Config, tgt *target) (*sshkey.KeyFile, sshkey.Candidate, error) {
	candidates := d.keys.Candidates(ctx, cfg.SSHKeyID, tgt.deployment)
	for _, candidate := range candidates {
		keyFile, err := sshkey.WriteTemp(candidate.Material)
		if err != nil {
			logger.Warn("failed to stage key material",
				slog.String("source", candidate.Source),
				slog.String("error", err.Error()))
			continue
		}

		remote := executor.Remote{User: cfg.User, Host: tgt.host, KeyPath: keyFile.Path}
		result, err := d.runner.ExecuteRemote(ctx, "echo ok", remote, nil)
		if err == nil && strings.Contains(result.Output, "ok") {
			logger.Info("ssh authentication succeeded", slog.String("source", candidate.Source))
			return keyFile, candidate, nil
		}

		keyFile.Remove()
		logger.Debug("ssh key candidate rejected", slog.String("source", candidate.Source))
		if ctx.Err() != nil {
			return nil, sshkey.Candidate{}, ctx.Err()
		}
	}
	return nil, sshkey.Candidate{}, ErrAuthFailed
}

// recordRecoveredKey notes a working stored key on the deployment so
// the next run probes it first. Disk-recovered material has no stored
// reference to record.
func (d *Deployer) recordRecoveredKey(ctx context.Context, logger *slog.Logger, tgt *target, candidate sshkey.Candidate) {
	dep := tgt.deployment
	if dep == nil || candidate.KeyID == "" {
		return
	}
	if dep.SSHKeyID == candidate.KeyID || dep.Metadata[pipeline.MetadataSSHKeyID] == candidate.KeyID {
		return
	}

	if dep.Metadata == nil {
		dep.Metadata = make(map[string]string)
	}
	dep.Metadata[pipeline.MetadataSSHKeyID] = candidate.KeyID
	if err := d.deployments.UpdateDeployment(ctx, dep); err != nil {
		logger.Warn("failed to record recovered key", slog.String("error", err.Error()))
		return
	}
	logger.Info("recovered key recorded on deployment", slog.String("key_id", candidate.KeyID))
}
