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

// Package runner drives pipeline runs through their step sequence.
//
// A run is created in status running with every step result pending
// and executes on its own goroutine. Steps run strictly in order;
// cancellation and the run-level soft deadline are checked at step
// boundaries, so a step that is already executing drains to its own
// timeout. Terminal state is durable before the workspace is
// released.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/deploy"
	"github.com/lightci/lightci/internal/executor"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
	"github.com/lightci/lightci/pkg/pipeline/expression"
)

// Step names with built-in behavior.
const (
	// SourceStepName marks the checkout step; its command is replaced
	// with a clone of the pipeline repository.
	SourceStepName = "Source"

	// BuildStepName marks the build step; artifacts are collected
	// after it completes.
	BuildStepName = "Build"
)

// TriggerSystem is the synthetic user id recorded on scheduled runs.
const TriggerSystem = "system"

// ErrDraining is returned for new runs while the daemon is shutting
// down.
var ErrDraining = errors.New("daemon is draining, not accepting new runs")

// ErrPipelineBusy is returned when the pipeline already has an active
// run. Triggers that hit it are dropped, not queued.
var ErrPipelineBusy = errors.New("pipeline already has an active run")

// Executor runs local shell commands.
type Executor interface {
	Execute(ctx context.Context, command, workingDir string, env map[string]string) (*executor.Result, error)
}

// Deployer hands off deploy steps and runs commands on the deployed
// host for steps whose location resolves to the target.
type Deployer interface {
	Deploy(ctx context.Context, run *pipeline.Run, pip *pipeline.Pipeline, artifactsPath string) (*deploy.Result, error)
	ExecuteOnTarget(ctx context.Context, pip *pipeline.Pipeline, command string, env map[string]string) (*executor.Result, error)
}

// Collector snapshots workspace files into artifact storage.
type Collector interface {
	Collect(ctx context.Context, run *pipeline.Run, policy pipeline.ArtifactPolicy, workspacePath string) error
	Location(runID string) string
}

// Workspaces manages per-run working directories.
type Workspaces interface {
	Create(runID string) (string, error)
	Remove(runID string) error
}

// MetricsCollector records run and step metrics.
type MetricsCollector interface {
	RecordRunStart(ctx context.Context, runID, pipelineID string)
	RecordRunComplete(ctx context.Context, pipelineID, status, trigger string, duration time.Duration)
	RecordStepComplete(ctx context.Context, pipelineID, stepName, status string, duration time.Duration)
	IncrementQueueDepth()
	DecrementQueueDepth()
}

// Config contains runner configuration.
type Config struct {
	// MaxParallel bounds simultaneously executing runs.
	MaxParallel int

	// RunTimeout is the soft deadline for a whole run, enforced at
	// step boundaries.
	RunTimeout time.Duration

	// StepTimeout bounds a single step command when the step does not
	// set its own.
	StepTimeout time.Duration
}

// activeRun tracks an in-flight run. stopped is closed exactly once
// on cancel; done is closed when the run goroutine exits.
type activeRun struct {
	pipelineID string
	stopped    chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// Runner executes pipeline runs.
type Runner struct {
	cfg       Config
	pipelines backend.PipelineStore
	runs      backend.RunStore

	workspaces Workspaces
	exec       Executor
	collector  Collector
	deployer   Deployer
	evaluator  *expression.Evaluator

	hub    *Hub
	logger *slog.Logger

	semaphore chan struct{}
	draining  atomic.Bool

	mu      sync.Mutex
	active  map[string]*activeRun
	metrics MetricsCollector
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithDeployer sets the deployer for deploy steps. Without one,
// deploy steps fail.
func WithDeployer(d Deployer) Option {
	return func(r *Runner) { r.deployer = d }
}

// New creates a Runner.
func New(cfg Config, be backend.Backend, workspaces Workspaces, exec Executor, collector Collector, logger *slog.Logger, opts ...Option) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Hour
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Minute
	}

	r := &Runner{
		cfg:        cfg,
		pipelines:  be,
		runs:       be,
		workspaces: workspaces,
		exec:       exec,
		collector:  collector,
		evaluator:  expression.New(),
		hub:        NewHub(),
		logger:     log.WithComponent(logger, "runner"),
		semaphore:  make(chan struct{}, cfg.MaxParallel),
		active:     make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartRun creates a run for the pipeline and begins background
// execution. The returned run is a snapshot; execution proceeds
// asynchronously. At most one run per pipeline may be active.
func (r *Runner) StartRun(ctx context.Context, pipelineID, branch, commit, triggeredBy string) (*pipeline.Run, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}

	pip, err := r.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = pip.DefaultBranch
	}

	run := &pipeline.Run{
		ID:          uuid.NewString(),
		PipelineID:  pip.ID,
		Branch:      branch,
		Commit:      commit,
		Status:      pipeline.RunRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now(),
		StepResults: initialStepResults(pip),
	}

	// Reserve the pipeline under the lock before touching the store;
	// concurrent triggers serialize here instead of racing the insert.
	ar := &activeRun{
		pipelineID: pip.ID,
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.mu.Lock()
	for _, other := range r.active {
		if other.pipelineID == pip.ID {
			r.mu.Unlock()
			return nil, ErrPipelineBusy
		}
	}
	r.active[run.ID] = ar
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}

	// The store check covers active rows this process does not track,
	// e.g. written by a previous daemon before ResumeInterrupted ran.
	active, err := r.runs.ActiveRun(ctx, pip.ID)
	if err != nil {
		release()
		return nil, err
	}
	if active != nil {
		release()
		return nil, ErrPipelineBusy
	}

	if err := r.runs.CreateRun(ctx, run); err != nil {
		release()
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RecordRunStart(ctx, run.ID, pip.ID)
		r.metrics.IncrementQueueDepth()
	}

	r.logger.Info("run started",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.PipelineIDKey, pip.ID),
		slog.String("branch", branch),
		slog.String("triggered_by", triggeredBy))

	go r.execute(cloneRun(run), pip, ar)

	return run, nil
}

func initialStepResults(pip *pipeline.Pipeline) []pipeline.StepResult {
	results := make([]pipeline.StepResult, len(pip.Steps))
	for i, step := range pip.Steps {
		results[i] = pipeline.StepResult{
			ID:      step.ID,
			Name:    step.Name,
			Command: step.Command,
			Status:  pipeline.StepPending,
		}
	}
	return results
}

// Cancel requests cancellation of a run. The currently executing step
// drains; no further steps start. Cancelling a finished or unknown
// run is an error.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	ar, ok := r.active[runID]
	r.mu.Unlock()

	if !ok {
		run, err := r.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return &errors.ValidationError{
			Field:   "run",
			Message: "run is already " + string(run.Status),
		}
	}

	ar.cancelOnce.Do(func() { close(ar.stopped) })
	r.logger.Info("run cancellation requested", slog.String(log.RunIDKey, runID))
	return nil
}

// Subscribe returns a channel of run events (logs and step status
// updates) and an unsubscribe function.
func (r *Runner) Subscribe(runID string) (<-chan Event, func()) {
	return r.hub.Subscribe(runID)
}

// StartDraining stops the runner accepting new runs.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the runner is draining.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// ActiveRunCount returns the number of in-flight runs.
func (r *Runner) ActiveRunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// WaitForDrain blocks until all active runs finish or the timeout
// elapses.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := r.ActiveRunCount(); remaining > 0 {
				return errors.Wrapf(ErrDraining, "drain timeout with %d run(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if r.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}

// ResumeInterrupted fails any run left in status running by a previous
// daemon process. Called once at startup, before the runner accepts
// work.
func (r *Runner) ResumeInterrupted(ctx context.Context) (int, error) {
	stale, err := r.runs.ListRuns(ctx, backend.RunFilter{Status: pipeline.RunRunning})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, run := range stale {
		now := time.Now()
		run.Status = pipeline.RunFailed
		run.Error = "interrupted by daemon restart"
		run.CompletedAt = &now
		if err := r.runs.UpdateRun(ctx, run); err != nil {
			r.logger.Warn("failed to fail interrupted run",
				slog.String(log.RunIDKey, run.ID),
				slog.String("error", err.Error()))
			continue
		}
		r.logger.Info("failed interrupted run", slog.String(log.RunIDKey, run.ID))
		count++
	}
	return count, nil
}
