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

// Step execution: the per-run goroutine that walks the step list,
// resolves each step's command and execution site, and drives the run
// to a terminal status.

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lightci/lightci/internal/deploy"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

const tracerName = "github.com/lightci/lightci/internal/daemon/runner"

// sourceCommand is what a step named "Source" actually runs: a clone
// of the pipeline repository into the empty workspace at the run's
// branch.
func sourceCommand(repository, branch string) string {
	return fmt.Sprintf("git clone %s . && git checkout %s", repository, branch)
}

// execute drives a run to completion on its own goroutine. The
// workspace is removed on every exit path, after the terminal state
// has been persisted.
func (r *Runner) execute(run *pipeline.Run, pip *pipeline.Pipeline, ar *activeRun) {
	defer close(ar.done)
	defer func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}()

	ctx := context.Background()
	logger := log.WithRunContext(r.logger, run.ID, pip.ID)

	// Wait for a run slot. Cancellation here never started executing.
	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-ar.stopped:
		if r.metrics != nil {
			r.metrics.DecrementQueueDepth()
		}
		r.logRun(run, "info", "run cancelled before execution started", "")
		r.finish(ctx, run, pip, pipeline.RunCancelled, "")
		return
	}
	if r.metrics != nil {
		r.metrics.DecrementQueueDepth()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("pipeline.id", pip.ID),
			attribute.String("pipeline.name", pip.Name),
			attribute.String("run.branch", run.Branch),
		))
	defer span.End()

	workspacePath, err := r.workspaces.Create(run.ID)
	if err != nil {
		logger.Error("workspace creation failed", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "workspace creation failed")
		r.finish(ctx, run, pip, pipeline.RunFailed, fmt.Sprintf("workspace creation failed: %v", err))
		return
	}
	defer func() {
		// Cleanup errors are logged and swallowed.
		if err := r.workspaces.Remove(run.ID); err != nil {
			logger.Warn("workspace cleanup failed", slog.String("error", err.Error()))
		}
	}()

	r.logRun(run, "info", fmt.Sprintf("starting pipeline %s on %s", pip.Name, run.Branch), "")
	r.runSteps(ctx, logger, run, pip, ar, workspacePath)
}

// runSteps walks the step list in order. The soft deadline and
// cancellation are checked at step boundaries only; a running step
// drains to its own timeout.
func (r *Runner) runSteps(ctx context.Context, logger *slog.Logger, run *pipeline.Run, pip *pipeline.Pipeline, ar *activeRun, workspacePath string) {
	deadline := run.StartedAt.Add(r.cfg.RunTimeout)
	deploymentCompleted := false

	for i := range pip.Steps {
		step := &pip.Steps[i]
		result := &run.StepResults[i]

		select {
		case <-ar.stopped:
			r.logRun(run, "info", "run cancelled", "")
			r.finish(ctx, run, pip, pipeline.RunCancelled, "")
			return
		default:
		}
		if time.Now().After(deadline) {
			r.logRun(run, "error", fmt.Sprintf("run exceeded %s deadline", r.cfg.RunTimeout), "")
			r.finish(ctx, run, pip, pipeline.RunFailed, (&errors.TimeoutError{
				Operation: "pipeline run",
				Duration:  r.cfg.RunTimeout,
			}).Error())
			return
		}

		if step.When != "" {
			proceed, err := r.evaluator.Evaluate(step.When, runContext(run, pip, step))
			if err != nil {
				r.failStep(ctx, run, pip, result, err)
				return
			}
			if !proceed {
				result.Status = pipeline.StepSkipped
				r.persist(ctx, run)
				r.publishStep(run, result)
				r.logRun(run, "info", "step skipped by condition", step.Name)
				continue
			}
		}

		r.executeStep(ctx, logger, run, pip, step, result, workspacePath, &deploymentCompleted)
		if result.Status == pipeline.StepFailed {
			r.finish(ctx, run, pip, pipeline.RunFailed, result.Error)
			return
		}

		// Collection after Build is idempotent with the final pass.
		if step.Name == BuildStepName {
			r.collect(ctx, run, pip, workspacePath)
		}
	}

	r.collect(ctx, run, pip, workspacePath)
	r.finish(ctx, run, pip, pipeline.RunCompleted, "")
}

// executeStep runs one step and records its result. On success the
// result is completed; on failure it is failed with the error
// preserved verbatim.
func (r *Runner) executeStep(ctx context.Context, logger *slog.Logger, run *pipeline.Run, pip *pipeline.Pipeline, step *pipeline.Step, result *pipeline.StepResult, workspacePath string, deploymentCompleted *bool) {
	started := time.Now()
	result.Status = pipeline.StepRunning
	result.StartedAt = &started
	result.Location = pipeline.RunLocal

	command := step.Command
	if step.Name == SourceStepName {
		command = sourceCommand(pip.Repository, run.Branch)
		result.Command = command
	}

	r.persist(ctx, run)
	r.publishStep(run, result)
	r.logRun(run, "info", "step started", step.Name)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("run.id", run.ID),
		))
	defer span.End()

	var output string
	var execErr error

	switch {
	case step.IsDeploy():
		result.Location = pipeline.RunDeployed
		output, execErr = r.runDeployStep(ctx, run, pip, deploymentCompleted)

	case *deploymentCompleted && (step.RunLocation == pipeline.RunDeployed || pip.DeploymentConfigured()):
		result.Location = pipeline.RunDeployed
		if r.deployer == nil {
			execErr = errors.New("no deployer configured")
		} else {
			res, err := r.deployer.ExecuteOnTarget(ctx, pip, command, step.Environment)
			if res != nil {
				output = res.Output
			}
			execErr = err
		}

	default:
		stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout(step))
		res, err := r.exec.Execute(stepCtx, command, workspacePath, step.Environment)
		cancel()
		if res != nil {
			output = res.Output
		}
		execErr = err
	}

	completed := time.Now()
	result.CompletedAt = &completed
	result.Output = output

	status := pipeline.StepCompleted
	if execErr != nil {
		status = pipeline.StepFailed
		result.Error = execErr.Error()
		span.SetStatus(codes.Error, execErr.Error())
		r.logRun(run, "error", fmt.Sprintf("step failed: %v", execErr), step.Name)
		logger.Error("step failed",
			slog.String(log.StepKey, step.Name),
			slog.String("error", execErr.Error()))
	} else {
		r.logRun(run, "info", "step completed", step.Name)
	}
	result.Status = status

	if r.metrics != nil {
		r.metrics.RecordStepComplete(ctx, pip.ID, step.Name, string(status), completed.Sub(started))
	}
	r.persist(ctx, run)
	r.publishStep(run, result)
}

// runDeployStep hands off to the deployer. A deploy that ran and
// failed surfaces its message as the step error; its transcript
// becomes the step output either way.
func (r *Runner) runDeployStep(ctx context.Context, run *pipeline.Run, pip *pipeline.Pipeline, deploymentCompleted *bool) (string, error) {
	if r.deployer == nil {
		return "", errors.New("no deployer configured")
	}

	res, err := r.deployer.Deploy(ctx, run, pip, r.collector.Location(run.ID))
	if err != nil {
		return "", err
	}

	output := strings.Join(res.Logs, "\n")
	if !res.Success {
		return output, errors.New(res.Message)
	}
	*deploymentCompleted = true
	return output, nil
}

// failStep marks a step failed before it ran (condition errors) and
// fails the run.
func (r *Runner) failStep(ctx context.Context, run *pipeline.Run, pip *pipeline.Pipeline, result *pipeline.StepResult, err error) {
	now := time.Now()
	result.Status = pipeline.StepFailed
	result.StartedAt = &now
	result.CompletedAt = &now
	result.Error = err.Error()
	r.persist(ctx, run)
	r.publishStep(run, result)
	r.logRun(run, "error", fmt.Sprintf("step failed: %v", err), result.Name)
	r.finish(ctx, run, pip, pipeline.RunFailed, err.Error())
}

// collect snapshots artifacts. Collection failures are recorded on
// the run's error field without changing the run status.
func (r *Runner) collect(ctx context.Context, run *pipeline.Run, pip *pipeline.Pipeline, workspacePath string) {
	if err := r.collector.Collect(ctx, run, pip.Artifacts, workspacePath); err != nil {
		r.logRun(run, "warn", fmt.Sprintf("artifact collection failed: %v", err), "")
		if run.Error == "" {
			run.Error = fmt.Sprintf("artifact collection failed: %v", err)
		}
	}
	r.persist(ctx, run)
}

// finish transitions the run to a terminal status and persists it.
// This write lands before the workspace is released.
func (r *Runner) finish(ctx context.Context, run *pipeline.Run, pip *pipeline.Pipeline, status pipeline.RunStatus, errMsg string) {
	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	if errMsg != "" {
		if run.Error == "" {
			run.Error = errMsg
		} else if !strings.Contains(run.Error, errMsg) {
			run.Error = errMsg + "; " + run.Error
		}
	}

	r.persist(ctx, run)
	r.logRun(run, "info", fmt.Sprintf("run %s", status), "")

	if r.metrics != nil {
		r.metrics.RecordRunComplete(ctx, pip.ID, string(status), run.TriggeredBy, now.Sub(run.StartedAt))
	}
	r.logger.Info("run finished",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.PipelineIDKey, pip.ID),
		slog.String("status", string(status)))
}

// stepTimeout resolves the timeout for a step: its own when set, the
// runner default otherwise.
func (r *Runner) stepTimeout(step *pipeline.Step) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout) * time.Second
	}
	return r.cfg.StepTimeout
}

// runContext builds the variables visible to step conditions.
func runContext(run *pipeline.Run, pip *pipeline.Pipeline, step *pipeline.Step) map[string]interface{} {
	env := make(map[string]interface{}, len(step.Environment))
	for k, v := range step.Environment {
		env[k] = v
	}
	return map[string]interface{}{
		"branch":       run.Branch,
		"commit":       run.Commit,
		"pipeline":     pip.Name,
		"triggered_by": run.TriggeredBy,
		"env":          env,
	}
}

// DeploymentNotifier adapts deployer events into the run event
// stream so subscribers see deployment progress inline.
func (r *Runner) DeploymentNotifier() deploy.Notifier {
	return func(e deploy.Event) {
		level := "info"
		message := string(e.Type)
		switch e.Type {
		case deploy.EventComplete:
			message = fmt.Sprintf("%s success=%t", e.Type, e.Success)
		case deploy.EventError:
			level = "error"
			message = fmt.Sprintf("%s %s", e.Type, e.Error)
		}
		r.hub.Publish(e.RunID, Event{
			Timestamp: time.Now(),
			Level:     level,
			Message:   message,
		})
	}
}
