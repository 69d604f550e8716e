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

// Package memory provides an in-memory backend implementation. State
// is lost on restart; it exists for tests and throwaway daemons.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.PipelineStore   = (*Backend)(nil)
	_ backend.ArtifactStore   = (*Backend)(nil)
	_ backend.DeploymentStore = (*Backend)(nil)
	_ backend.SSHKeyStore     = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Values are copied on write
// and read so callers never share mutable state with the store.
type Backend struct {
	mu          sync.RWMutex
	pipelines   map[string]*pipeline.Pipeline
	runs        map[string]*pipeline.Run
	artifacts   map[string]*pipeline.ArtifactRecord
	deployments map[string]*pipeline.AutoDeployment
	keys        map[string]*pipeline.SSHKey
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		pipelines:   make(map[string]*pipeline.Pipeline),
		runs:        make(map[string]*pipeline.Run),
		artifacts:   make(map[string]*pipeline.ArtifactRecord),
		deployments: make(map[string]*pipeline.AutoDeployment),
		keys:        make(map[string]*pipeline.SSHKey),
	}
}

// CreatePipeline creates a new pipeline.
func (b *Backend) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pipelines[p.ID]; exists {
		return fmt.Errorf("pipeline already exists: %s", p.ID)
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	b.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// GetPipeline retrieves a pipeline by ID.
func (b *Backend) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, exists := b.pipelines[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: id}
	}
	return clonePipeline(p), nil
}

// GetPipelineByRepository finds the pipeline for a repository URL.
func (b *Backend) GetPipelineByRepository(ctx context.Context, repoURL string) (*pipeline.Pipeline, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.pipelines {
		if p.Repository == repoURL {
			return clonePipeline(p), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "pipeline", ID: repoURL}
}

// ListPipelines returns all pipelines ordered by name.
func (b *Backend) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pipelines := make([]*pipeline.Pipeline, 0, len(b.pipelines))
	for _, p := range b.pipelines {
		pipelines = append(pipelines, clonePipeline(p))
	}
	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].Name < pipelines[j].Name
	})
	return pipelines, nil
}

// UpdatePipeline replaces an existing pipeline.
func (b *Backend) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, exists := b.pipelines[p.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "pipeline", ID: p.ID}
	}

	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	b.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// DeletePipeline removes a pipeline and cascades to its runs and
// their artifact records.
func (b *Backend) DeletePipeline(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pipelines[id]; !exists {
		return &errors.NotFoundError{Resource: "pipeline", ID: id}
	}
	delete(b.pipelines, id)

	for runID, run := range b.runs {
		if run.PipelineID != id {
			continue
		}
		delete(b.runs, runID)
		for artifactID, a := range b.artifacts {
			if a.RunID == runID {
				delete(b.artifacts, artifactID)
			}
		}
	}
	return nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *pipeline.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	b.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return cloneRun(run), nil
}

// UpdateRun updates an existing run. Terminal runs are frozen.
func (b *Backend) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, exists := b.runs[run.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	if existing.Status.IsTerminal() {
		return backend.ErrRunFinalized
	}
	b.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*pipeline.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var runs []*pipeline.Run
	for _, run := range b.runs {
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ExpiredBefore != nil {
			if !run.Artifacts.Collected || run.Artifacts.ExpiresAt == nil {
				continue
			}
			if !run.Artifacts.ExpiresAt.Before(*filter.ExpiredBefore) {
				continue
			}
		}
		runs = append(runs, cloneRun(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// ActiveRun returns the pipeline's current pending or running run.
func (b *Backend) ActiveRun(ctx context.Context, pipelineID string) (*pipeline.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var active *pipeline.Run
	for _, run := range b.runs {
		if run.PipelineID != pipelineID {
			continue
		}
		if run.Status != pipeline.RunPending && run.Status != pipeline.RunRunning {
			continue
		}
		if active == nil || run.StartedAt.After(active.StartedAt) {
			active = run
		}
	}
	if active == nil {
		return nil, nil
	}
	return cloneRun(active), nil
}

// CreateArtifact persists one artifact record, replacing any existing
// record with the same ID.
func (b *Backend) CreateArtifact(ctx context.Context, a *pipeline.ArtifactRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	clone := *a
	b.artifacts[a.ID] = &clone
	return nil
}

// GetArtifact retrieves an artifact record by ID.
func (b *Backend) GetArtifact(ctx context.Context, id string) (*pipeline.ArtifactRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	a, exists := b.artifacts[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: id}
	}
	clone := *a
	return &clone, nil
}

// ListArtifacts returns the run's artifact records ordered by path.
func (b *Backend) ListArtifacts(ctx context.Context, runID string) ([]*pipeline.ArtifactRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var artifacts []*pipeline.ArtifactRecord
	for _, a := range b.artifacts {
		if a.RunID == runID {
			clone := *a
			artifacts = append(artifacts, &clone)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].RelativePath < artifacts[j].RelativePath
	})
	return artifacts, nil
}

// DeleteRunArtifacts removes all records belonging to a run.
func (b *Backend) DeleteRunArtifacts(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, a := range b.artifacts {
		if a.RunID == runID {
			delete(b.artifacts, id)
		}
	}
	return nil
}

// ExpireRunArtifacts removes a run's artifact records and clears its
// artifact expiry so retention sweeps do not revisit the run.
func (b *Backend) ExpireRunArtifacts(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, a := range b.artifacts {
		if a.RunID == runID {
			delete(b.artifacts, id)
		}
	}

	run, ok := b.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	run.Artifacts.Count = 0
	run.Artifacts.TotalBytes = 0
	run.Artifacts.Path = ""
	run.Artifacts.ExpiresAt = nil
	return nil
}

// CreateDeployment persists a new deployment binding. A second active
// deployment for the same pipeline is rejected.
func (b *Backend) CreateDeployment(ctx context.Context, d *pipeline.AutoDeployment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.deployments[d.ID]; exists {
		return fmt.Errorf("deployment already exists: %s", d.ID)
	}
	if d.Status == pipeline.DeploymentActive {
		if err := b.checkNoActiveLocked(d.PipelineID, d.ID); err != nil {
			return err
		}
	}

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	b.deployments[d.ID] = cloneDeployment(d)
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (b *Backend) GetDeployment(ctx context.Context, id string) (*pipeline.AutoDeployment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, exists := b.deployments[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "deployment", ID: id}
	}
	return cloneDeployment(d), nil
}

// UpdateDeployment updates an existing deployment.
func (b *Backend) UpdateDeployment(ctx context.Context, d *pipeline.AutoDeployment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.deployments[d.ID]; !exists {
		return &errors.NotFoundError{Resource: "deployment", ID: d.ID}
	}
	if d.Status == pipeline.DeploymentActive {
		if err := b.checkNoActiveLocked(d.PipelineID, d.ID); err != nil {
			return err
		}
	}
	b.deployments[d.ID] = cloneDeployment(d)
	return nil
}

// checkNoActiveLocked enforces the single-active-deployment invariant.
// Caller must hold the write lock.
func (b *Backend) checkNoActiveLocked(pipelineID, excludeID string) error {
	for _, other := range b.deployments {
		if other.ID == excludeID {
			continue
		}
		if other.PipelineID == pipelineID && other.Status == pipeline.DeploymentActive {
			return fmt.Errorf("pipeline %s already has an active deployment: %s", pipelineID, other.ID)
		}
	}
	return nil
}

// LatestActiveDeployment returns the newest active deployment for a
// pipeline, or nil when there is none.
func (b *Backend) LatestActiveDeployment(ctx context.Context, pipelineID string) (*pipeline.AutoDeployment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var latest *pipeline.AutoDeployment
	for _, d := range b.deployments {
		if d.PipelineID != pipelineID || d.Status != pipeline.DeploymentActive {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneDeployment(latest), nil
}

// ListDeployments returns a pipeline's deployments newest first.
func (b *Backend) ListDeployments(ctx context.Context, pipelineID string) ([]*pipeline.AutoDeployment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var deployments []*pipeline.AutoDeployment
	for _, d := range b.deployments {
		if d.PipelineID == pipelineID {
			deployments = append(deployments, cloneDeployment(d))
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// CreateSSHKey persists a new key pair.
func (b *Backend) CreateSSHKey(ctx context.Context, k *pipeline.SSHKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.keys[k.ID]; exists {
		return fmt.Errorf("ssh key already exists: %s", k.ID)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	clone := *k
	b.keys[k.ID] = &clone
	return nil
}

// GetSSHKey retrieves a key by ID, including private material.
func (b *Backend) GetSSHKey(ctx context.Context, id string) (*pipeline.SSHKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	k, exists := b.keys[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "ssh key", ID: id}
	}
	clone := *k
	return &clone, nil
}

// GetSSHKeyByName retrieves a key by name or cloud key pair name.
func (b *Backend) GetSSHKeyByName(ctx context.Context, name string) (*pipeline.SSHKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var newest *pipeline.SSHKey
	for _, k := range b.keys {
		if k.Name != name && k.KeyPairName != name {
			continue
		}
		if newest == nil || k.CreatedAt.After(newest.CreatedAt) {
			newest = k
		}
	}
	if newest == nil {
		return nil, &errors.NotFoundError{Resource: "ssh key", ID: name}
	}
	clone := *newest
	return &clone, nil
}

// ListSSHKeys returns all keys with private material redacted.
func (b *Backend) ListSSHKeys(ctx context.Context) ([]*pipeline.SSHKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]*pipeline.SSHKey, 0, len(b.keys))
	for _, k := range b.keys {
		clone := *k
		clone.PrivateKey = ""
		keys = append(keys, &clone)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

// DeleteSSHKey removes a key.
func (b *Backend) DeleteSSHKey(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.keys[id]; !exists {
		return &errors.NotFoundError{Resource: "ssh key", ID: id}
	}
	delete(b.keys, id)
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}

// Clone helpers keep stored state isolated from callers.

func clonePipeline(p *pipeline.Pipeline) *pipeline.Pipeline {
	clone := *p
	clone.Steps = make([]pipeline.Step, len(p.Steps))
	copy(clone.Steps, p.Steps)
	for i := range clone.Steps {
		clone.Steps[i].Environment = cloneMap(p.Steps[i].Environment)
	}
	if p.Trigger != nil {
		trigger := *p.Trigger
		if p.Trigger.Schedule != nil {
			schedule := *p.Trigger.Schedule
			trigger.Schedule = &schedule
		}
		trigger.Events = append([]string(nil), p.Trigger.Events...)
		trigger.Branches = append([]string(nil), p.Trigger.Branches...)
		clone.Trigger = &trigger
	}
	clone.Artifacts.Patterns = append([]string(nil), p.Artifacts.Patterns...)
	clone.Deployment.Config = cloneMap(p.Deployment.Config)
	return &clone
}

func cloneRun(r *pipeline.Run) *pipeline.Run {
	clone := *r
	clone.StepResults = make([]pipeline.StepResult, len(r.StepResults))
	copy(clone.StepResults, r.StepResults)
	for i := range clone.StepResults {
		clone.StepResults[i].StartedAt = cloneTime(r.StepResults[i].StartedAt)
		clone.StepResults[i].CompletedAt = cloneTime(r.StepResults[i].CompletedAt)
	}
	clone.Logs = append([]string(nil), r.Logs...)
	clone.CompletedAt = cloneTime(r.CompletedAt)
	clone.Artifacts.ExpiresAt = cloneTime(r.Artifacts.ExpiresAt)
	return &clone
}

func cloneDeployment(d *pipeline.AutoDeployment) *pipeline.AutoDeployment {
	clone := *d
	clone.Metadata = cloneMap(d.Metadata)
	return &clone
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
