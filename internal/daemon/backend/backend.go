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

// Package backend provides durable storage for pipelines, runs,
// artifact records, auto deployments and SSH keys.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on
// what they use:
//
//   - RunStore (core, required): create, get, update and list runs
//   - PipelineStore: pipeline CRUD and repository lookup
//   - ArtifactStore: artifact records per run
//   - DeploymentStore: auto deployment bindings
//   - SSHKeyStore: key pairs, with material redacted on list
//
// The Backend interface composes all of these for full-featured
// implementations. Components should accept the narrowest interface
// that covers their needs.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lightci/lightci/pkg/pipeline"
)

// ErrRunFinalized is returned when updating a run that has already
// reached a terminal status. Terminal runs are frozen.
var ErrRunFinalized = errors.New("run is finalized")

// RunStore is the core interface for run storage operations.
type RunStore interface {
	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *pipeline.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)

	// UpdateRun updates an existing run. Updating a run that is
	// already terminal returns ErrRunFinalized; the transition into a
	// terminal status is the last write accepted.
	UpdateRun(ctx context.Context, run *pipeline.Run) error

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*pipeline.Run, error)

	// ActiveRun returns the pipeline's current pending or running run,
	// or nil when there is none.
	ActiveRun(ctx context.Context, pipelineID string) (*pipeline.Run, error)
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	// PipelineID restricts results to one pipeline.
	PipelineID string

	// Status restricts results to one run status.
	Status pipeline.RunStatus

	// ExpiredBefore restricts results to runs whose collected
	// artifacts expire before the given time.
	ExpiredBefore *time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// PipelineStore stores pipeline templates.
type PipelineStore interface {
	// CreatePipeline persists a new pipeline.
	CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error

	// GetPipeline retrieves a pipeline by ID.
	GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)

	// GetPipelineByRepository finds the pipeline built from the given
	// repository URL. Used by the webhook adapter.
	GetPipelineByRepository(ctx context.Context, repoURL string) (*pipeline.Pipeline, error)

	// ListPipelines returns all pipelines ordered by name.
	ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error)

	// UpdatePipeline replaces an existing pipeline.
	UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error

	// DeletePipeline removes a pipeline and, through ownership, its
	// runs and their artifact records.
	DeletePipeline(ctx context.Context, id string) error
}

// ArtifactStore stores artifact records. Records become visible once
// the owning run's artifact summary is marked collected.
type ArtifactStore interface {
	// CreateArtifact persists one artifact record. Creating a record
	// with an existing ID replaces it; collection is idempotent.
	CreateArtifact(ctx context.Context, a *pipeline.ArtifactRecord) error

	// GetArtifact retrieves an artifact record by ID.
	GetArtifact(ctx context.Context, id string) (*pipeline.ArtifactRecord, error)

	// ListArtifacts returns the run's artifact records ordered by path.
	ListArtifacts(ctx context.Context, runID string) ([]*pipeline.ArtifactRecord, error)

	// DeleteRunArtifacts removes all records belonging to a run.
	DeleteRunArtifacts(ctx context.Context, runID string) error

	// ExpireRunArtifacts removes a run's artifact records and clears
	// its artifact expiry so retention sweeps do not revisit it. The
	// run itself stays frozen; only artifact state changes.
	ExpireRunArtifacts(ctx context.Context, runID string) error
}

// DeploymentStore stores auto deployment bindings. At most one
// deployment per pipeline may hold status active.
type DeploymentStore interface {
	// CreateDeployment persists a new deployment binding.
	CreateDeployment(ctx context.Context, d *pipeline.AutoDeployment) error

	// GetDeployment retrieves a deployment by ID.
	GetDeployment(ctx context.Context, id string) (*pipeline.AutoDeployment, error)

	// UpdateDeployment updates an existing deployment.
	UpdateDeployment(ctx context.Context, d *pipeline.AutoDeployment) error

	// LatestActiveDeployment returns the newest active deployment for
	// a pipeline, or nil when there is none.
	LatestActiveDeployment(ctx context.Context, pipelineID string) (*pipeline.AutoDeployment, error)

	// ListDeployments returns a pipeline's deployments newest first.
	ListDeployments(ctx context.Context, pipelineID string) ([]*pipeline.AutoDeployment, error)
}

// SSHKeyStore stores cloud key pairs. Only GetSSHKey returns private
// key material; ListSSHKeys always redacts it.
type SSHKeyStore interface {
	// CreateSSHKey persists a new key pair.
	CreateSSHKey(ctx context.Context, k *pipeline.SSHKey) error

	// GetSSHKey retrieves a key by ID, including private material.
	GetSSHKey(ctx context.Context, id string) (*pipeline.SSHKey, error)

	// GetSSHKeyByName retrieves a key by name or cloud key pair name,
	// including private material. Used by deployment recovery.
	GetSSHKeyByName(ctx context.Context, name string) (*pipeline.SSHKey, error)

	// ListSSHKeys returns all keys with PrivateKey cleared.
	ListSSHKeys(ctx context.Context) ([]*pipeline.SSHKey, error)

	// DeleteSSHKey removes a key.
	DeleteSSHKey(ctx context.Context, id string) error
}

// Backend composes all storage capabilities.
type Backend interface {
	PipelineStore
	RunStore
	ArtifactStore
	DeploymentStore
	SSHKeyStore
	io.Closer
}
