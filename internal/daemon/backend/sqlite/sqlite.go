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

// Package sqlite provides a SQLite backend implementation for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

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

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repository TEXT NOT NULL,
			default_branch TEXT NOT NULL,
			steps TEXT NOT NULL,
			trigger_config TEXT,
			artifact_policy TEXT,
			deployment_policy TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_repository ON pipelines(repository)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_name ON pipelines(name)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			branch TEXT NOT NULL,
			commit_hash TEXT,
			status TEXT NOT NULL,
			triggered_by TEXT,
			step_results TEXT NOT NULL,
			logs TEXT,
			error TEXT,
			artifact_summary TEXT,
			artifacts_collected INTEGER DEFAULT 0,
			artifacts_expire_at TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_id ON runs(pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			content_type TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id)`,
		`CREATE TABLE IF NOT EXISTS auto_deployments (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			owner_id TEXT,
			instance_id TEXT NOT NULL,
			region TEXT NOT NULL,
			status TEXT NOT NULL,
			ssh_key_id TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_pipeline_id ON auto_deployments(pipeline_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_one_active
			ON auto_deployments(pipeline_id) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS ssh_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key_pair_name TEXT NOT NULL,
			private_key TEXT NOT NULL,
			owner_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ssh_keys_name ON ssh_keys(name)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreatePipeline creates a new pipeline.
func (b *Backend) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	triggerJSON, err := marshalOptional(p.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	artifactsJSON, err := json.Marshal(p.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact policy: %w", err)
	}
	deploymentJSON, err := json.Marshal(p.Deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment policy: %w", err)
	}

	query := `
		INSERT INTO pipelines (id, name, repository, default_branch, steps,
			trigger_config, artifact_policy, deployment_policy, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = b.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Repository, p.DefaultBranch, string(stepsJSON),
		nullBytes(triggerJSON), string(artifactsJSON), string(deploymentJSON),
		nullString(p.CreatedBy), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

const pipelineColumns = `id, name, repository, default_branch, steps,
	trigger_config, artifact_policy, deployment_policy, created_by, created_at, updated_at`

// GetPipeline retrieves a pipeline by ID.
func (b *Backend) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`
	p, err := b.scanPipeline(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// GetPipelineByRepository finds the pipeline for a repository URL.
func (b *Backend) GetPipelineByRepository(ctx context.Context, repoURL string) (*pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE repository = ? LIMIT 1`
	p, err := b.scanPipeline(b.db.QueryRowContext(ctx, query, repoURL))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: repoURL}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline by repository: %w", err)
	}
	return p, nil
}

// ListPipelines returns all pipelines ordered by name.
func (b *Backend) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines ORDER BY name`
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*pipeline.Pipeline
	for rows.Next() {
		p, err := b.scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// UpdatePipeline replaces an existing pipeline.
func (b *Backend) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	triggerJSON, err := marshalOptional(p.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	artifactsJSON, err := json.Marshal(p.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact policy: %w", err)
	}
	deploymentJSON, err := json.Marshal(p.Deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment policy: %w", err)
	}

	query := `
		UPDATE pipelines SET
			name = ?, repository = ?, default_branch = ?, steps = ?,
			trigger_config = ?, artifact_policy = ?, deployment_policy = ?,
			created_by = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		p.Name, p.Repository, p.DefaultBranch, string(stepsJSON),
		nullBytes(triggerJSON), string(artifactsJSON), string(deploymentJSON),
		nullString(p.CreatedBy), now.Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return &errors.NotFoundError{Resource: "pipeline", ID: p.ID}
	}

	p.UpdatedAt = now
	return nil
}

// DeletePipeline removes a pipeline. Runs and artifact records cascade.
func (b *Backend) DeletePipeline(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM pipelines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return &errors.NotFoundError{Resource: "pipeline", ID: id}
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func (b *Backend) scanPipeline(row scanner) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var stepsJSON string
	var triggerJSON, artifactsJSON, deploymentJSON, createdBy sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&p.ID, &p.Name, &p.Repository, &p.DefaultBranch, &stepsJSON,
		&triggerJSON, &artifactsJSON, &deploymentJSON, &createdBy,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		var trigger pipeline.TriggerConfig
		if err := json.Unmarshal([]byte(triggerJSON.String), &trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
		p.Trigger = &trigger
	}
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &p.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact policy: %w", err)
		}
	}
	if deploymentJSON.Valid && deploymentJSON.String != "" {
		if err := json.Unmarshal([]byte(deploymentJSON.String), &p.Deployment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deployment policy: %w", err)
		}
	}
	if createdBy.Valid {
		p.CreatedBy = createdBy.String
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &p, nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *pipeline.Run) error {
	stepResultsJSON, err := json.Marshal(run.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}
	logsJSON, err := json.Marshal(run.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal logs: %w", err)
	}
	summaryJSON, err := json.Marshal(run.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact summary: %w", err)
	}

	query := `
		INSERT INTO runs (id, pipeline_id, branch, commit_hash, status, triggered_by,
			step_results, logs, error, artifact_summary, artifacts_collected, artifacts_expire_at,
			started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = b.db.ExecContext(ctx, query,
		run.ID, run.PipelineID, run.Branch, nullString(run.Commit),
		string(run.Status), nullString(run.TriggeredBy),
		string(stepResultsJSON), string(logsJSON), nullString(run.Error),
		string(summaryJSON), boolInt(run.Artifacts.Collected), formatTime(run.Artifacts.ExpiresAt),
		run.StartedAt.Format(time.RFC3339), formatTime(run.CompletedAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, pipeline_id, branch, commit_hash, status, triggered_by,
	step_results, logs, error, artifact_summary, started_at, completed_at`

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	run, err := b.scanRun(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates an existing run. Terminal runs are frozen: the
// write that moves a run into a terminal status is the last accepted.
func (b *Backend) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	stepResultsJSON, err := json.Marshal(run.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}
	logsJSON, err := json.Marshal(run.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal logs: %w", err)
	}
	summaryJSON, err := json.Marshal(run.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact summary: %w", err)
	}

	query := `
		UPDATE runs SET
			branch = ?, commit_hash = ?, status = ?, triggered_by = ?,
			step_results = ?, logs = ?, error = ?, artifact_summary = ?,
			artifacts_collected = ?, artifacts_expire_at = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		run.Branch, nullString(run.Commit), string(run.Status), nullString(run.TriggeredBy),
		string(stepResultsJSON), string(logsJSON), nullString(run.Error),
		string(summaryJSON), boolInt(run.Artifacts.Collected), formatTime(run.Artifacts.ExpiresAt),
		run.StartedAt.Format(time.RFC3339), formatTime(run.CompletedAt),
		now.Format(time.RFC3339), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		var status string
		err := b.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", run.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "run", ID: run.ID}
		}
		if err != nil {
			return fmt.Errorf("failed to check run status: %w", err)
		}
		return backend.ErrRunFinalized
	}

	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*pipeline.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conditions []string
	var args []any

	if filter.PipelineID != "" {
		conditions = append(conditions, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExpiredBefore != nil {
		conditions = append(conditions, "artifacts_collected = 1 AND artifacts_expire_at IS NOT NULL AND artifacts_expire_at < ?")
		args = append(args, filter.ExpiredBefore.Format(time.RFC3339))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := b.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ActiveRun returns the pipeline's current pending or running run.
func (b *Backend) ActiveRun(ctx context.Context, pipelineID string) (*pipeline.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE pipeline_id = ? AND status IN ('pending', 'running')
		ORDER BY started_at DESC LIMIT 1`

	run, err := b.scanRun(b.db.QueryRowContext(ctx, query, pipelineID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

func (b *Backend) scanRun(row scanner) (*pipeline.Run, error) {
	var run pipeline.Run
	var commit, triggeredBy, logsJSON, errorStr, summaryJSON sql.NullString
	var stepResultsJSON, startedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.PipelineID, &run.Branch, &commit, &run.Status, &triggeredBy,
		&stepResultsJSON, &logsJSON, &errorStr, &summaryJSON,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if commit.Valid {
		run.Commit = commit.String
	}
	if triggeredBy.Valid {
		run.TriggeredBy = triggeredBy.String
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if err := json.Unmarshal([]byte(stepResultsJSON), &run.StepResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}
	if logsJSON.Valid && logsJSON.String != "" {
		if err := json.Unmarshal([]byte(logsJSON.String), &run.Logs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
		}
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &run.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact summary: %w", err)
		}
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}

	return &run, nil
}

// CreateArtifact persists one artifact record, replacing any existing
// record with the same ID.
func (b *Backend) CreateArtifact(ctx context.Context, a *pipeline.ArtifactRecord) error {
	query := `
		INSERT OR REPLACE INTO artifacts (id, run_id, name, relative_path, size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, query,
		a.ID, a.RunID, a.Name, a.RelativePath, a.Size,
		nullString(a.ContentType), a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact record by ID.
func (b *Backend) GetArtifact(ctx context.Context, id string) (*pipeline.ArtifactRecord, error) {
	query := `SELECT id, run_id, name, relative_path, size, content_type, created_at
		FROM artifacts WHERE id = ?`

	var a pipeline.ArtifactRecord
	var contentType sql.NullString
	var createdAt string

	err := b.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.RunID, &a.Name, &a.RelativePath, &a.Size, &contentType, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	if contentType.Valid {
		a.ContentType = contentType.String
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

// ListArtifacts returns the run's artifact records ordered by path.
func (b *Backend) ListArtifacts(ctx context.Context, runID string) ([]*pipeline.ArtifactRecord, error) {
	query := `SELECT id, run_id, name, relative_path, size, content_type, created_at
		FROM artifacts WHERE run_id = ? ORDER BY relative_path`

	rows, err := b.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*pipeline.ArtifactRecord
	for rows.Next() {
		var a pipeline.ArtifactRecord
		var contentType sql.NullString
		var createdAt string

		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.RelativePath, &a.Size, &contentType, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if contentType.Valid {
			a.ContentType = contentType.String
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// DeleteRunArtifacts removes all records belonging to a run.
func (b *Backend) DeleteRunArtifacts(ctx context.Context, runID string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM artifacts WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
}

// ExpireRunArtifacts removes a run's artifact records and clears its
// artifact expiry so retention sweeps do not revisit the run. The
// summary keeps collected=true; only the stored files and counts go.
func (b *Backend) ExpireRunArtifacts(ctx context.Context, runID string) error {
	if err := b.DeleteRunArtifacts(ctx, runID); err != nil {
		return err
	}

	var summaryJSON string
	err := b.db.QueryRowContext(ctx, "SELECT artifact_summary FROM runs WHERE id = ?", runID).Scan(&summaryJSON)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("failed to load artifact summary: %w", err)
	}

	var summary pipeline.ArtifactSummary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return fmt.Errorf("failed to decode artifact summary: %w", err)
	}
	summary.Count = 0
	summary.TotalBytes = 0
	summary.Path = ""
	summary.ExpiresAt = nil

	updated, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact summary: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		"UPDATE runs SET artifact_summary = ?, artifacts_expire_at = NULL, updated_at = ? WHERE id = ?",
		string(updated), time.Now().Format(time.RFC3339), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear artifact expiry: %w", err)
	}
	return nil
}

// CreateDeployment persists a new deployment binding. The unique
// active index rejects a second active deployment per pipeline.
func (b *Backend) CreateDeployment(ctx context.Context, d *pipeline.AutoDeployment) error {
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO auto_deployments (id, pipeline_id, owner_id, instance_id, region,
			status, ssh_key_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = b.db.ExecContext(ctx, query,
		d.ID, d.PipelineID, nullString(d.OwnerID), d.InstanceID, d.Region,
		string(d.Status), nullString(d.SSHKeyID), string(metadataJSON),
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	d.CreatedAt = createdAt
	return nil
}

const deploymentColumns = `id, pipeline_id, owner_id, instance_id, region, status, ssh_key_id, metadata, created_at`

// GetDeployment retrieves a deployment by ID.
func (b *Backend) GetDeployment(ctx context.Context, id string) (*pipeline.AutoDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM auto_deployments WHERE id = ?`
	d, err := b.scanDeployment(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "deployment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeployment updates an existing deployment.
func (b *Backend) UpdateDeployment(ctx context.Context, d *pipeline.AutoDeployment) error {
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE auto_deployments SET
			pipeline_id = ?, owner_id = ?, instance_id = ?, region = ?,
			status = ?, ssh_key_id = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := b.db.ExecContext(ctx, query,
		d.PipelineID, nullString(d.OwnerID), d.InstanceID, d.Region,
		string(d.Status), nullString(d.SSHKeyID), string(metadataJSON),
		time.Now().Format(time.RFC3339), d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return &errors.NotFoundError{Resource: "deployment", ID: d.ID}
	}
	return nil
}

// LatestActiveDeployment returns the newest active deployment for a
// pipeline, or nil when there is none.
func (b *Backend) LatestActiveDeployment(ctx context.Context, pipelineID string) (*pipeline.AutoDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM auto_deployments
		WHERE pipeline_id = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`

	d, err := b.scanDeployment(b.db.QueryRowContext(ctx, query, pipelineID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns a pipeline's deployments newest first.
func (b *Backend) ListDeployments(ctx context.Context, pipelineID string) ([]*pipeline.AutoDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM auto_deployments
		WHERE pipeline_id = ? ORDER BY created_at DESC`

	rows, err := b.db.QueryContext(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*pipeline.AutoDeployment
	for rows.Next() {
		d, err := b.scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func (b *Backend) scanDeployment(row scanner) (*pipeline.AutoDeployment, error) {
	var d pipeline.AutoDeployment
	var ownerID, sshKeyID, metadataJSON sql.NullString
	var createdAt string

	err := row.Scan(
		&d.ID, &d.PipelineID, &ownerID, &d.InstanceID, &d.Region,
		&d.Status, &sshKeyID, &metadataJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if ownerID.Valid {
		d.OwnerID = ownerID.String
	}
	if sshKeyID.Valid {
		d.SSHKeyID = sshKeyID.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &d, nil
}

// CreateSSHKey persists a new key pair.
func (b *Backend) CreateSSHKey(ctx context.Context, k *pipeline.SSHKey) error {
	query := `
		INSERT INTO ssh_keys (id, name, key_pair_name, private_key, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, query,
		k.ID, k.Name, k.KeyPairName, k.PrivateKey,
		nullString(k.OwnerID), k.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create ssh key: %w", err)
	}
	return nil
}

// GetSSHKey retrieves a key by ID, including private material.
func (b *Backend) GetSSHKey(ctx context.Context, id string) (*pipeline.SSHKey, error) {
	query := `SELECT id, name, key_pair_name, private_key, owner_id, created_at
		FROM ssh_keys WHERE id = ?`
	k, err := b.scanSSHKey(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "ssh key", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ssh key: %w", err)
	}
	return k, nil
}

// GetSSHKeyByName retrieves a key by name or cloud key pair name.
func (b *Backend) GetSSHKeyByName(ctx context.Context, name string) (*pipeline.SSHKey, error) {
	query := `SELECT id, name, key_pair_name, private_key, owner_id, created_at
		FROM ssh_keys WHERE name = ? OR key_pair_name = ?
		ORDER BY created_at DESC LIMIT 1`
	k, err := b.scanSSHKey(b.db.QueryRowContext(ctx, query, name, name))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "ssh key", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ssh key by name: %w", err)
	}
	return k, nil
}

// ListSSHKeys returns all keys with private material redacted.
func (b *Backend) ListSSHKeys(ctx context.Context) ([]*pipeline.SSHKey, error) {
	query := `SELECT id, name, key_pair_name, owner_id, created_at
		FROM ssh_keys ORDER BY created_at DESC`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ssh keys: %w", err)
	}
	defer rows.Close()

	var keys []*pipeline.SSHKey
	for rows.Next() {
		var k pipeline.SSHKey
		var ownerID sql.NullString
		var createdAt string

		if err := rows.Scan(&k.ID, &k.Name, &k.KeyPairName, &ownerID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ssh key: %w", err)
		}
		if ownerID.Valid {
			k.OwnerID = ownerID.String
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// DeleteSSHKey removes a key.
func (b *Backend) DeleteSSHKey(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM ssh_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete ssh key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return &errors.NotFoundError{Resource: "ssh key", ID: id}
	}
	return nil
}

func (b *Backend) scanSSHKey(row scanner) (*pipeline.SSHKey, error) {
	var k pipeline.SSHKey
	var ownerID sql.NullString
	var createdAt string

	err := row.Scan(&k.ID, &k.Name, &k.KeyPairName, &k.PrivateKey, &ownerID, &createdAt)
	if err != nil {
		return nil, err
	}
	if ownerID.Valid {
		k.OwnerID = ownerID.String
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &k, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// boolInt converts a bool to 0 or 1 for integer columns.
func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// marshalOptional marshals a pointer value, returning nil bytes for nil.
func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
