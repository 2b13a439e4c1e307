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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.JobStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.DeploymentStore = (*Backend)(nil)
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

	// SQLite serializes writes; one connection keeps run number allocation
	// and job updates strictly ordered.
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

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			run_number INTEGER NOT NULL,
			workflow_type TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			initiated_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			initiated_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (project_id, workflow_type, app_id, run_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			job_number INTEGER NOT NULL,
			title TEXT NOT NULL,
			job_type TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			failure_kind TEXT NOT NULL DEFAULT '',
			compensated INTEGER NOT NULL DEFAULT 0,
			dependencies TEXT NOT NULL DEFAULT '[]',
			outputs TEXT,
			initiated_at TEXT,
			completed_at TEXT,
			UNIQUE (run_id, job_number),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_sequences (
			project_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			last_number INTEGER NOT NULL,
			PRIMARY KEY (project_id, workflow_type, app_id)
		)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			project_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			configuration TEXT,
			last_deployed_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			previous_status TEXT NOT NULL DEFAULT '',
			last_run_id TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (project_id, app_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun creates a new run with its jobs in one transaction.
func (b *Backend) CreateRun(ctx context.Context, run *workflow.WorkflowRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, run_number, workflow_type, app_id, initiated_by,
			status, status_reason, initiated_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.RunNumber, string(run.WorkflowType), run.AppID, run.InitiatedBy,
		string(run.Status), run.StatusReason, formatTime(run.InitiatedAt), formatTime(run.CompletedAt),
		run.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "run", ID: run.ID, Reason: "run id or number already used"}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	for i := range run.Jobs {
		if err := insertJob(ctx, tx, &run.Jobs[i]); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_sequences (project_id, workflow_type, app_id, last_number)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, workflow_type, app_id)
		DO UPDATE SET last_number = MAX(last_number, excluded.last_number)`,
		run.ProjectID, string(run.WorkflowType), run.AppID, run.RunNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to advance run sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *workflow.WorkflowJob) error {
	deps, outputs, err := marshalJobFields(job)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, run_id, job_number, title, job_type, app_id, status, status_reason,
			failure_kind, compensated, dependencies, outputs, initiated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.JobNumber, job.Title, string(job.Type), job.AppID,
		string(job.Status), job.StatusReason, string(job.FailureKind), job.Compensated,
		deps, outputs, formatTime(job.InitiatedAt), formatTime(job.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "job", ID: job.ID, Reason: "job id or number already used"}
		}
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

const runColumns = `id, project_id, run_number, workflow_type, app_id, initiated_by,
	status, status_reason, initiated_at, completed_at, created_at`

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*workflow.WorkflowRun, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := b.loadJobs(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRunByNumber retrieves a run by scope and number.
func (b *Backend) GetRunByNumber(ctx context.Context, key backend.RunKey) (*workflow.WorkflowRun, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE project_id = ? AND workflow_type = ? AND app_id = ? AND run_number = ?`,
		key.ProjectID, string(key.WorkflowType), key.AppID, key.RunNumber,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%s/%s#%d", key.ProjectID, key.WorkflowType, key.RunNumber)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := b.loadJobs(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (b *Backend) loadJobs(ctx context.Context, run *workflow.WorkflowRun) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, job_number, title, job_type, app_id, status, status_reason,
			failure_kind, compensated, dependencies, outputs, initiated_at, completed_at
		FROM jobs WHERE run_id = ? ORDER BY job_number`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	defer rows.Close()

	run.Jobs = []workflow.WorkflowJob{}
	for rows.Next() {
		var job workflow.WorkflowJob
		var deps string
		var outputs, initiatedAt, completedAt sql.NullString

		if err := rows.Scan(
			&job.ID, &job.RunID, &job.JobNumber, &job.Title, &job.Type, &job.AppID,
			&job.Status, &job.StatusReason, &job.FailureKind, &job.Compensated,
			&deps, &outputs, &initiatedAt, &completedAt,
		); err != nil {
			return fmt.Errorf("failed to scan job: %w", err)
		}

		if err := json.Unmarshal([]byte(deps), &job.Dependencies); err != nil {
			return fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
		if outputs.Valid && outputs.String != "" {
			if err := json.Unmarshal([]byte(outputs.String), &job.Outputs); err != nil {
				return fmt.Errorf("failed to unmarshal outputs: %w", err)
			}
		}
		job.InitiatedAt = parseTime(initiatedAt)
		job.CompletedAt = parseTime(completedAt)
		run.Jobs = append(run.Jobs, job)
	}
	return rows.Err()
}

// UpdateRun updates run-level fields.
func (b *Backend) UpdateRun(ctx context.Context, run *workflow.WorkflowRun) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, status_reason = ?, initiated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status), run.StatusReason, formatTime(run.InitiatedAt), formatTime(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// UpdateJob updates one job of a run.
func (b *Backend) UpdateJob(ctx context.Context, job *workflow.WorkflowJob) error {
	deps, outputs, err := marshalJobFields(job)
	if err != nil {
		return err
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET title = ?, status = ?, status_reason = ?, failure_kind = ?, compensated = ?,
			dependencies = ?, outputs = ?, initiated_at = ?, completed_at = ?
		WHERE id = ? AND run_id = ?`,
		job.Title, string(job.Status), job.StatusReason, string(job.FailureKind), job.Compensated,
		deps, outputs, formatTime(job.InitiatedAt), formatTime(job.CompletedAt),
		job.ID, job.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "job", ID: job.ID}
	}
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*workflow.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.WorkflowType != "" {
		query += " AND workflow_type = ?"
		args = append(args, string(filter.WorkflowType))
	}
	if filter.AppID != "" {
		query += " AND app_id = ?"
		args = append(args, filter.AppID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY created_at DESC, run_number DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*workflow.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// NextRunNumber allocates the next run number for scope.
func (b *Backend) NextRunNumber(ctx context.Context, scope backend.RunScope) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO run_sequences (project_id, workflow_type, app_id, last_number)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (project_id, workflow_type, app_id)
		DO UPDATE SET last_number = last_number + 1
		RETURNING last_number`,
		scope.ProjectID, string(scope.WorkflowType), scope.AppID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate run number: %w", err)
	}
	return n, nil
}

// GetDeployment returns the record for an app.
func (b *Backend) GetDeployment(ctx context.Context, projectID, appID string) (*workflow.ApplicationDeployment, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT project_id, app_id, configuration, last_deployed_version, status,
			previous_status, last_run_id, updated_at
		FROM deployments WHERE project_id = ? AND app_id = ?`, projectID, appID)
	d, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "deployment", ID: projectID + "/" + appID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// SaveDeployment creates or replaces the record for an app.
func (b *Backend) SaveDeployment(ctx context.Context, d *workflow.ApplicationDeployment) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}

	var configJSON any
	if d.Configuration != nil {
		data, err := json.Marshal(d.Configuration)
		if err != nil {
			return fmt.Errorf("failed to marshal configuration: %w", err)
		}
		configJSON = string(data)
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO deployments (project_id, app_id, configuration, last_deployed_version,
			status, previous_status, last_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, app_id) DO UPDATE SET
			configuration = excluded.configuration,
			last_deployed_version = excluded.last_deployed_version,
			status = excluded.status,
			previous_status = excluded.previous_status,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at`,
		d.ProjectID, d.AppID, configJSON, d.LastDeployedVersion,
		string(d.Status), string(d.PreviousStatus), d.LastRunID,
		d.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}
	return nil
}

// ListDeployments returns a project's records ordered by app id.
func (b *Backend) ListDeployments(ctx context.Context, projectID string) ([]*workflow.ApplicationDeployment, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT project_id, app_id, configuration, last_deployed_version, status,
			previous_status, last_run_id, updated_at
		FROM deployments WHERE project_id = ? ORDER BY app_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var result []*workflow.ApplicationDeployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*workflow.WorkflowRun, error) {
	var run workflow.WorkflowRun
	var initiatedAt, completedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&run.ID, &run.ProjectID, &run.RunNumber, &run.WorkflowType, &run.AppID, &run.InitiatedBy,
		&run.Status, &run.StatusReason, &initiatedAt, &completedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	run.InitiatedAt = parseTime(initiatedAt)
	run.CompletedAt = parseTime(completedAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &run, nil
}

func scanDeployment(row scanner) (*workflow.ApplicationDeployment, error) {
	var d workflow.ApplicationDeployment
	var configJSON sql.NullString
	var updatedAt string

	err := row.Scan(
		&d.ProjectID, &d.AppID, &configJSON, &d.LastDeployedVersion, &d.Status,
		&d.PreviousStatus, &d.LastRunID, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &d.Configuration); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
		}
	}
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}

func marshalJobFields(job *workflow.WorkflowJob) (string, any, error) {
	deps := job.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	var outputs any
	if job.Outputs != nil {
		data, err := json.Marshal(job.Outputs)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal outputs: %w", err)
		}
		outputs = string(data)
	}
	return string(depsJSON), outputs, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// timeFormat is fixed width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time pointer for SQL storage.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
