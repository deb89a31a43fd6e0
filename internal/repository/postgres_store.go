package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"buildtriage/backend/pkg/models"
)

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_documents (
	id UUID PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	version INT NOT NULL,
	is_latest BOOLEAN NOT NULL DEFAULT TRUE,
	name TEXT NOT NULL DEFAULT '',
	document TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workflow_id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id UUID PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	workflow_version INT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	context JSONB NOT NULL,
	current_node TEXT NOT NULL,
	step_count INT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id UUID NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	seq INT NOT NULL,
	node_id TEXT NOT NULL,
	attempt INT NOT NULL,
	input JSONB,
	output JSONB,
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs (started_at DESC);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveWorkflow inserts a new workflow document version inside a transaction,
// demoting the previous latest version of the same workflow.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, record *models.WorkflowRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE workflow_documents SET is_latest = FALSE, updated_at = now() WHERE workflow_id = $1 AND is_latest`,
		record.WorkflowID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_documents (id, workflow_id, version, is_latest, name, document, created_by)
		 VALUES ($1, $2, $3, TRUE, $4, $5, $6)`,
		record.ID, record.WorkflowID, record.Version, record.Name, record.Document, record.CreatedBy); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const workflowColumns = `id, workflow_id, version, is_latest, name, document, created_by, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.WorkflowRecord, error) {
	var rec models.WorkflowRecord
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.Version, &rec.IsLatest, &rec.Name,
		&rec.Document, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetWorkflow returns the latest version of a workflow document.
func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (*models.WorkflowRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_documents WHERE workflow_id = $1 AND is_latest`,
		workflowID)
	return scanWorkflow(row)
}

// GetWorkflowVersion returns one specific document version.
func (s *PostgresStore) GetWorkflowVersion(ctx context.Context, workflowID string, version int) (*models.WorkflowRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_documents WHERE workflow_id = $1 AND version = $2`,
		workflowID, version)
	return scanWorkflow(row)
}

// ListWorkflows returns the latest version of every stored workflow.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflow_documents WHERE is_latest ORDER BY workflow_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveRun stores a terminal run and its step history atomically. The engine
// calls this once per run, after the run reaches a terminal status.
func (s *PostgresStore) SaveRun(ctx context.Context, state models.RunState) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (run_id, workflow_id, workflow_version, status, reason, context, current_node, step_count, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		state.RunID, state.WorkflowID, state.WorkflowVersion, string(state.Status), string(state.Reason),
		state.Context, state.CurrentNode, state.StepCount, state.StartedAt, state.CompletedAt); err != nil {
		return err
	}

	for seq, step := range state.History {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_steps (run_id, seq, node_id, attempt, input, output, error, started_at, duration_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			state.RunID, seq, step.NodeID, step.Attempt, step.Input, step.Output,
			step.Error, step.StartedAt, step.Duration.Milliseconds()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetRun loads a finished run with its ordered step records.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.RunState, error) {
	var (
		state  models.RunState
		status string
		reason string
	)
	err := s.db.QueryRow(ctx,
		`SELECT run_id, workflow_id, workflow_version, status, reason, context, current_node, step_count, started_at, completed_at
		 FROM runs WHERE run_id = $1`, runID).
		Scan(&state.RunID, &state.WorkflowID, &state.WorkflowVersion, &status, &reason,
			&state.Context, &state.CurrentNode, &state.StepCount, &state.StartedAt, &state.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state.Status = models.RunStatus(status)
	state.Reason = models.FailureReason(reason)

	rows, err := s.db.Query(ctx,
		`SELECT node_id, attempt, input, output, error, started_at, duration_ms
		 FROM run_steps WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step       models.StepRecord
			durationMS int64
		)
		if err := rows.Scan(&step.NodeID, &step.Attempt, &step.Input, &step.Output,
			&step.Error, &step.StartedAt, &durationMS); err != nil {
			return nil, err
		}
		step.Duration = time.Duration(durationMS) * time.Millisecond
		state.History = append(state.History, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &state, nil
}

// ListRuns returns finished run summaries, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT run_id, workflow_id, status, reason, current_node, step_count, started_at, completed_at
		 FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.RunSummary
	for rows.Next() {
		var (
			summary models.RunSummary
			status  string
			reason  string
		)
		if err := rows.Scan(&summary.RunID, &summary.WorkflowID, &status, &reason,
			&summary.CurrentNode, &summary.StepCount, &summary.StartedAt, &summary.CompletedAt); err != nil {
			return nil, err
		}
		summary.Status = models.RunStatus(status)
		summary.Reason = models.FailureReason(reason)
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}
