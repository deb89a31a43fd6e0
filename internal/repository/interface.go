// Package repository persists workflow documents and finished runs. Saved
// documents are the versioned source of truth for seeding the engine's
// definition cache; run rows exist for dashboards and post-hoc inspection,
// never for resuming execution.
package repository

import (
	"context"
	"errors"

	"buildtriage/backend/pkg/models"
)

// ErrNotFound is returned when a workflow or run row does not exist.
var ErrNotFound = errors.New("not found")

// WorkflowStore persists versioned workflow documents.
type WorkflowStore interface {
	// SaveWorkflow inserts a new version of a workflow document and marks it
	// latest, demoting any previous latest version.
	SaveWorkflow(ctx context.Context, record *models.WorkflowRecord) error
	// GetWorkflow returns the latest version of a workflow.
	GetWorkflow(ctx context.Context, workflowID string) (*models.WorkflowRecord, error)
	// GetWorkflowVersion returns one specific version.
	GetWorkflowVersion(ctx context.Context, workflowID string, version int) (*models.WorkflowRecord, error)
	// ListWorkflows returns the latest version of every workflow.
	ListWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error)
}

// RunStore persists terminal run states with their step history.
type RunStore interface {
	// SaveRun stores a finished run and its ordered step records.
	SaveRun(ctx context.Context, state models.RunState) error
	// GetRun loads a finished run, history included.
	GetRun(ctx context.Context, runID string) (*models.RunState, error)
	// ListRuns returns summaries of finished runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
}

// Store combines both persistence concerns.
type Store interface {
	WorkflowStore
	RunStore
}
