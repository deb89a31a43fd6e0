package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildtriage/backend/internal/repository"
	"buildtriage/backend/pkg/models"
)

const seedDoc = `
id: build-triage
version: 1
name: Build failure triage
entry_node: work
nodes:
  - id: work
    handler: echo
  - id: done
    terminal: true
edges:
  - from: work
    to: done
    default: true
`

type fakeWorkflowStore struct {
	existing  map[string]*models.WorkflowRecord
	lookupErr error
	saved     []*models.WorkflowRecord
}

func (f *fakeWorkflowStore) SaveWorkflow(_ context.Context, record *models.WorkflowRecord) error {
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeWorkflowStore) GetWorkflow(_ context.Context, workflowID string) (*models.WorkflowRecord, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if rec, ok := f.existing[workflowID]; ok {
		return rec, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeWorkflowStore) GetWorkflowVersion(context.Context, string, int) (*models.WorkflowRecord, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeWorkflowStore) ListWorkflows(context.Context) ([]*models.WorkflowRecord, error) {
	return nil, nil
}

func writeSeedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build_triage.yaml"), []byte(seedDoc), 0o644))
	return dir
}

func TestSeedWorkflowsStoresNewDocument(t *testing.T) {
	store := &fakeWorkflowStore{}
	err := seedWorkflows(context.Background(), store, writeSeedDir(t), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "build-triage", store.saved[0].WorkflowID)
	assert.Equal(t, 1, store.saved[0].Version)
	assert.True(t, store.saved[0].IsLatest)
}

func TestSeedWorkflowsSkipsExisting(t *testing.T) {
	store := &fakeWorkflowStore{
		existing: map[string]*models.WorkflowRecord{
			"build-triage": {WorkflowID: "build-triage", Version: 3},
		},
	}
	err := seedWorkflows(context.Background(), store, writeSeedDir(t), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Empty(t, store.saved)
}

func TestSeedWorkflowsAbortsOnLookupError(t *testing.T) {
	store := &fakeWorkflowStore{lookupErr: errors.New("connection refused")}
	err := seedWorkflows(context.Background(), store, writeSeedDir(t), slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, store.saved, "a transient lookup failure must not trigger seeding")
}
