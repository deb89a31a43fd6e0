package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildtriage/backend/internal/engine"
	"buildtriage/backend/internal/handlers"
	"buildtriage/backend/internal/repository"
	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

type memoryStore struct {
	mu        sync.Mutex
	workflows map[string][]*models.WorkflowRecord
	runs      map[string]models.RunState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		workflows: make(map[string][]*models.WorkflowRecord),
		runs:      make(map[string]models.RunState),
	}
}

func (s *memoryStore) SaveWorkflow(_ context.Context, record *models.WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.workflows[record.WorkflowID] {
		rec.IsLatest = false
	}
	s.workflows[record.WorkflowID] = append(s.workflows[record.WorkflowID], record)
	return nil
}

func (s *memoryStore) GetWorkflow(_ context.Context, workflowID string) (*models.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.workflows[workflowID]
	if len(versions) == 0 {
		return nil, repository.ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *memoryStore) GetWorkflowVersion(_ context.Context, workflowID string, version int) (*models.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.workflows[workflowID] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memoryStore) ListWorkflows(_ context.Context) ([]*models.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest []*models.WorkflowRecord
	for _, versions := range s.workflows {
		latest = append(latest, versions[len(versions)-1])
	}
	return latest, nil
}

func (s *memoryStore) SaveRun(_ context.Context, state models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.RunID] = state
	return nil
}

func (s *memoryStore) GetRun(_ context.Context, runID string) (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &state, nil
}

func (s *memoryStore) ListRuns(_ context.Context, _ int) ([]models.RunSummary, error) {
	return nil, nil
}

type fixture struct {
	e     *echo.Echo
	runs  *engine.Manager
	store *memoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	doc := models.WorkflowDefinition{
		ID:        "build-triage",
		Version:   1,
		EntryNode: "work",
		Nodes: []models.Node{
			{ID: "work", Handler: "echo_input"},
			{ID: "done", Terminal: true},
		},
		Edges: []models.Edge{
			{Source: "work", Target: "done", Default: true},
		},
	}
	def, err := workflow.Compile(doc, workflow.Resources{})
	require.NoError(t, err)
	registry, err := workflow.NewRegistry(def)
	require.NoError(t, err)

	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register("echo_input", handlers.Func(
		func(_ context.Context, req handlers.Request) (map[string]any, error) {
			return map[string]any{"seen": req.Context["payload"] != nil}, nil
		})))

	log := slog.New(slog.DiscardHandler)
	store := newMemoryStore()
	runs := engine.NewManager(engine.New(reg, nil, engine.Config{}, log), registry, store, log)

	e := echo.New()
	server := NewServer(runs, registry, store, workflow.Resources{}, "build-triage", log)
	server.Register(e, e.Group("/api/v1"))

	return &fixture{e: e, runs: runs, store: store}
}

func (f *fixture) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
}

func TestSubmitAndQueryRun(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/runs", echo.MIMEApplicationJSON,
		`{"workflow_id":"build-triage","input":{"payload":{"job_name":"deploy"}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)

	f.runs.Wait()

	rec = f.do(http.MethodGet, "/api/v1/runs/"+resp.RunID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, models.RunStatusCompleted, summary.Status)

	rec = f.do(http.MethodGet, "/api/v1/runs/"+resp.RunID+"/history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.StepRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "work", history[0].NodeID)

	rec = f.do(http.MethodGet, "/api/v1/runs", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRunValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/runs", echo.MIMEApplicationJSON, `{"input":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/problem+json")

	rec = f.do(http.MethodPost, "/api/v1/runs", echo.MIMEApplicationJSON, `{"workflow_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunQueriesFallBackToStore(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/runs/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	saved := models.RunState{
		RunID:      "archived",
		WorkflowID: "build-triage",
		Status:     models.RunStatusCompleted,
		History:    []models.StepRecord{{NodeID: "work", Attempt: 1}},
	}
	require.NoError(t, f.store.SaveRun(context.Background(), saved))

	rec = f.do(http.MethodGet, "/api/v1/runs/archived", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/runs/archived/history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/runs/ghost/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	submit := f.do(http.MethodPost, "/api/v1/runs", echo.MIMEApplicationJSON,
		`{"workflow_id":"build-triage","input":{}}`)
	require.Equal(t, http.StatusAccepted, submit.Code)
	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(submit.Body.Bytes(), &resp))
	f.runs.Wait()

	rec = f.do(http.MethodPost, "/api/v1/runs/"+resp.RunID+"/cancel", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJenkinsWebhook(t *testing.T) {
	f := newFixture(t)

	t.Run("completed build starts a run", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/webhooks/jenkins", echo.MIMEApplicationJSON,
			`{"name":"deploy","build":{"number":12,"phase":"COMPLETED","status":"FAILURE","full_url":"http://ci/job/deploy/12/"}}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp SubmitRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		f.runs.Wait()

		state, err := f.runs.State(resp.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, state.Status)
		assert.Equal(t, true, state.Context["seen"])
	})

	t.Run("started phase is ignored", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/webhooks/jenkins", echo.MIMEApplicationJSON,
			`{"name":"deploy","build":{"number":13,"phase":"STARTED"}}`)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing job name is rejected", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/webhooks/jenkins", echo.MIMEApplicationJSON,
			`{"build":{"number":13,"phase":"COMPLETED","status":"SUCCESS"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

const validWorkflowYAML = `
id: nightly-triage
name: Nightly triage
entry_node: work
nodes:
  - id: work
    handler: echo_input
  - id: done
    terminal: true
edges:
  - from: work
    to: done
    default: true
`

func TestPutWorkflow(t *testing.T) {
	f := newFixture(t)

	t.Run("stores yaml body as version 1", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/v1/workflows", "application/yaml", validWorkflowYAML)
		require.Equal(t, http.StatusOK, rec.Code)

		var record models.WorkflowRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
		assert.Equal(t, "nightly-triage", record.WorkflowID)
		assert.Equal(t, 1, record.Version)
	})

	t.Run("next put bumps the version", func(t *testing.T) {
		body, err := json.Marshal(PutWorkflowRequest{Document: validWorkflowYAML})
		require.NoError(t, err)
		rec := f.do(http.MethodPut, "/api/v1/workflows", echo.MIMEApplicationJSON, string(body))
		require.Equal(t, http.StatusOK, rec.Code)

		var record models.WorkflowRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
		assert.Equal(t, 2, record.Version)
	})

	t.Run("structural problems are rejected", func(t *testing.T) {
		bad := strings.Replace(validWorkflowYAML, "entry_node: work", "entry_node: ghost", 1)
		rec := f.do(http.MethodPut, "/api/v1/workflows", "application/yaml", bad)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestListWorkflows(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/workflows", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var defs []models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "build-triage", defs[0].ID)
}
