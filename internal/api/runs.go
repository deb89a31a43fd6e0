package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"buildtriage/backend/internal/engine"
	"buildtriage/backend/internal/repository"
)

// SubmitRunRequest is the body of POST /api/v1/runs.
type SubmitRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Input      map[string]any `json:"input"`
}

// SubmitRunResponse acknowledges an accepted run.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// SubmitRun starts a run asynchronously.
// (POST /api/v1/runs)
func (s *Server) SubmitRun(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request", err.Error())
	}
	if req.WorkflowID == "" {
		return problem(c, http.StatusBadRequest, "invalid request", "workflow_id is required")
	}

	runID, err := s.runs.Submit(req.WorkflowID, req.Input)
	if errors.Is(err, engine.ErrUnknownWorkflow) {
		return problem(c, http.StatusNotFound, "unknown workflow", "no workflow with id "+req.WorkflowID)
	}
	if err != nil {
		return problem(c, http.StatusInternalServerError, "submit failed", err.Error())
	}
	return c.JSON(http.StatusAccepted, SubmitRunResponse{RunID: runID})
}

// ListRuns returns summaries of known runs, live ones first.
// (GET /api/v1/runs)
func (s *Server) ListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runs.Runs())
}

// GetRun returns a run's status. Runs evicted from memory are answered from
// the store when one is configured.
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	id := c.Param("id")
	summary, err := s.runs.Status(id)
	if err == nil {
		return c.JSON(http.StatusOK, summary)
	}
	if !errors.Is(err, engine.ErrRunNotFound) {
		return problem(c, http.StatusInternalServerError, "status query failed", err.Error())
	}
	if s.store != nil {
		state, serr := s.store.GetRun(c.Request().Context(), id)
		if serr == nil {
			return c.JSON(http.StatusOK, state.Summary())
		}
		if !errors.Is(serr, repository.ErrNotFound) {
			return problem(c, http.StatusInternalServerError, "status query failed", serr.Error())
		}
	}
	return problem(c, http.StatusNotFound, "run not found", "no run with id "+id)
}

// GetRunHistory returns a run's ordered step records.
// (GET /api/v1/runs/:id/history)
func (s *Server) GetRunHistory(c echo.Context) error {
	id := c.Param("id")
	history, err := s.runs.History(id)
	if err == nil {
		return c.JSON(http.StatusOK, history)
	}
	if !errors.Is(err, engine.ErrRunNotFound) {
		return problem(c, http.StatusInternalServerError, "history query failed", err.Error())
	}
	if s.store != nil {
		state, serr := s.store.GetRun(c.Request().Context(), id)
		if serr == nil {
			return c.JSON(http.StatusOK, state.History)
		}
		if !errors.Is(serr, repository.ErrNotFound) {
			return problem(c, http.StatusInternalServerError, "history query failed", serr.Error())
		}
	}
	return problem(c, http.StatusNotFound, "run not found", "no run with id "+id)
}

// CancelRun requests cancellation of a running run.
// (POST /api/v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	id := c.Param("id")
	err := s.runs.Cancel(id)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, engine.ErrRunNotFound):
		return problem(c, http.StatusNotFound, "run not found", "no run with id "+id)
	case errors.Is(err, engine.ErrRunFinished):
		return problem(c, http.StatusConflict, "run finished", "run "+id+" already reached a terminal status")
	default:
		return problem(c, http.StatusInternalServerError, "cancel failed", err.Error())
	}
}
