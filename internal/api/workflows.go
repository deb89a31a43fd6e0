package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"buildtriage/backend/internal/auth"
	"buildtriage/backend/internal/repository"
	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

// ListWorkflows returns the definitions loaded into the engine's registry.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.workflows.List())
}

// PutWorkflowRequest wraps a workflow document submitted as JSON. A request
// with Content-Type application/yaml may instead carry the document directly
// as the body.
type PutWorkflowRequest struct {
	Document string `json:"document"`
}

// PutWorkflow validates a workflow document and stores it as a new version.
// The engine's definition registry is immutable while runs execute; stored
// versions are picked up at the next startup.
// (PUT /api/v1/workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	if s.store == nil {
		return problem(c, http.StatusNotImplemented, "no store", "workflow persistence is not configured")
	}

	document, err := s.readDocument(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "invalid request", err.Error())
	}

	def, err := workflow.Load([]byte(document), s.resources)
	if err != nil {
		var derr *workflow.DefinitionError
		if errors.As(err, &derr) {
			return problem(c, http.StatusUnprocessableEntity, "invalid workflow", derr.Error())
		}
		return problem(c, http.StatusBadRequest, "invalid document", err.Error())
	}

	ctx := c.Request().Context()
	version := 1
	if latest, err := s.store.GetWorkflow(ctx, def.ID()); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusInternalServerError, "store failed", err.Error())
	}

	record := &models.WorkflowRecord{
		ID:         uuid.NewString(),
		WorkflowID: def.ID(),
		Version:    version,
		IsLatest:   true,
		Name:       def.Name(),
		Document:   document,
		CreatedBy:  createdBy(c),
	}
	if err := s.store.SaveWorkflow(ctx, record); err != nil {
		return problem(c, http.StatusInternalServerError, "store failed", err.Error())
	}

	s.log.Info("workflow stored", "workflow_id", record.WorkflowID, "version", record.Version)
	return c.JSON(http.StatusOK, record)
}

func (s *Server) readDocument(c echo.Context) (string, error) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.Contains(contentType, "yaml") {
		data, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	var req PutWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return "", err
	}
	if req.Document == "" {
		return "", errors.New("document is required")
	}
	return req.Document, nil
}

func createdBy(c echo.Context) string {
	return auth.Subject(c.Request().Context())
}
