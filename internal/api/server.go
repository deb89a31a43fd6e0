// Package api contains the HTTP handlers for the workflow execution service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"buildtriage/backend/internal/engine"
	"buildtriage/backend/internal/repository"
	"buildtriage/backend/internal/workflow"
)

// Server holds the dependencies for the API server.
type Server struct {
	runs      *engine.Manager
	workflows *workflow.Registry
	store     repository.Store
	resources workflow.Resources

	// triageWorkflow is the workflow submitted for incoming CI webhooks.
	triageWorkflow string

	log *slog.Logger
}

// NewServer creates a new Server. store may be nil when persistence is
// disabled; run queries then answer from the in-memory run table only.
func NewServer(runs *engine.Manager, workflows *workflow.Registry, store repository.Store, resources workflow.Resources, triageWorkflow string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		runs:           runs,
		workflows:      workflows,
		store:          store,
		resources:      resources,
		triageWorkflow: triageWorkflow,
		log:            log,
	}
}

// Register mounts the public endpoints on e and the service API on the
// (possibly auth-protected) group.
func (s *Server) Register(e *echo.Echo, api *echo.Group) {
	e.GET("/healthz", s.HandleHealth)
	e.GET("/openapi.yaml", s.HandleSpec)
	e.GET("/docs", s.HandleDocs)
	e.POST("/webhooks/jenkins", s.HandleJenkinsWebhook)

	api.POST("/runs", s.SubmitRun)
	api.GET("/runs", s.ListRuns)
	api.GET("/runs/:id", s.GetRun)
	api.GET("/runs/:id/history", s.GetRunHistory)
	api.POST("/runs/:id/cancel", s.CancelRun)
	api.GET("/workflows", s.ListWorkflows)
	api.PUT("/workflows", s.PutWorkflow)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "build-triage",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
