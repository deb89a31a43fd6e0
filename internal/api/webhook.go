package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"buildtriage/backend/internal/engine"
)

// JenkinsNotification is the payload posted by the Jenkins notification
// plugin on build phase changes.
type JenkinsNotification struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Build struct {
		Number  int    `json:"number"`
		Phase   string `json:"phase"`
		Status  string `json:"status"`
		FullURL string `json:"full_url"`
	} `json:"build"`
}

// HandleJenkinsWebhook turns a completed-build notification into a triage
// run. Notifications for other phases (STARTED, QUEUED) or without a final
// status are acknowledged and dropped.
// (POST /webhooks/jenkins)
func (s *Server) HandleJenkinsWebhook(c echo.Context) error {
	var note JenkinsNotification
	if err := c.Bind(&note); err != nil {
		return problem(c, http.StatusBadRequest, "invalid payload", err.Error())
	}
	if note.Name == "" {
		return problem(c, http.StatusBadRequest, "invalid payload", "job name is required")
	}

	phase := strings.ToUpper(note.Build.Phase)
	if (phase != "COMPLETED" && phase != "FINALIZED") || note.Build.Status == "" {
		s.log.Debug("webhook ignored", "job", note.Name, "phase", note.Build.Phase)
		return c.NoContent(http.StatusNoContent)
	}

	input := map[string]any{
		"payload": map[string]any{
			"job_name":     note.Name,
			"build_number": note.Build.Number,
			"status":       note.Build.Status,
			"build_url":    note.Build.FullURL,
		},
	}
	runID, err := s.runs.Submit(s.triageWorkflow, input)
	if errors.Is(err, engine.ErrUnknownWorkflow) {
		return problem(c, http.StatusServiceUnavailable, "triage unavailable", "triage workflow is not loaded")
	}
	if err != nil {
		return problem(c, http.StatusInternalServerError, "submit failed", err.Error())
	}

	s.log.Info("webhook accepted", "job", note.Name, "build", note.Build.Number, "status", note.Build.Status, "run_id", runID)
	return c.JSON(http.StatusAccepted, SubmitRunResponse{RunID: runID})
}
