package models

import (
	"time"
)

// RunStatus is the lifecycle state of a run. Transitions are one-way:
// running moves to exactly one of completed, failed or cancelled.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// FailureReason names why a run left the running state unsuccessfully.
type FailureReason string

const (
	ReasonStepBudgetExceeded FailureReason = "step_budget_exceeded"
	ReasonUnknownHandler     FailureReason = "unknown_handler"
	ReasonRetryLimitExceeded FailureReason = "retry_limit_exceeded"
	ReasonDeadEnd            FailureReason = "dead_end"
	ReasonTimeout            FailureReason = "timeout"
	ReasonCancelled          FailureReason = "cancelled"
	ReasonHandlerError       FailureReason = "handler_error"
	ReasonRenderError        FailureReason = "render_error"
)

// StepRecord captures one node execution within a run. Records are immutable
// once appended to the run history.
type StepRecord struct {
	NodeID    string         `json:"node_id"`
	Attempt   int            `json:"attempt"`
	Input     map[string]any `json:"input"`
	Output    map[string]any `json:"output,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
}

// RunState is the full mutable state of one in-flight run. It is owned
// exclusively by the goroutine executing that run; external readers get
// copies via the run manager.
type RunState struct {
	RunID           string         `json:"run_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	Status          RunStatus      `json:"status"`
	Reason          FailureReason  `json:"reason,omitempty"`
	Context         map[string]any `json:"context"`
	CurrentNode     string         `json:"current_node"`
	StepCount       int            `json:"step_count"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	History         []StepRecord   `json:"history"`
}

// RunSummary is the status-query view of a run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	WorkflowID  string        `json:"workflow_id"`
	Status      RunStatus     `json:"status"`
	Reason      FailureReason `json:"reason,omitempty"`
	CurrentNode string        `json:"current_node"`
	StepCount   int           `json:"step_count"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Summary returns the status-query view of the state.
func (s *RunState) Summary() RunSummary {
	return RunSummary{
		RunID:       s.RunID,
		WorkflowID:  s.WorkflowID,
		Status:      s.Status,
		Reason:      s.Reason,
		CurrentNode: s.CurrentNode,
		StepCount:   s.StepCount,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}
