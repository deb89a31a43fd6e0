package engine

import (
	"context"
	"errors"
	"fmt"

	"buildtriage/backend/internal/llm"
	"buildtriage/backend/internal/prompt"
	"buildtriage/backend/pkg/models"
)

var (
	// ErrUnknownWorkflow is returned by Submit for a workflow id that is not
	// in the definition registry.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrRunNotFound is returned by status, history and cancel queries for an
	// unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned by Cancel when the run already reached a
	// terminal status.
	ErrRunFinished = errors.New("run already finished")
)

// HandlerError wraps a failure raised by a node handler, including malformed
// model responses. It is evaluated against the node's retry policy before it
// can fail the run.
type HandlerError struct {
	Node    string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s: handler %s: %v", e.Node, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// failureReason maps a step error to the reason recorded when that error
// terminates the run.
func failureReason(err error) models.FailureReason {
	var rerr *prompt.RenderError
	switch {
	case errors.As(err, &rerr):
		return models.ReasonRenderError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, llm.ErrTimeout):
		return models.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return models.ReasonCancelled
	default:
		return models.ReasonHandlerError
	}
}
