// Package engine executes workflow runs. Each run is a sequential state
// machine driven by one goroutine; runs of the same or different workflows
// proceed concurrently without shared mutable state. Definitions, templates
// and the handler registry are read-only once runs start.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"buildtriage/backend/internal/condition"
	"buildtriage/backend/internal/handlers"
	"buildtriage/backend/internal/prompt"
	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

// RetryScope selects how node attempt counts are keyed within a run.
type RetryScope string

const (
	// RetryScopePerNode keeps one attempt counter per node id. A node revisited
	// through a graph cycle shares the counter with its own error retries.
	RetryScopePerNode RetryScope = "per_node"

	// RetryScopePerRun keeps a single attempt counter for the whole run.
	RetryScopePerRun RetryScope = "per_run"
)

// Config bounds run execution.
type Config struct {
	// MaxSteps is the hard budget on executed steps per run. It is the
	// backstop against unbounded graph cycles regardless of per-node retry
	// settings.
	MaxSteps int

	// StepTimeout covers prompt rendering plus one handler invocation.
	// Zero disables the per-step deadline.
	StepTimeout time.Duration

	// RunTimeout bounds the whole run. Zero disables it.
	RunTimeout time.Duration

	// DefaultMaxRetries applies to nodes that do not declare max_retries.
	DefaultMaxRetries int

	// RetryScope defaults to per_node.
	RetryScope RetryScope

	// FinishedRunRetention is how many terminal runs the manager keeps in
	// memory, oldest evicted first. With a run sink configured, evicted runs
	// are still served from the store; without one they are gone.
	FinishedRunRetention int
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	if c.RetryScope == "" {
		c.RetryScope = RetryScopePerNode
	}
	if c.FinishedRunRetention <= 0 {
		c.FinishedRunRetention = 256
	}
	return c
}

// TemplateSource resolves a node's prompt_template reference to template text.
type TemplateSource interface {
	Get(ref string) (string, bool)
}

// Engine runs compiled workflow definitions against a handler registry.
type Engine struct {
	handlers  *handlers.Registry
	templates TemplateSource
	cfg       Config
	log       *slog.Logger
	metrics   *runMetrics
}

// New builds an engine. templates may be nil when no workflow declares
// prompt templates.
func New(registry *handlers.Registry, templates TemplateSource, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		handlers:  registry,
		templates: templates,
		cfg:       cfg.withDefaults(),
		log:       log,
		metrics:   newRunMetrics(),
	}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// execute drives one run from its entry node to a terminal status. It is the
// only writer of r's state; mutations go through r.update so concurrent
// status readers always see a consistent snapshot. No lock is held while a
// handler is in flight.
func (e *Engine) execute(runCtx context.Context, def *workflow.Definition, r *run) {
	attempts := make(map[string]int)

	for {
		if err := runCtx.Err(); err != nil {
			e.finish(runCtx, r, statusFor(err), failureReason(err))
			return
		}

		snap := r.snapshot()
		if snap.StepCount >= e.cfg.MaxSteps {
			e.finish(runCtx, r, models.RunStatusFailed, models.ReasonStepBudgetExceeded)
			return
		}

		node, ok := def.Node(snap.CurrentNode)
		if !ok {
			// unreachable for compiled definitions; guard against registry misuse
			e.finish(runCtx, r, models.RunStatusFailed, models.ReasonDeadEnd)
			return
		}
		if node.Terminal {
			e.finish(runCtx, r, models.RunStatusCompleted, "")
			return
		}

		maxRetries := e.nodeRetries(node)
		key := e.attemptKey(node.ID)
		attempts[key]++
		attempt := attempts[key]
		if maxRetries > 0 && attempt > maxRetries+1 {
			e.finish(runCtx, r, models.RunStatusFailed, models.ReasonRetryLimitExceeded)
			return
		}

		h, ok := e.handlers.Resolve(node.Handler)
		if !ok {
			r.update(func(st *models.RunState) {
				st.History = append(st.History, models.StepRecord{
					NodeID:    node.ID,
					Attempt:   attempt,
					Input:     copyContext(st.Context),
					StartedAt: time.Now().UTC(),
					Error:     "handler " + node.Handler + " is not registered",
				})
				st.StepCount = len(st.History)
			})
			e.finish(runCtx, r, models.RunStatusFailed, models.ReasonUnknownHandler)
			return
		}

		output, stepErr := e.step(runCtx, node, attempt, h, r)

		if stepErr != nil {
			// cancellation and run expiry win over any retry decision
			if err := runCtx.Err(); err != nil {
				e.finish(runCtx, r, statusFor(err), failureReason(err))
				return
			}
			switch {
			case maxRetries > 0 && attempt <= maxRetries:
				continue
			case node.OnError != "":
				r.update(func(st *models.RunState) { st.CurrentNode = node.OnError })
				continue
			case maxRetries > 0:
				e.finish(runCtx, r, models.RunStatusFailed, models.ReasonRetryLimitExceeded)
				return
			default:
				e.finish(runCtx, r, models.RunStatusFailed, failureReason(stepErr))
				return
			}
		}

		target, found := e.transition(def, node.ID, output, r.snapshot().Context)
		if !found {
			if node.FailOnDeadEnd {
				e.finish(runCtx, r, models.RunStatusFailed, models.ReasonDeadEnd)
				return
			}
			e.finish(runCtx, r, models.RunStatusCompleted, "")
			return
		}
		r.update(func(st *models.RunState) { st.CurrentNode = target })
	}
}

// step executes one node: render the prompt, invoke the handler, append the
// StepRecord and merge the output into the run context. Failed attempts are
// recorded too; history length always equals step_count.
func (e *Engine) step(runCtx context.Context, node models.Node, attempt int, h handlers.Handler, r *run) (map[string]any, error) {
	stepCtx := runCtx
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(runCtx, e.cfg.StepTimeout)
		defer cancel()
	}

	input := copyContext(r.snapshot().Context)
	started := time.Now().UTC()

	rendered := ""
	var err error
	if node.PromptTemplate != "" {
		var tpl string
		ok := false
		if e.templates != nil {
			tpl, ok = e.templates.Get(node.PromptTemplate)
		}
		if !ok {
			// loader validation makes this unreachable for compiled
			// definitions; fail the step rather than render an empty prompt
			err = fmt.Errorf("prompt template %q is not registered", node.PromptTemplate)
		} else {
			rendered, err = prompt.Render(tpl, input)
		}
	}

	var output map[string]any
	if err == nil {
		output, err = h.Invoke(stepCtx, handlers.Request{Node: node, Context: input, Prompt: rendered})
		if err != nil {
			err = &HandlerError{Node: node.ID, Handler: node.Handler, Err: err}
		}
	}
	duration := time.Since(started)

	record := models.StepRecord{
		NodeID:    node.ID,
		Attempt:   attempt,
		Input:     input,
		StartedAt: started,
		Duration:  duration,
	}
	if err != nil {
		record.Error = err.Error()
	} else {
		record.Output = output
	}

	r.update(func(st *models.RunState) {
		if err == nil {
			for k, v := range output {
				st.Context[k] = v
			}
		}
		st.History = append(st.History, record)
		st.StepCount = len(st.History)
	})

	e.metrics.recordStep(runCtx, r.workflowID(), node.ID, duration, err)
	if err != nil {
		e.log.Warn("step failed", "run_id", r.id(), "node", node.ID, "attempt", attempt, "error", err)
	} else {
		e.log.Debug("step completed", "run_id", r.id(), "node", node.ID, "attempt", attempt, "duration", duration)
	}
	return output, err
}

// transition evaluates a node's outgoing edges in declared order. The first
// matching edge wins; a default edge matches unconditionally. found is false
// when nothing matched, which the caller treats as an implicit terminal.
func (e *Engine) transition(def *workflow.Definition, nodeID string, output, context map[string]any) (string, bool) {
	lookup := condition.MapLookup(output, context)
	for _, edge := range def.EdgesFrom(nodeID) {
		if edge.Default || (edge.Cond != nil && edge.Cond.Eval(lookup)) {
			return edge.Target, true
		}
	}
	return "", false
}

func (e *Engine) finish(ctx context.Context, r *run, status models.RunStatus, reason models.FailureReason) {
	if r.finish(status, reason) {
		e.metrics.recordRun(ctx, r.workflowID(), status, reason)
		e.log.Info("run finished", "run_id", r.id(), "workflow_id", r.workflowID(), "status", status, "reason", reason)
	}
}

func (e *Engine) nodeRetries(node models.Node) int {
	if node.MaxRetries != nil {
		return *node.MaxRetries
	}
	return e.cfg.DefaultMaxRetries
}

func (e *Engine) attemptKey(nodeID string) string {
	if e.cfg.RetryScope == RetryScopePerRun {
		return ""
	}
	return nodeID
}

func statusFor(err error) models.RunStatus {
	if errors.Is(err, context.Canceled) {
		return models.RunStatusCancelled
	}
	return models.RunStatusFailed
}

func copyContext(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
