package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildtriage/backend/internal/handlers"
	"buildtriage/backend/internal/prompt"
	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

func compileDef(t *testing.T, doc models.WorkflowDefinition) *workflow.Definition {
	t.Helper()
	def, err := workflow.Compile(doc, workflow.Resources{})
	require.NoError(t, err)
	return def
}

func newTestManager(t *testing.T, cfg Config, templates TemplateSource, sink RunSink, defs []*workflow.Definition, register func(*handlers.Registry)) *Manager {
	t.Helper()
	reg := handlers.NewRegistry()
	if register != nil {
		register(reg)
	}
	registry, err := workflow.NewRegistry(defs...)
	require.NoError(t, err)
	log := slog.New(slog.DiscardHandler)
	return NewManager(New(reg, templates, cfg, log), registry, sink, log)
}

func mustRegister(t *testing.T, r *handlers.Registry, name string, h handlers.Func) {
	t.Helper()
	require.NoError(t, r.Register(name, h))
}

func okHandler(out map[string]any) handlers.Func {
	return func(context.Context, handlers.Request) (map[string]any, error) {
		return out, nil
	}
}

func failHandler(err error) handlers.Func {
	return func(context.Context, handlers.Request) (map[string]any, error) {
		return nil, err
	}
}

func retries(n int) *int { return &n }

func twoNodeDoc() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		ID:        "two-node",
		Version:   1,
		EntryNode: "a",
		Nodes: []models.Node{
			{ID: "a", Handler: "work"},
			{ID: "b", Terminal: true},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b", Default: true},
		},
	}
}

func TestRunCompletesOnTerminalNode(t *testing.T) {
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(map[string]any{"answer": 42}))
		})

	runID, err := m.Submit("two-node", map[string]any{"seed": "x"})
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, state.Status)
	assert.Empty(t, state.Reason)
	assert.Equal(t, "b", state.CurrentNode)
	require.Len(t, state.History, 1)
	assert.Equal(t, "a", state.History[0].NodeID)
	assert.Equal(t, 1, state.History[0].Attempt)
	assert.Equal(t, 42, state.Context["answer"])
	assert.Equal(t, "x", state.Context["seed"])
	require.NotNil(t, state.CompletedAt)
	assert.Equal(t, state.StepCount, len(state.History))
}

func TestSelfLoopRetryLimit(t *testing.T) {
	doc := models.WorkflowDefinition{
		ID:        "loop",
		EntryNode: "a",
		Nodes: []models.Node{
			{ID: "a", Handler: "decide", MaxRetries: retries(2)},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "a", Condition: `decision == "retry"`},
		},
	}
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "decide", okHandler(map[string]any{"decision": "retry"}))
		})

	runID, err := m.Submit("loop", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonRetryLimitExceeded, state.Reason)
	assert.Len(t, state.History, 3)
}

func TestAlwaysFailingHandlerStopsAfterRetries(t *testing.T) {
	doc := twoNodeDoc()
	doc.Nodes[0].MaxRetries = retries(2)
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", failHandler(errors.New("boom")))
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonRetryLimitExceeded, state.Reason)
	require.Len(t, state.History, 3)
	for i, rec := range state.History {
		assert.Equal(t, i+1, rec.Attempt)
		assert.Contains(t, rec.Error, "boom")
	}
}

func TestFailureWithoutRetriesKeepsSpecificReason(t *testing.T) {
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", failHandler(errors.New("boom")))
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonHandlerError, state.Reason)
	require.Len(t, state.History, 1)
	assert.Contains(t, state.History[0].Error, "boom")
}

func TestOnErrorEdgeAfterRetryExhaustion(t *testing.T) {
	doc := models.WorkflowDefinition{
		ID:        "escalate",
		EntryNode: "flaky",
		Nodes: []models.Node{
			{ID: "flaky", Handler: "fail", MaxRetries: retries(1), OnError: "notify"},
			{ID: "notify", Handler: "notify"},
			{ID: "done", Terminal: true},
		},
		Edges: []models.Edge{
			{Source: "flaky", Target: "done", Default: true},
			{Source: "notify", Target: "done", Default: true},
		},
	}
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "fail", failHandler(errors.New("external outage")))
			mustRegister(t, r, "notify", okHandler(map[string]any{"notified": true}))
		})

	runID, err := m.Submit("escalate", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, state.Status)
	require.Len(t, state.History, 3)
	assert.Equal(t, "flaky", state.History[0].NodeID)
	assert.Equal(t, "flaky", state.History[1].NodeID)
	assert.Equal(t, "notify", state.History[2].NodeID)
	assert.Equal(t, true, state.Context["notified"])
}

func TestStepBudgetBoundsCycles(t *testing.T) {
	doc := models.WorkflowDefinition{
		ID:        "cycle",
		EntryNode: "a",
		Nodes: []models.Node{
			{ID: "a", Handler: "work"},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "a", Default: true},
		},
	}
	m := newTestManager(t, Config{MaxSteps: 5}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
		})

	runID, err := m.Submit("cycle", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonStepBudgetExceeded, state.Reason)
	assert.Len(t, state.History, 5)
}

func TestEdgeOrderIsDeterministic(t *testing.T) {
	doc := models.WorkflowDefinition{
		ID:        "order",
		EntryNode: "pick",
		Nodes: []models.Node{
			{ID: "pick", Handler: "work"},
			{ID: "first", Terminal: true},
			{ID: "second", Terminal: true},
		},
		Edges: []models.Edge{
			{Source: "pick", Target: "first", Condition: "x == 1"},
			{Source: "pick", Target: "second", Condition: "x >= 0"},
		},
	}
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
		})

	for i := 0; i < 10; i++ {
		runID, err := m.Submit("order", nil)
		require.NoError(t, err)
		m.Wait()

		state, err := m.State(runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, state.Status)
		assert.Equal(t, "first", state.CurrentNode)
	}
}

func TestUnknownHandlerFailsRun(t *testing.T) {
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, twoNodeDoc())}, nil)

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonUnknownHandler, state.Reason)
	require.Len(t, state.History, 1)
	assert.Contains(t, state.History[0].Error, "work")
}

func TestRenderFailureFollowsFailurePolicy(t *testing.T) {
	doc := twoNodeDoc()
	doc.Nodes[0].PromptTemplate = "report"
	lib := prompt.NewLibrary(map[string]string{"report": "build $build_number failed"})

	m := newTestManager(t, Config{}, lib, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(nil))
		})

	runID, err := m.Submit("two-node", map[string]any{"job_name": "deploy"})
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonRenderError, state.Reason)
	require.Len(t, state.History, 1)
	assert.Contains(t, state.History[0].Error, "build_number")
}

func TestNoMatchingEdgeIsImplicitTerminal(t *testing.T) {
	doc := models.WorkflowDefinition{
		ID:        "open-end",
		EntryNode: "a",
		Nodes: []models.Node{
			{ID: "a", Handler: "work"},
			{ID: "b", Terminal: true},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b", Condition: "x == 99"},
		},
	}

	t.Run("completes by default", func(t *testing.T) {
		m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
			func(r *handlers.Registry) {
				mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
			})
		runID, err := m.Submit("open-end", nil)
		require.NoError(t, err)
		m.Wait()

		state, err := m.State(runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, state.Status)
		assert.Equal(t, "a", state.CurrentNode)
	})

	t.Run("fails when node demands a transition", func(t *testing.T) {
		strict := doc
		strict.ID = "strict-end"
		strict.Nodes = []models.Node{
			{ID: "a", Handler: "work", FailOnDeadEnd: true},
			{ID: "b", Terminal: true},
		}
		m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, strict)},
			func(r *handlers.Registry) {
				mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
			})
		runID, err := m.Submit("strict-end", nil)
		require.NoError(t, err)
		m.Wait()

		state, err := m.State(runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, state.Status)
		assert.Equal(t, models.ReasonDeadEnd, state.Reason)
	})
}

func TestCancelHaltsRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	blocking := handlers.Func(func(ctx context.Context, _ handlers.Request) (map[string]any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", blocking)
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, m.Cancel(runID))
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, state.Status)
	assert.Equal(t, models.ReasonCancelled, state.Reason)
	require.NotNil(t, state.CompletedAt)

	assert.ErrorIs(t, m.Cancel(runID), ErrRunFinished)
}

func TestStepTimeout(t *testing.T) {
	slow := handlers.Func(func(ctx context.Context, _ handlers.Request) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	m := newTestManager(t, Config{StepTimeout: 20 * time.Millisecond}, nil, nil,
		[]*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", slow)
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonTimeout, state.Reason)
	require.Len(t, state.History, 1)
}

func TestRunTimeout(t *testing.T) {
	slow := handlers.Func(func(ctx context.Context, _ handlers.Request) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	m := newTestManager(t, Config{RunTimeout: 30 * time.Millisecond}, nil, nil,
		[]*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", slow)
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonTimeout, state.Reason)
}

func TestPerRunRetryScope(t *testing.T) {
	doc := models.WorkflowDefinition{
		ID:        "ping-pong",
		EntryNode: "a",
		Nodes: []models.Node{
			{ID: "a", Handler: "work", MaxRetries: retries(1)},
			{ID: "b", Handler: "work", MaxRetries: retries(1)},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b", Default: true},
			{Source: "b", Target: "a", Default: true},
		},
	}
	m := newTestManager(t, Config{RetryScope: RetryScopePerRun}, nil, nil,
		[]*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
		})

	runID, err := m.Submit("ping-pong", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.ReasonRetryLimitExceeded, state.Reason)
	assert.Len(t, state.History, 2)
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	m := newTestManager(t, Config{}, nil, nil, nil, nil)
	_, err := m.Submit("ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestQueriesOnUnknownRun(t *testing.T) {
	m := newTestManager(t, Config{}, nil, nil, nil, nil)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = m.History("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrRunNotFound)
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", handlers.Func(func(_ context.Context, req handlers.Request) (map[string]any, error) {
				return map[string]any{"echo": req.Context["seed"]}, nil
			}))
		})

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		runID, err := m.Submit("two-node", map[string]any{"seed": i})
		require.NoError(t, err)
		ids = append(ids, runID)
	}
	m.Wait()

	for i, runID := range ids {
		state, err := m.State(runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, state.Status)
		assert.Equal(t, i, state.Context["echo"])
	}
	assert.Len(t, m.Runs(), 10)
}

type captureSink struct {
	mu     sync.Mutex
	states []models.RunState
}

func (s *captureSink) SaveRun(_ context.Context, state models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func TestFinishedRunsReachSink(t *testing.T) {
	sink := &captureSink{}
	m := newTestManager(t, Config{}, nil, sink, []*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.states, 1)
	assert.Equal(t, runID, sink.states[0].RunID)
	assert.Equal(t, models.RunStatusCompleted, sink.states[0].Status)
}

func TestFinishedRunsAreEvictedBeyondRetention(t *testing.T) {
	sink := &captureSink{}
	m := newTestManager(t, Config{FinishedRunRetention: 2}, nil, sink,
		[]*workflow.Definition{compileDef(t, twoNodeDoc())},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", okHandler(map[string]any{"x": 1}))
		})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		runID, err := m.Submit("two-node", nil)
		require.NoError(t, err)
		m.Wait()
		ids = append(ids, runID)
	}

	_, err := m.Status(ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound, "oldest terminal run should be evicted")
	for _, runID := range ids[1:] {
		_, err := m.Status(runID)
		assert.NoError(t, err)
	}
	assert.Len(t, m.Runs(), 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.states, 3, "eviction must not skip persistence")
}

func TestCancelWinsOverPendingRetries(t *testing.T) {
	doc := twoNodeDoc()
	doc.Nodes[0].MaxRetries = retries(3)

	started := make(chan struct{})
	var once sync.Once
	blocking := handlers.Func(func(ctx context.Context, _ handlers.Request) (map[string]any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	m := newTestManager(t, Config{}, nil, nil, []*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", blocking)
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, m.Cancel(runID))
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, state.Status)
	assert.Equal(t, models.ReasonCancelled, state.Reason)
	require.Len(t, state.History, 1, "no retry attempt may follow cancellation")
	assert.Equal(t, 1, state.History[0].Attempt)
}

func TestUnresolvedTemplateRefFailsStep(t *testing.T) {
	doc := twoNodeDoc()
	doc.Nodes[0].PromptTemplate = "missing"

	invoked := false
	m := newTestManager(t, Config{}, prompt.NewLibrary(nil), nil,
		[]*workflow.Definition{compileDef(t, doc)},
		func(r *handlers.Registry) {
			mustRegister(t, r, "work", handlers.Func(func(context.Context, handlers.Request) (map[string]any, error) {
				invoked = true
				return nil, nil
			}))
		})

	runID, err := m.Submit("two-node", nil)
	require.NoError(t, err)
	m.Wait()

	state, err := m.State(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	require.Len(t, state.History, 1)
	assert.Contains(t, state.History[0].Error, "not registered")
	assert.False(t, invoked, "handler must not run with a silently empty prompt")
}

func TestExplicitZeroRetriesOverridesDefault(t *testing.T) {
	cfg := Config{DefaultMaxRetries: 2}

	t.Run("max_retries zero opts out", func(t *testing.T) {
		doc := twoNodeDoc()
		doc.Nodes[0].MaxRetries = retries(0)
		m := newTestManager(t, cfg, nil, nil, []*workflow.Definition{compileDef(t, doc)},
			func(r *handlers.Registry) {
				mustRegister(t, r, "work", failHandler(errors.New("boom")))
			})

		runID, err := m.Submit("two-node", nil)
		require.NoError(t, err)
		m.Wait()

		state, err := m.State(runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, state.Status)
		assert.Equal(t, models.ReasonHandlerError, state.Reason)
		assert.Len(t, state.History, 1)
	})

	t.Run("unset max_retries inherits default", func(t *testing.T) {
		m := newTestManager(t, cfg, nil, nil, []*workflow.Definition{compileDef(t, twoNodeDoc())},
			func(r *handlers.Registry) {
				mustRegister(t, r, "work", failHandler(errors.New("boom")))
			})

		runID, err := m.Submit("two-node", nil)
		require.NoError(t, err)
		m.Wait()

		state, err := m.State(runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, state.Status)
		assert.Equal(t, models.ReasonRetryLimitExceeded, state.Reason)
		assert.Len(t, state.History, 3)
	})
}
