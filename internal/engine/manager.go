package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

// RunSink receives a run's final state once it reaches a terminal status.
// Implementations must tolerate being called from many run goroutines.
type RunSink interface {
	SaveRun(ctx context.Context, state models.RunState) error
}

// run pairs a RunState with the lock that serializes the executing
// goroutine's writes against status readers, plus the cancel hook for the
// run's context.
type run struct {
	mu     sync.Mutex
	state  models.RunState
	cancel context.CancelFunc
}

func (r *run) update(fn func(*models.RunState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

func (r *run) snapshot() models.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	st.History = append([]models.StepRecord(nil), r.state.History...)
	st.Context = copyContext(r.state.Context)
	return st
}

// finish moves the run to a terminal status. The transition is one-way; a
// second call is a no-op and reports false.
func (r *run) finish(status models.RunStatus, reason models.FailureReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	r.state.Status = status
	r.state.Reason = reason
	r.state.CompletedAt = &now
	return true
}

func (r *run) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.RunID
}

func (r *run) workflowID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.WorkflowID
}

// Manager owns the run table: it launches one goroutine per submitted run
// and answers status, history and cancel queries against live and finished
// runs. Terminal runs are retained in memory up to the engine's
// FinishedRunRetention bound, oldest first; evicted runs are served from the
// sink's store by the API layer when one is configured.
type Manager struct {
	engine    *Engine
	workflows *workflow.Registry
	sink      RunSink

	mu       sync.RWMutex
	runs     map[string]*run
	finished []string // terminal run ids, oldest first
	retain   int

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewManager wires an engine to a workflow registry. sink may be nil when
// finished runs are not persisted.
func NewManager(e *Engine, workflows *workflow.Registry, sink RunSink, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		engine:    e,
		workflows: workflows,
		sink:      sink,
		runs:      make(map[string]*run),
		retain:    e.cfg.FinishedRunRetention,
		log:       log,
	}
}

// Submit starts a run of workflowID seeded with input and returns its id
// without waiting for the run to progress.
func (m *Manager) Submit(workflowID string, input map[string]any) (string, error) {
	def, ok := m.workflows.Get(workflowID)
	if !ok {
		return "", ErrUnknownWorkflow
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if timeout := m.engine.cfg.RunTimeout; timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	r := &run{
		state: models.RunState{
			RunID:           uuid.NewString(),
			WorkflowID:      def.ID(),
			WorkflowVersion: def.Version(),
			Status:          models.RunStatusRunning,
			Context:         copyContext(input),
			CurrentNode:     def.EntryNode(),
			StartedAt:       time.Now().UTC(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.runs[r.state.RunID] = r
	m.mu.Unlock()

	m.engine.metrics.recordRunStarted(runCtx, def.ID())
	m.log.Info("run submitted", "run_id", r.state.RunID, "workflow_id", def.ID(), "entry_node", def.EntryNode())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.engine.execute(runCtx, def, r)
		m.persist(r)
		m.retire(r.id())
	}()

	return r.state.RunID, nil
}

// retire records a run as terminal and evicts the oldest terminal runs
// beyond the retention bound so a long-lived process does not accumulate
// every run's history.
func (m *Manager) retire(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, runID)
	for len(m.finished) > m.retain {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
}

func (m *Manager) persist(r *run) {
	if m.sink == nil {
		return
	}
	state := r.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.sink.SaveRun(ctx, state); err != nil {
		m.log.Error("persist run", "run_id", state.RunID, "error", err)
	}
}

func (m *Manager) lookup(runID string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// Status returns the status-query view of a run.
func (m *Manager) Status(runID string) (models.RunSummary, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return models.RunSummary{}, err
	}
	st := r.snapshot()
	return st.Summary(), nil
}

// State returns a full copy of a run's state, history included.
func (m *Manager) State(runID string) (models.RunState, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return models.RunState{}, err
	}
	return r.snapshot(), nil
}

// History returns a run's ordered step records.
func (m *Manager) History(runID string) ([]models.StepRecord, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.snapshot().History, nil
}

// Cancel requests cancellation of a running run. The run halts between
// steps; a handler already in flight observes the cancelled context.
func (m *Manager) Cancel(runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if r.snapshot().Status.Terminal() {
		return ErrRunFinished
	}
	r.cancel()
	return nil
}

// Runs lists the summaries of every known run, newest first.
func (m *Manager) Runs() []models.RunSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RunSummary, 0, len(m.runs))
	for _, r := range m.runs {
		snap := r.snapshot()
		out = append(out, snap.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until every launched run goroutine has finished. Used during
// shutdown and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}
