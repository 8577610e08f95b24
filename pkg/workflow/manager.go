// Package workflow implements the Workflow Manager (C8): it validates
// and submits a workflow's task DAG to the engine, tracks per-workflow
// completion/failure/cancellation counts, and resolves the workflow's
// own terminal state once every task has reached one. The aggregation
// shape follows the donor's run-tracking in internal/runs (a run
// completes once every step has), generalized from a linear step list
// to a DAG with stop/continue error-strategy semantics.
package workflow

import (
	"context"
	"sync"

	"github.com/gleitzeit/gleitzeit/pkg/dependency"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// TaskDispatcher is the subset of the Execution Engine the manager
// needs. engine.Engine satisfies this structurally; package workflow
// never imports package engine, avoiding the cycle the other direction
// would create (engine.Notifier is satisfied by *Manager below).
type TaskDispatcher interface {
	SubmitWorkflowTasks(ctx context.Context, tasks []*task.Task) error
	CancelTasks(ctx context.Context, taskIDs []string) error
}

type execState struct {
	mu        sync.Mutex
	completed map[string]struct{}
	failed    map[string]struct{}
	cancelled map[string]struct{}
	total     int
	strategy  task.ErrorStrategy
	finished  bool
}

// Manager is the C8 Workflow Manager.
type Manager struct {
	store      store.Store
	dispatcher TaskDispatcher

	mu    sync.Mutex
	state map[string]*execState // workflowID -> aggregation state
}

func New(s store.Store, dispatcher TaskDispatcher) *Manager {
	return &Manager{
		store:      s,
		dispatcher: dispatcher,
		state:      make(map[string]*execState),
	}
}

// SubmitWorkflow validates the DAG, persists the workflow and its
// tasks, and hands the tasks to the dispatcher for dependency
// registration and eventual execution.
func (m *Manager) SubmitWorkflow(ctx context.Context, wf *task.Workflow, tasks []*task.Task) error {
	deps := make(map[string][]string, len(tasks))
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
		deps[t.ID] = t.Dependencies
	}
	for _, t := range tasks {
		for _, d := range t.Dependencies {
			if _, ok := ids[d]; !ok {
				return rpcerr.NewInvalidWorkflow("task " + t.ID + " depends on unknown task " + d)
			}
		}
	}
	if err := dependency.ValidateDAG(deps); err != nil {
		return err
	}

	wf.TaskIDs = make([]string, 0, len(tasks))
	for _, t := range tasks {
		wf.TaskIDs = append(wf.TaskIDs, t.ID)
	}

	// An empty workflow has nothing for OnTaskTerminal to ever account
	// for, so it terminates as completed immediately rather than
	// getting stuck in running forever (§8 boundary behavior).
	if len(tasks) == 0 {
		wf.Status = task.WorkflowCompleted
		return m.store.SaveWorkflow(ctx, wf)
	}

	wf.Status = task.WorkflowRunning
	if err := m.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}

	st := &execState{
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		total:     len(tasks),
		strategy:  wf.ErrorStrategy,
	}
	m.mu.Lock()
	m.state[wf.ID] = st
	m.mu.Unlock()

	return m.dispatcher.SubmitWorkflowTasks(ctx, tasks)
}

// OnTaskTerminal satisfies engine.Notifier: it records the task's
// outcome against its workflow's aggregation state and, once every
// task is accounted for, resolves and persists the workflow's terminal
// status.
func (m *Manager) OnTaskTerminal(ctx context.Context, t *task.Task, result *task.TaskResult) {
	m.mu.Lock()
	st, ok := m.state[t.WorkflowID]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	switch t.Status {
	case task.StatusCompleted:
		st.completed[t.ID] = struct{}{}
	case task.StatusFailed:
		st.failed[t.ID] = struct{}{}
	case task.StatusCancelled:
		st.cancelled[t.ID] = struct{}{}
	}
	accounted := len(st.completed) + len(st.failed) + len(st.cancelled)
	alreadyFinished := st.finished
	allAccounted := accounted >= st.total
	hasFailed := len(st.failed) > 0
	// Under stop, the workflow's terminal state is decided by the first
	// failure, not by waiting for the rest of the DAG to drain — §4.8:
	// "failed the moment any task reaches failed (remaining non-terminal
	// tasks are then cancelled)".
	stopNow := !alreadyFinished && hasFailed && st.strategy == task.ErrorStrategyStop
	if (allAccounted || stopNow) && !alreadyFinished {
		st.finished = true
	}
	st.mu.Unlock()

	if alreadyFinished || (!allAccounted && !stopNow) {
		return
	}

	if stopNow {
		if tasks, err := m.store.GetTasksByWorkflow(ctx, t.WorkflowID); err == nil {
			var remaining []string
			for _, other := range tasks {
				if !other.Status.Terminal() {
					remaining = append(remaining, other.ID)
				}
			}
			if len(remaining) > 0 {
				_ = m.dispatcher.CancelTasks(ctx, remaining)
			}
		}
	}

	final := task.WorkflowCompleted
	if hasFailed {
		final = task.WorkflowFailed
	}
	if err := m.store.UpdateWorkflowStatus(ctx, t.WorkflowID, final); err != nil {
		return
	}

	m.mu.Lock()
	delete(m.state, t.WorkflowID)
	m.mu.Unlock()
}

// Recover rebuilds execState for every non-terminal workflow from
// persisted task statuses, so that OnTaskTerminal callbacks arriving
// after a restart (as the engine re-dispatches recovered tasks) still
// find aggregation state to update instead of silently dropping the
// workflow in running forever. A workflow whose tasks were already
// all terminal at crash time (the process died after the last task
// committed but before the workflow's own terminal status was
// written) is finalized immediately rather than left to wait for a
// callback that will never come.
func (m *Manager) Recover(ctx context.Context) error {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if wf.Status.Terminal() {
			continue
		}
		tasks, err := m.store.GetTasksByWorkflow(ctx, wf.ID)
		if err != nil {
			return err
		}

		st := &execState{
			completed: make(map[string]struct{}),
			failed:    make(map[string]struct{}),
			cancelled: make(map[string]struct{}),
			total:     len(tasks),
			strategy:  wf.ErrorStrategy,
		}
		for _, t := range tasks {
			switch t.Status {
			case task.StatusCompleted:
				st.completed[t.ID] = struct{}{}
			case task.StatusFailed:
				st.failed[t.ID] = struct{}{}
			case task.StatusCancelled:
				st.cancelled[t.ID] = struct{}{}
			}
		}

		accounted := len(st.completed) + len(st.failed) + len(st.cancelled)
		hasFailed := len(st.failed) > 0
		allAccounted := accounted >= st.total
		stopNow := hasFailed && st.strategy == task.ErrorStrategyStop

		if !allAccounted && !stopNow {
			m.mu.Lock()
			m.state[wf.ID] = st
			m.mu.Unlock()
			continue
		}

		// Every task this workflow will ever account for already has a
		// terminal status, or the stop-on-failure condition already
		// held at crash time — no future OnTaskTerminal call is coming,
		// so resolve the workflow's terminal state here.
		if stopNow {
			var remaining []string
			for _, t := range tasks {
				if !t.Status.Terminal() {
					remaining = append(remaining, t.ID)
				}
			}
			if len(remaining) > 0 {
				if err := m.dispatcher.CancelTasks(ctx, remaining); err != nil {
					return err
				}
			}
		}
		final := task.WorkflowCompleted
		if hasFailed {
			final = task.WorkflowFailed
		}
		if err := m.store.UpdateWorkflowStatus(ctx, wf.ID, final); err != nil {
			return err
		}
	}
	return nil
}

// CancelWorkflow cancels every non-terminal task belonging to wfID and
// marks the workflow cancelled.
func (m *Manager) CancelWorkflow(ctx context.Context, wfID string) error {
	// The workflow's own status flips first so that an executing task
	// completing during the sweep below sees the cancellation and
	// discards its result.
	if err := m.store.UpdateWorkflowStatus(ctx, wfID, task.WorkflowCancelled); err != nil {
		return err
	}

	tasks, err := m.store.GetTasksByWorkflow(ctx, wfID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !t.Status.Terminal() {
			ids = append(ids, t.ID)
		}
	}
	if err := m.dispatcher.CancelTasks(ctx, ids); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.state, wfID)
	m.mu.Unlock()

	return nil
}

// ExecutionStatus is the read-model returned by GetExecutionStatus:
// get_execution_status(wf_id) -> { status, total_tasks, completed_tasks,
// failed_tasks, progress }.
type ExecutionStatus struct {
	Workflow       *task.Workflow
	Tasks          []*task.Task
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	Progress       float64
}

func (m *Manager) GetExecutionStatus(ctx context.Context, wfID string) (*ExecutionStatus, error) {
	wf, err := m.store.GetWorkflow(ctx, wfID)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.GetTasksByWorkflow(ctx, wfID)
	if err != nil {
		return nil, err
	}
	status := &ExecutionStatus{Workflow: wf, Tasks: tasks, TotalTasks: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			status.CompletedTasks++
		case task.StatusFailed, task.StatusCancelled:
			status.FailedTasks++
		}
	}
	if status.TotalTasks > 0 {
		status.Progress = float64(status.CompletedTasks+status.FailedTasks) / float64(status.TotalTasks)
	} else {
		status.Progress = 1.0
	}
	return status, nil
}

func (m *Manager) ListActiveExecutions(ctx context.Context) ([]*task.Workflow, error) {
	all, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	var active []*task.Workflow
	for _, wf := range all {
		if !wf.Status.Terminal() {
			active = append(active, wf)
		}
	}
	return active, nil
}
