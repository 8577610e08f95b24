// Package engine implements the Execution Engine (C7): the main loop
// that dequeues tasks, claims them exactly once via a CAS status
// transition, substitutes parameters, dispatches to the provider
// registry under a timeout, and commits the result — retrying or
// failing terminally as the Retry Manager decides. The loop shape
// mirrors the donor's DurableExecutionEngine.Start/processLoop
// (pkg/execution/engine.go): a ticker-driven poll plus a bounded
// worker pool, generalized from the donor's single work-queue poll to
// the mode-aware behavior the task-and-workflow system needs.
package engine

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/dependency"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/queue"
	"github.com/gleitzeit/gleitzeit/pkg/retry"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/substitution"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// Mode selects what the engine does once its task queue runs dry.
type Mode string

const (
	// ModeSingleShot runs until the queue, the in-flight dispatches and
	// the retry schedule have all drained, then Run returns.
	ModeSingleShot Mode = "single_shot"
	// ModeWorkflowOnly runs until every submitted workflow reaches a
	// terminal state, then Run returns.
	ModeWorkflowOnly Mode = "workflow_only"
	// ModeEventDriven runs until ctx is cancelled, accepting new
	// workflow submissions indefinitely.
	ModeEventDriven Mode = "event_driven"
)

// Notifier is the subset of the Workflow Manager the engine needs to
// call back into when a task reaches a terminal state. workflow.Manager
// satisfies this structurally; engine never imports package workflow,
// avoiding an import cycle since workflow imports engine's
// TaskDispatcher contract the other way.
type Notifier interface {
	OnTaskTerminal(ctx context.Context, t *task.Task, result *task.TaskResult)
}

type Config struct {
	PollInterval   time.Duration
	RetryInterval  time.Duration
	MaxWorkers     int
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   100 * time.Millisecond,
		RetryInterval:  500 * time.Millisecond,
		MaxWorkers:     8,
		DefaultTimeout: 60 * time.Second,
	}
}

// Engine is the C7 Execution Engine.
type Engine struct {
	store    store.Store
	queue    *queue.PriorityQueue
	registry *provider.Registry
	resolver *dependency.Resolver
	retryMgr *retry.Manager
	notifier Notifier
	cfg      Config

	sem chan struct{}

	// wfInFlight counts dispatches per workflow, enforcing each
	// workflow's max_parallel cap on top of the global worker pool.
	wfMu       sync.Mutex
	wfInFlight map[string]int
}

func New(s store.Store, q *queue.PriorityQueue, reg *provider.Registry, cfg Config) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	e := &Engine{
		store:      s,
		queue:      q,
		registry:   reg,
		retryMgr:   retry.New(s),
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxWorkers),
		wfInFlight: make(map[string]int),
	}
	e.resolver = dependency.New(dependency.Callbacks{
		OnReady:     e.handleReady,
		OnCancelled: e.handleCancelled,
	})
	return e
}

// SetNotifier wires the Workflow Manager after both sides are
// constructed, since engine and workflow.Manager each need a
// reference to the other.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SubmitWorkflowTasks registers every task's dependencies with the
// resolver and persists it, satisfying workflow.TaskDispatcher
// structurally. Tasks with no outstanding dependency are enqueued
// immediately via the OnReady callback fired from Register.
func (e *Engine) SubmitWorkflowTasks(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		t.Status = task.StatusPending
		if t.Timeout == 0 {
			t.Timeout = e.cfg.DefaultTimeout
		}
		if err := e.store.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		e.resolver.Register(t.ID, t.Dependencies)
	}
	return nil
}

// CancelTasks transitions every given task id to cancelled if it
// hasn't already reached a terminal state, satisfying
// workflow.TaskDispatcher.
func (e *Engine) CancelTasks(ctx context.Context, taskIDs []string) error {
	for _, id := range taskIDs {
		from := []task.Status{
			task.StatusPending, task.StatusQueued, task.StatusReady,
			task.StatusRetryScheduled,
		}
		ok, err := e.store.CompareAndTransitionStatus(ctx, id, from, task.StatusCancelled)
		if err != nil {
			return err
		}
		if ok {
			e.resolver.OnTaskCompleted(id) // unblock any waiters with this cancellation
		}
	}
	return nil
}

func (e *Engine) handleReady(taskID string) {
	ctx := context.Background()
	ok, err := e.store.CompareAndTransitionStatus(ctx, taskID, []task.Status{task.StatusPending}, task.StatusQueued)
	if err != nil {
		log.Printf("engine: mark %s queued: %v", taskID, err)
		return
	}
	if !ok {
		// Already queued (or moved on) by a previous ready signal or a
		// recovery pass re-registering this task's now-empty dependency
		// set — it's either already sitting in the persisted queue or
		// past that state entirely, so enqueueing again would duplicate
		// the entry.
		return
	}
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("engine: load %s for enqueue: %v", taskID, err)
		return
	}
	if err := e.queue.Enqueue(ctx, taskID, t.Priority); err != nil {
		log.Printf("engine: enqueue %s: %v", taskID, err)
	}
}

func (e *Engine) handleCancelled(taskID string) {
	ctx := context.Background()
	from := []task.Status{task.StatusPending, task.StatusQueued, task.StatusReady, task.StatusRetryScheduled}
	ok, err := e.store.CompareAndTransitionStatus(ctx, taskID, from, task.StatusCancelled)
	if err != nil {
		log.Printf("engine: cancel %s: %v", taskID, err)
		return
	}
	if !ok {
		return
	}
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	e.notify(ctx, t, nil)
}

func (e *Engine) notify(ctx context.Context, t *task.Task, result *task.TaskResult) {
	if e.notifier != nil {
		e.notifier.OnTaskTerminal(ctx, t, result)
	}
}

// Run drives the engine's main loop until ctx is cancelled or, for
// ModeSingleShot and ModeWorkflowOnly, until the mode's drain
// condition holds.
func (e *Engine) Run(ctx context.Context, mode Mode) error {
	pollTicker := time.NewTicker(e.cfg.PollInterval)
	defer pollTicker.Stop()
	retryTicker := time.NewTicker(e.cfg.RetryInterval)
	defer retryTicker.Stop()

	idleRounds := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retryTicker.C:
			e.processDueRetries(ctx)
		case <-pollTicker.C:
			dispatched := e.drainOnce(ctx)
			if mode == ModeEventDriven {
				continue
			}
			if dispatched == 0 && len(e.sem) == 0 {
				idleRounds++
			} else {
				idleRounds = 0
			}
			if idleRounds >= 3 && e.drained(ctx, mode) {
				return nil
			}
		}
	}
}

// drained reports whether the mode's exit condition holds: nothing in
// the queue, nothing executing, nothing awaiting a retry — and, for
// ModeWorkflowOnly, every workflow terminal.
func (e *Engine) drained(ctx context.Context, mode Mode) bool {
	qsize, err := e.queue.Stats(ctx)
	if err != nil || qsize.Size != 0 {
		return false
	}
	counts, err := e.store.TaskCountByStatus(ctx)
	if err != nil {
		return false
	}
	if counts[task.StatusQueued] > 0 || counts[task.StatusExecuting] > 0 || counts[task.StatusRetryScheduled] > 0 {
		return false
	}
	if mode != ModeWorkflowOnly {
		return true
	}
	workflows, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return false
	}
	for _, wf := range workflows {
		if !wf.Status.Terminal() {
			return false
		}
	}
	return true
}

// drainOnce dequeues and dispatches as many ready tasks as the worker
// semaphore allows in one pass, returning how many it started.
func (e *Engine) drainOnce(ctx context.Context) int {
	started := 0
	for {
		select {
		case e.sem <- struct{}{}:
		default:
			return started
		}
		taskID, ok, err := e.queue.Dequeue(ctx)
		if err != nil {
			<-e.sem
			log.Printf("engine: dequeue: %v", err)
			return started
		}
		if !ok {
			<-e.sem
			return started
		}
		started++
		go func(id string) {
			defer func() { <-e.sem }()
			e.dispatchOne(ctx, id)
		}(taskID)
	}
}

// dispatchOne implements the full per-task state machine: claim via
// CAS, substitute parameters against completed dependency results,
// call the provider registry under the task's timeout, and commit the
// outcome, retrying or terminally failing as appropriate.
func (e *Engine) dispatchOne(ctx context.Context, taskID string) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("engine: load %s: %v", taskID, err)
		return
	}

	if t.WorkflowID != "" {
		if wf, err := e.store.GetWorkflow(ctx, t.WorkflowID); err == nil && wf.MaxParallel > 0 {
			if !e.acquireWorkflowSlot(t.WorkflowID, wf.MaxParallel) {
				// max_parallel saturated; back into the queue for a
				// later poll.
				if err := e.queue.Enqueue(ctx, taskID, t.Priority); err != nil {
					log.Printf("engine: re-enqueue %s: %v", taskID, err)
				}
				return
			}
			defer e.releaseWorkflowSlot(t.WorkflowID)
		}
	}

	claimed, err := e.store.CompareAndTransitionStatus(ctx, taskID, []task.Status{task.StatusQueued}, task.StatusExecuting)
	if err != nil {
		log.Printf("engine: claim %s: %v", taskID, err)
		return
	}
	if !claimed {
		return // already claimed, cancelled, or otherwise moved on
	}

	t.Status = task.StatusExecuting
	t.Attempt++
	now := time.Now().UTC()
	t.StartedAt = &now
	if err := e.store.SaveTask(ctx, t); err != nil {
		log.Printf("engine: save %s after claim: %v", taskID, err)
	}

	params, err := e.substituteParams(ctx, t)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		e.fail(ctx, t, rpcerr.NewInvalidParams(err.Error()))
		return
	}

	resultJSON, callErr := e.registry.Dispatch(callCtx, t.Protocol, t.Method, paramsJSON)

	// A workflow cancelled mid-flight lets the in-flight call finish,
	// but the outcome is discarded and the task marked cancelled
	// post-hoc instead of committed.
	if wf, err := e.store.GetWorkflow(ctx, t.WorkflowID); err == nil && wf.Status == task.WorkflowCancelled {
		if _, err := e.store.CompareAndTransitionStatus(ctx, t.ID, []task.Status{task.StatusExecuting}, task.StatusCancelled); err != nil {
			log.Printf("engine: cancel %s post-hoc: %v", t.ID, err)
		}
		return
	}

	if callErr != nil {
		e.handleFailure(ctx, t, callErr)
		return
	}

	result := &task.TaskResult{
		TaskID:      t.ID,
		WorkflowID:  t.WorkflowID,
		Status:      task.ResultCompleted,
		Result:      resultJSON,
		StartedAt:   *t.StartedAt,
		CompletedAt: time.Now().UTC(),
		Attempt:     t.Attempt,
	}
	if err := e.store.CompleteTask(ctx, result, task.StatusCompleted); err != nil {
		log.Printf("engine: commit completion for %s: %v", t.ID, err)
		return
	}
	t.Status = task.StatusCompleted
	e.resolver.OnTaskCompleted(t.ID)
	e.notify(ctx, t, result)
}

func (e *Engine) substituteParams(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
	if len(t.Dependencies) == 0 {
		return t.Params, nil
	}
	results := make(map[string]*task.TaskResult, len(t.Dependencies))
	for _, depID := range t.Dependencies {
		r, err := e.store.GetTaskResult(ctx, depID)
		if err != nil {
			continue // OnReady only fires once every dependency resolved; a missing result here is a bug elsewhere, not a retryable condition
		}
		results[depID] = r
	}
	resolved, warnings := substitution.Resolve(t.Params, results)
	for _, w := range warnings {
		log.Printf("engine: task %s: %s", t.ID, w)
	}
	return resolved, nil
}

// handleFailure classifies a dispatch error, schedules a retry when
// warranted, or terminally fails the task.
func (e *Engine) handleFailure(ctx context.Context, t *task.Task, callErr error) {
	rerr, ok := callErr.(*rpcerr.Error)
	if !ok {
		rerr = rpcerr.NewSystem("unclassified provider error", callErr)
	}

	scheduled, err := e.retryMgr.ScheduleRetry(ctx, t, rerr.Category)
	if err != nil {
		log.Printf("engine: schedule retry for %s: %v", t.ID, err)
	}
	if scheduled {
		if _, err := e.store.CompareAndTransitionStatus(ctx, t.ID, []task.Status{task.StatusExecuting}, task.StatusRetryScheduled); err != nil {
			log.Printf("engine: mark %s retry_scheduled: %v", t.ID, err)
		}
		return
	}
	e.fail(ctx, t, rerr)
}

func (e *Engine) fail(ctx context.Context, t *task.Task, err error) {
	result := &task.TaskResult{
		TaskID:      t.ID,
		WorkflowID:  t.WorkflowID,
		Status:      task.ResultFailed,
		Error:       err.Error(),
		CompletedAt: time.Now().UTC(),
		Attempt:     t.Attempt,
	}
	if t.StartedAt != nil {
		result.StartedAt = *t.StartedAt
	}
	if commitErr := e.store.CompleteTask(ctx, result, task.StatusFailed); commitErr != nil {
		log.Printf("engine: commit failure for %s: %v", t.ID, commitErr)
		return
	}
	t.Status = task.StatusFailed
	e.resolver.OnTaskFailed(t.ID, e.errorStrategyFor(ctx, t))
	e.notify(ctx, t, result)
}

// acquireWorkflowSlot reserves one of workflowID's max_parallel
// dispatch slots, returning false when the cap is saturated.
func (e *Engine) acquireWorkflowSlot(workflowID string, limit int) bool {
	e.wfMu.Lock()
	defer e.wfMu.Unlock()
	if e.wfInFlight[workflowID] >= limit {
		return false
	}
	e.wfInFlight[workflowID]++
	return true
}

func (e *Engine) releaseWorkflowSlot(workflowID string) {
	e.wfMu.Lock()
	defer e.wfMu.Unlock()
	if e.wfInFlight[workflowID] <= 1 {
		delete(e.wfInFlight, workflowID)
		return
	}
	e.wfInFlight[workflowID]--
}

func (e *Engine) errorStrategyFor(ctx context.Context, t *task.Task) task.ErrorStrategy {
	wf, err := e.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return task.ErrorStrategyStop
	}
	return wf.ErrorStrategy
}

// processDueRetries re-enqueues every task whose retry delay has
// elapsed.
func (e *Engine) processDueRetries(ctx context.Context) {
	ids, err := e.store.PopDueRetries(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("engine: pop due retries: %v", err)
		return
	}
	for _, id := range ids {
		ok, err := e.store.CompareAndTransitionStatus(ctx, id, []task.Status{task.StatusRetryScheduled}, task.StatusQueued)
		if err != nil || !ok {
			continue
		}
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if err := e.queue.Enqueue(ctx, id, t.Priority); err != nil {
			log.Printf("engine: re-enqueue %s: %v", id, err)
		}
	}
}

// Recover rebuilds in-memory resolver state after a crash restart: it
// re-queues every non-terminal task and re-registers outstanding
// dependencies, pre-filtered against completed results so the resolver
// never needs to replay history.
func (e *Engine) Recover(ctx context.Context) error {
	for _, status := range []task.Status{task.StatusPending, task.StatusQueued, task.StatusReady} {
		tasks, err := e.store.GetTasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			remaining := make([]string, 0, len(t.Dependencies))
			for _, dep := range t.Dependencies {
				if _, err := e.store.GetTaskResult(ctx, dep); err != nil {
					remaining = append(remaining, dep)
				}
			}
			e.resolver.Register(t.ID, remaining)
		}
	}

	executing, err := e.store.GetTasksByStatus(ctx, task.StatusExecuting)
	if err != nil {
		return err
	}
	for _, t := range executing {
		// A crash mid-dispatch leaves no record of whether the provider
		// call landed; re-queue for another attempt rather than assume
		// failure.
		if _, err := e.store.CompareAndTransitionStatus(ctx, t.ID, []task.Status{task.StatusExecuting}, task.StatusQueued); err == nil {
			if err := e.queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
				log.Printf("engine: re-enqueue recovered %s: %v", t.ID, err)
			}
		}
	}

	retryScheduled, err := e.store.GetTasksByStatus(ctx, task.StatusRetryScheduled)
	if err != nil {
		return err
	}
	for _, t := range retryScheduled {
		remaining := make([]string, 0, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if _, err := e.store.GetTaskResult(ctx, dep); err != nil {
				remaining = append(remaining, dep)
			}
		}
		e.resolver.Register(t.ID, remaining)
	}
	return nil
}
