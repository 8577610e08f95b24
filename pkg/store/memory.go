package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

type queueEntry struct {
	taskID     string
	priority   task.Priority
	seq        int64
	enqueuedAt time.Time
}

type retryEntry struct {
	taskID string
	fireAt time.Time
}

// Memory is an in-memory Store, the "at least one in-memory
// implementation for tests" the design notes call for. It is also
// adequate for a SINGLE_SHOT run that doesn't need to survive a
// restart.
type Memory struct {
	mu sync.Mutex

	tasks     map[string]*task.Task
	results   map[string]*task.TaskResult
	workflows map[string]*task.Workflow

	queues map[string][]queueEntry
	retries []retryEntry
}

func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*task.Task),
		results:   make(map[string]*task.TaskResult),
		workflows: make(map[string]*task.Workflow),
		queues:    make(map[string][]queueEntry),
	}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	c.Params = make(map[string]interface{}, len(t.Params))
	for k, v := range t.Params {
		c.Params[k] = v
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	return &c
}

func (m *Memory) SaveTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, rpcerr.NewPersistence("task not found: "+id, nil)
	}
	return cloneTask(t), nil
}

func (m *Memory) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *Memory) GetTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *Memory) TaskCountByStatus(ctx context.Context) (map[task.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[task.Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Memory) CompareAndTransitionStatus(ctx context.Context, id string, from []task.Status, to task.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, rpcerr.NewPersistence("task not found: "+id, nil)
	}
	match := false
	for _, f := range from {
		if t.Status == f {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (m *Memory) SaveTaskResult(ctx context.Context, r *task.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Result = append([]byte(nil), r.Result...)
	m.results[r.TaskID] = &cp
	return nil
}

func (m *Memory) GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[taskID]
	if !ok {
		return nil, rpcerr.NewPersistence("task result not found: "+taskID, nil)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) CompleteTask(ctx context.Context, result *task.TaskResult, newStatus task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[result.TaskID]
	if !ok {
		return rpcerr.NewPersistence("task not found: "+result.TaskID, nil)
	}
	cp := *result
	cp.Result = append([]byte(nil), result.Result...)
	m.results[result.TaskID] = &cp
	t.Status = newStatus
	completedAt := result.CompletedAt
	t.CompletedAt = &completedAt
	return nil
}

func (m *Memory) SaveWorkflow(ctx context.Context, wf *task.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	cp.TaskIDs = append([]string(nil), wf.TaskIDs...)
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*task.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, rpcerr.NewPersistence("workflow not found: "+id, nil)
	}
	cp := *wf
	return &cp, nil
}

func (m *Memory) UpdateWorkflowStatus(ctx context.Context, id string, status task.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return rpcerr.NewPersistence("workflow not found: "+id, nil)
	}
	wf.Status = status
	return nil
}

func (m *Memory) ListWorkflows(ctx context.Context) ([]*task.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Enqueue(ctx context.Context, queueName, taskID string, priority task.Priority, seq int64, enqueuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queueName] = append(m.queues[queueName], queueEntry{taskID, priority, seq, enqueuedAt})
	return nil
}

func (m *Memory) DequeueHighestPriority(ctx context.Context, queueName string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueName]
	if len(q) == 0 {
		return "", false, nil
	}
	best := 0
	for i, e := range q {
		if e.priority > q[best].priority || (e.priority == q[best].priority && e.seq < q[best].seq) {
			best = i
		}
	}
	entry := q[best]
	m.queues[queueName] = append(q[:best], q[best+1:]...)
	return entry.taskID, true, nil
}

func (m *Memory) QueueSize(ctx context.Context, queueName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueName]), nil
}

func (m *Memory) MaxQueueSeq(ctx context.Context, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, e := range m.queues[queueName] {
		if e.seq > max {
			max = e.seq
		}
	}
	return max, nil
}

func (m *Memory) ScheduleRetry(ctx context.Context, taskID string, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, retryEntry{taskID, fireAt})
	return nil
}

func (m *Memory) PopDueRetries(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	var remaining []retryEntry
	for _, e := range m.retries {
		if !e.fireAt.After(now) {
			due = append(due, e.taskID)
		} else {
			remaining = append(remaining, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	m.retries = remaining
	return due, nil
}

var _ Store = (*Memory)(nil)
