// Package store implements the Persistence contract (C1): durable
// storage for tasks, results, workflows, the priority queue and the
// retry schedule, with the atomicity guarantees §4.1 requires (no torn
// reads, result-write-plus-terminal-status as one commit). Two
// implementations are provided: an in-memory store for tests and
// SINGLE_SHOT runs, and a Postgres-backed store for durable deployments,
// grounded on the donor's internal/db connection/pool/migration pattern
// and pkg/execution/engine.go's FOR UPDATE SKIP LOCKED claim pattern.
package store

import (
	"context"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// Store is the abstract persistence contract; any backend satisfying it
// is acceptable to every other component.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	GetTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error)
	TaskCountByStatus(ctx context.Context) (map[task.Status]int, error)

	// CompareAndTransitionStatus atomically moves a task from one of the
	// given statuses to `to`, returning false without error if the task
	// was not in one of `from` (another worker already claimed it, or it
	// was cancelled out from under the caller). This is the primitive
	// that guarantees a task is never dispatched twice concurrently.
	CompareAndTransitionStatus(ctx context.Context, id string, from []task.Status, to task.Status) (bool, error)

	SaveTaskResult(ctx context.Context, r *task.TaskResult) error
	GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, error)

	// CompleteTask writes the TaskResult and transitions the task to its
	// terminal status as a single atomic commit.
	CompleteTask(ctx context.Context, result *task.TaskResult, newStatus task.Status) error

	SaveWorkflow(ctx context.Context, wf *task.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*task.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status task.WorkflowStatus) error
	ListWorkflows(ctx context.Context) ([]*task.Workflow, error)

	Enqueue(ctx context.Context, queueName, taskID string, priority task.Priority, seq int64, enqueuedAt time.Time) error
	DequeueHighestPriority(ctx context.Context, queueName string) (string, bool, error)
	QueueSize(ctx context.Context, queueName string) (int, error)

	// MaxQueueSeq returns the highest sequence number currently persisted
	// for queueName, or 0 for an empty queue. A restarted process seeds
	// its sequence counter from this so entries that survived the restart
	// keep their FIFO position within a priority bucket.
	MaxQueueSeq(ctx context.Context, queueName string) (int64, error)

	ScheduleRetry(ctx context.Context, taskID string, fireAt time.Time) error
	PopDueRetries(ctx context.Context, now time.Time) ([]string, error)
}
