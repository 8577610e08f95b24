// Package queue implements the Priority Queue (C2): a thin wrapper
// around a store.Store that owns the monotonic sequence counter used
// to break priority ties in FIFO order. It follows the donor's ClaimWork
// claim pattern in pkg/execution/engine.go and keeps no queue of its
// own: entries live behind the shared persistence contract, so the
// queue survives a restart.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// DefaultQueue is the name used for the single global task queue. The
// store's queue operations are namespaced by name so a future version
// could shard by protocol without changing the interface.
const DefaultQueue = "tasks"

type Stats struct {
	Size int
}

type PriorityQueue struct {
	store store.Store
	name  string

	mu     sync.Mutex
	seq    int64
	seeded bool
}

func New(s store.Store, name string) *PriorityQueue {
	if name == "" {
		name = DefaultQueue
	}
	return &PriorityQueue{store: s, name: name}
}

// Initialize seeds the sequence counter from the highest persisted
// sequence number, so entries that survived a restart keep their FIFO
// position ahead of anything enqueued by this process. Idempotent;
// Enqueue also seeds on first use, so calling it is optional but lets
// startup surface a store failure early.
func (q *PriorityQueue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seedLocked(ctx)
}

func (q *PriorityQueue) seedLocked(ctx context.Context) error {
	if q.seeded {
		return nil
	}
	max, err := q.store.MaxQueueSeq(ctx, q.name)
	if err != nil {
		return err
	}
	q.seq = max
	q.seeded = true
	return nil
}

// Enqueue assigns the next sequence number and persists the entry.
// The counter is guarded by a mutex, so concurrent callers each get a
// distinct, increasing sequence and within a priority bucket dequeue
// order is FIFO.
func (q *PriorityQueue) Enqueue(ctx context.Context, taskID string, priority task.Priority) error {
	q.mu.Lock()
	if err := q.seedLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	q.seq++
	seq := q.seq
	q.mu.Unlock()
	return q.store.Enqueue(ctx, q.name, taskID, priority, seq, time.Now().UTC())
}

// Dequeue returns the highest-priority, earliest-enqueued task id, or
// ok=false if the queue is empty.
func (q *PriorityQueue) Dequeue(ctx context.Context) (string, bool, error) {
	return q.store.DequeueHighestPriority(ctx, q.name)
}

func (q *PriorityQueue) Stats(ctx context.Context) (Stats, error) {
	n, err := q.store.QueueSize(ctx, q.name)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Size: n}, nil
}
