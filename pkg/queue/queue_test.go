package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

func TestDequeuePrefersHighestPriority(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), "")

	require.NoError(t, q.Enqueue(ctx, "low-task", task.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, "urgent-task", task.PriorityUrgent))
	require.NoError(t, q.Enqueue(ctx, "normal-task", task.PriorityNormal))

	id, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "urgent-task", id)
}

func TestDequeueIsFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), "")

	require.NoError(t, q.Enqueue(ctx, "first", task.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "second", task.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "third", task.PriorityNormal))

	for _, want := range []string{"first", "second", "third"} {
		id, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, id)
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), "")
	_, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), "")
	require.NoError(t, q.Enqueue(ctx, "a", task.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "b", task.PriorityNormal))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Size)
}

func TestSequenceSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	q1 := New(s, "")
	require.NoError(t, q1.Enqueue(ctx, "survivor", task.PriorityNormal))

	// A fresh PriorityQueue over the same store stands in for a process
	// restart; its counter must resume above the persisted entries, not
	// at zero, or the newcomer would jump the survivor's FIFO position.
	q2 := New(s, "")
	require.NoError(t, q2.Initialize(ctx))
	require.NoError(t, q2.Enqueue(ctx, "newcomer", task.PriorityNormal))

	id, ok, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "survivor", id)

	id, ok, err = q2.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "newcomer", id)
}
