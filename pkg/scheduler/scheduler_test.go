package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/pkg/task"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []*task.Workflow
}

func (f *fakeSubmitter) SubmitWorkflow(ctx context.Context, wf *task.Workflow, tasks []*task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, wf)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func testDoc() *workflow.Document {
	return &workflow.Document{
		Name: "scheduled",
		Tasks: []workflow.TaskDocument{
			{Name: "t1", Protocol: "script/v1", Method: "execute"},
		},
	}
}

func TestSyncAddsJobForEnabledEntry(t *testing.T) {
	entries := NewMemoryEntryStore()
	require.NoError(t, entries.CreateEntry(context.Background(), Entry{ID: "e1", CronExpr: "* * * * *", Document: testDoc(), Enabled: true}))

	sub := &fakeSubmitter{}
	s := New(entries, sub, nil)

	s.sync(context.Background())

	s.mu.Lock()
	_, scheduled := s.jobs["e1"]
	s.mu.Unlock()
	assert.True(t, scheduled)
}

func TestSyncRemovesJobForDisabledEntry(t *testing.T) {
	entries := NewMemoryEntryStore()
	require.NoError(t, entries.CreateEntry(context.Background(), Entry{ID: "e1", CronExpr: "* * * * *", Document: testDoc(), Enabled: true}))

	sub := &fakeSubmitter{}
	s := New(entries, sub, nil)
	s.sync(context.Background())

	require.NoError(t, entries.CreateEntry(context.Background(), Entry{ID: "e1", CronExpr: "* * * * *", Document: testDoc(), Enabled: false}))
	s.sync(context.Background())

	s.mu.Lock()
	_, scheduled := s.jobs["e1"]
	s.mu.Unlock()
	assert.False(t, scheduled)
}

func TestSyncRemovesJobForDeletedEntry(t *testing.T) {
	entries := NewMemoryEntryStore()
	require.NoError(t, entries.CreateEntry(context.Background(), Entry{ID: "e1", CronExpr: "* * * * *", Document: testDoc(), Enabled: true}))

	sub := &fakeSubmitter{}
	s := New(entries, sub, nil)
	s.sync(context.Background())

	require.NoError(t, entries.DeleteEntry(context.Background(), "e1"))
	s.sync(context.Background())

	s.mu.Lock()
	_, scheduled := s.jobs["e1"]
	s.mu.Unlock()
	assert.False(t, scheduled)
}

func TestFireCompilesAndSubmitsWorkflow(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(NewMemoryEntryStore(), sub, nil)

	s.fire(Entry{ID: "e1", Document: testDoc()})

	require.Equal(t, 1, sub.count())
}

func TestFireSkipsInvalidDocument(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(NewMemoryEntryStore(), sub, nil)

	bad := &workflow.Document{Tasks: []workflow.TaskDocument{{Name: "a", Dependencies: []string{"ghost"}}}}
	s.fire(Entry{ID: "e1", Document: bad})

	assert.Equal(t, 0, sub.count())
}
