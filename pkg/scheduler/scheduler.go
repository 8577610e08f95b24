// Package scheduler implements the supplemental scheduler-entries
// feature: persisted (cron_expr, workflow_template) pairs that submit a
// fresh workflow instance to the Workflow Manager on each firing.
// Grounded on the donor's internal/triggers/engine.go — same
// cron.Cron + EntryID job map + minute-ticker sync() that reconciles
// jobs against persisted state, generalized from firing a trigger
// plugin to submitting a compiled workflow document.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gleitzeit/gleitzeit/pkg/task"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

// Entry is a persisted scheduler entry.
type Entry struct {
	ID       string             `json:"id"`
	CronExpr string             `json:"cron_expr"`
	Document *workflow.Document `json:"document"`
	Enabled  bool               `json:"enabled"`
}

// EntryStore persists scheduler entries. The Scheduler itself only
// ever lists them on its reconciliation tick; the Postgres-backed
// implementation (pkg/scheduler/postgres.go, following
// pkg/store/postgres.go's connection and query conventions) and the
// in-memory one (pkg/scheduler/memory.go, sufficient for tests) both
// satisfy it.
type EntryStore interface {
	ListEntries(ctx context.Context) ([]Entry, error)
}

// EntryAdmin is the superset of EntryStore the HTTP management surface
// (internal/httpapi's /schedules routes) needs to create and delete
// entries. Both EntryStore implementations satisfy it.
type EntryAdmin interface {
	EntryStore
	CreateEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, id string) error
}

// Submitter is the subset of *workflow.Manager the scheduler needs.
type Submitter interface {
	SubmitWorkflow(ctx context.Context, wf *task.Workflow, tasks []*task.Task) error
}

// Scheduler polls its EntryStore every syncInterval and keeps a cron
// job registered per enabled entry, firing a fresh workflow submission
// on each tick.
type Scheduler struct {
	cron      *cron.Cron
	entries   EntryStore
	submitter Submitter
	logger    *log.Logger

	syncInterval time.Duration

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func New(entries EntryStore, submitter Submitter, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cron:         cron.New(),
		entries:      entries,
		submitter:    submitter,
		logger:       logger,
		syncInterval: time.Minute,
		jobs:         make(map[string]cron.EntryID),
	}
}

// Start begins the cron scheduler and the reconciliation loop; it
// returns once ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync reconciles cron jobs against the current persisted entry set:
// new enabled entries get a job, disabled or deleted entries lose theirs.
func (s *Scheduler) sync(ctx context.Context) {
	entries, err := s.entries.ListEntries(ctx)
	if err != nil {
		s.logger.Printf("scheduler sync error: %v", err)
		return
	}

	current := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.Enabled {
			s.removeJob(e.ID)
			continue
		}
		current[e.ID] = struct{}{}
		s.addJob(e)
	}

	s.mu.Lock()
	var stale []string
	for id := range s.jobs {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.removeJob(id)
	}
}

func (s *Scheduler) addJob(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[e.ID]; exists {
		return
	}
	entry := e
	entryID, err := s.cron.AddFunc(e.CronExpr, func() { s.fire(entry) })
	if err != nil {
		s.logger.Printf("scheduler add job error for %s: %v", e.ID, err)
		return
	}
	s.jobs[e.ID] = entryID
	s.logger.Printf("scheduler scheduled %s with cron %s", e.ID, e.CronExpr)
}

func (s *Scheduler) removeJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.jobs[id]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
		s.logger.Printf("scheduler removed %s", id)
	}
}

func (s *Scheduler) fire(e Entry) {
	wf, tasks, err := workflow.Compile(e.Document)
	if err != nil {
		s.logger.Printf("scheduler entry %s produced an invalid workflow: %v", e.ID, err)
		return
	}
	if err := s.submitter.SubmitWorkflow(context.Background(), wf, tasks); err != nil {
		s.logger.Printf("scheduler entry %s failed to submit workflow: %v", e.ID, err)
		return
	}
	s.logger.Printf("scheduler entry %s submitted workflow %s", e.ID, wf.ID)
}
