// Package dependency implements the Dependency Resolver (C4): it tracks
// the task dependency graph and emits "ready"/"cancelled" signals as
// upstream tasks complete or fail, via explicit callbacks supplied at
// construction rather than an ad-hoc event bus — the donor's worker.go
// tracks the same deps-ready idea (areStepDependenciesReady) but as a
// one-shot scan; this resolver instead maintains live indices so the
// engine never has to re-scan the whole graph on every completion.
package dependency

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// Callbacks are invoked synchronously by Resolver methods; callers that
// need asynchronous dispatch should hand off to a goroutine themselves.
type Callbacks struct {
	OnReady     func(taskID string)
	OnCancelled func(taskID string)
}

// Resolver maintains deps[task] and reverse[task] indices.
type Resolver struct {
	mu      sync.Mutex
	deps    map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
	cb      Callbacks
}

func New(cb Callbacks) *Resolver {
	return &Resolver{
		deps:    make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
		cb:      cb,
	}
}

// Register records taskID's outstanding dependencies (already filtered
// by the caller to exclude any that have a completed result — this is
// how a restarted process rebuilds resolver state without replaying
// history). An empty dependency set emits ready immediately.
func (r *Resolver) Register(taskID string, dependencies []string) {
	r.mu.Lock()
	set := make(map[string]struct{}, len(dependencies))
	for _, d := range dependencies {
		set[d] = struct{}{}
	}
	r.deps[taskID] = set
	for d := range set {
		if r.reverse[d] == nil {
			r.reverse[d] = make(map[string]struct{})
		}
		r.reverse[d][taskID] = struct{}{}
	}
	ready := len(set) == 0
	r.mu.Unlock()

	if ready && r.cb.OnReady != nil {
		r.cb.OnReady(taskID)
	}
}

// OnTaskCompleted clears taskID from every dependent's outstanding set,
// emitting ready for any dependent whose set becomes empty.
func (r *Resolver) OnTaskCompleted(taskID string) {
	r.mu.Lock()
	waiters := make([]string, 0, len(r.reverse[taskID]))
	for w := range r.reverse[taskID] {
		waiters = append(waiters, w)
	}
	delete(r.reverse, taskID)

	var newlyReady []string
	for _, w := range waiters {
		if set, ok := r.deps[w]; ok {
			delete(set, taskID)
			if len(set) == 0 {
				newlyReady = append(newlyReady, w)
			}
		}
	}
	r.mu.Unlock()

	for _, w := range newlyReady {
		if r.cb.OnReady != nil {
			r.cb.OnReady(w)
		}
	}
}

// OnTaskFailed emits cancelled for every transitive dependent of
// taskID, regardless of the workflow's error strategy — a dependent
// whose required upstream failed can never become ready, so it reaches
// its terminal state (cancelled, see DESIGN.md's resolution of the
// cancelled-vs-skipped open question) immediately rather than waiting
// forever. The strategy parameter governs a different decision, made by
// the Workflow Manager: whether the *rest* of the workflow (tasks
// unrelated to this failure) is also cancelled (stop) or left to run to
// its own completion (continue).
func (r *Resolver) OnTaskFailed(taskID string, strategy task.ErrorStrategy) {
	r.mu.Lock()
	visited := map[string]struct{}{taskID: {}}
	stack := []string{taskID}
	var toCancel []string
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for w := range r.reverse[cur] {
			if _, seen := visited[w]; seen {
				continue
			}
			visited[w] = struct{}{}
			toCancel = append(toCancel, w)
			stack = append(stack, w)
		}
	}
	r.mu.Unlock()

	for _, w := range toCancel {
		if r.cb.OnCancelled != nil {
			r.cb.OnCancelled(w)
		}
	}
}

// ValidateDAG runs a DFS cycle check over a full dependency map, as
// required before a workflow's tasks are ever registered with a
// Resolver. deps maps a task id to the ids it depends on.
func ValidateDAG(deps map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var path []string

	var visit func(n string) error
	visit = func(n string) error {
		color[n] = gray
		path = append(path, n)
		for _, d := range deps[n] {
			switch color[d] {
			case gray:
				cycle := append(append([]string{}, path...), d)
				return rpcerr.NewInvalidWorkflow(fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for n := range deps {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
