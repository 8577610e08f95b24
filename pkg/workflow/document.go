package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// Document is the canonical workflow document shape from §6: a name, an
// optional description and an ordered task list where dependencies may
// name prior tasks by their human `name` or by `id` directly.
type Document struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	Tasks         []TaskDocument `yaml:"tasks" json:"tasks"`
	ErrorStrategy string         `yaml:"error_strategy" json:"error_strategy"`
	MaxParallel   int            `yaml:"max_parallel" json:"max_parallel"`
}

type RetryDocument struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   float64 `yaml:"base_delay" json:"base_delay"`
	MaxDelay    float64 `yaml:"max_delay" json:"max_delay"`
	Strategy    string  `yaml:"strategy" json:"strategy"`
	Jitter      bool    `yaml:"jitter" json:"jitter"`
}

type TaskDocument struct {
	ID           string                 `yaml:"id" json:"id"`
	Name         string                 `yaml:"name" json:"name"`
	Protocol     string                 `yaml:"protocol" json:"protocol"`
	Method       string                 `yaml:"method" json:"method"`
	Params       map[string]interface{} `yaml:"params" json:"params"`
	Dependencies []string               `yaml:"dependencies" json:"dependencies"`
	Priority     string                 `yaml:"priority" json:"priority"`
	Timeout      int                    `yaml:"timeout" json:"timeout"`
	Retry        *RetryDocument         `yaml:"retry" json:"retry"`
}

// ParseDocument decodes a workflow document as JSON when contentType is
// exactly "application/json" and as YAML otherwise, per §6's
// "persistable YAML or JSON" framing. There is no fallback from one
// format to the other.
func ParseDocument(body []byte, contentType string) (*Document, error) {
	var doc Document
	useJSON := contentType == "application/json"
	if useJSON {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, rpcerr.NewInvalidWorkflow(fmt.Sprintf("invalid JSON workflow document: %v", err))
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, rpcerr.NewInvalidWorkflow(fmt.Sprintf("invalid YAML workflow document: %v", err))
	}
	return &doc, nil
}

// Compile turns a parsed Document into a persistable Workflow and its
// Tasks, auto-generating task ids where absent and resolving
// dependencies that name a task by `name` rather than `id`. It does not
// validate the DAG itself (Manager.SubmitWorkflow does, via
// dependency.ValidateDAG) — Compile only resolves names to ids.
func Compile(doc *Document) (*task.Workflow, []*task.Task, error) {
	strategy := task.ErrorStrategyStop
	if doc.ErrorStrategy == string(task.ErrorStrategyContinue) {
		strategy = task.ErrorStrategyContinue
	}

	wf := &task.Workflow{
		ID:            uuid.NewString(),
		Name:          doc.Name,
		Description:   doc.Description,
		ErrorStrategy: strategy,
		MaxParallel:   doc.MaxParallel,
	}

	tasks := make([]*task.Task, 0, len(doc.Tasks))

	// One pass assigns (or keeps) a stable id per task and records both
	// name->id and id->id so a dependency can reference either.
	nameToID := make(map[string]string, len(doc.Tasks))
	assigned := make([]string, len(doc.Tasks))
	for i, td := range doc.Tasks {
		id := td.ID
		if id == "" {
			id = uuid.NewString()
		}
		assigned[i] = id
		if td.Name != "" {
			nameToID[td.Name] = id
		}
		nameToID[id] = id
	}

	for i, td := range doc.Tasks {
		priority, ok := task.ParsePriority(td.Priority)
		if !ok {
			return nil, nil, rpcerr.NewInvalidWorkflow(fmt.Sprintf("task %q: invalid priority %q", td.Name, td.Priority))
		}

		deps := make([]string, 0, len(td.Dependencies))
		for _, d := range td.Dependencies {
			resolved, ok := nameToID[d]
			if !ok {
				return nil, nil, rpcerr.NewInvalidWorkflow(fmt.Sprintf("task %q depends on unknown task %q", td.Name, d))
			}
			deps = append(deps, resolved)
		}

		retryCfg := task.DefaultRetryConfig()
		if td.Retry != nil {
			retryCfg = task.RetryConfig{
				MaxAttempts:     td.Retry.MaxAttempts,
				BackoffStrategy: task.BackoffStrategy(td.Retry.Strategy),
				BaseDelay:       secondsToDuration(td.Retry.BaseDelay),
				MaxDelay:        secondsToDuration(td.Retry.MaxDelay),
				Jitter:          td.Retry.Jitter,
			}
			if retryCfg.MaxAttempts == 0 {
				retryCfg.MaxAttempts = task.DefaultRetryConfig().MaxAttempts
			}
			if retryCfg.BackoffStrategy == "" {
				retryCfg.BackoffStrategy = task.BackoffExponential
			}
		}

		t := &task.Task{
			ID:           assigned[i],
			Name:         td.Name,
			WorkflowID:   wf.ID,
			Protocol:     td.Protocol,
			Method:       td.Method,
			Params:       td.Params,
			Dependencies: deps,
			Priority:     priority,
			Status:       task.StatusPending,
			RetryConfig:  retryCfg,
			Timeout:      secondsToDuration(float64(td.Timeout)),
		}
		if t.Params == nil {
			t.Params = map[string]interface{}{}
		}
		tasks = append(tasks, t)
	}

	return wf, tasks, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
