package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// Postgres is a Store backed by database/sql + lib/pq. Dequeue and
// retry-pop use a single-statement CTE DELETE ... RETURNING built on
// FOR UPDATE SKIP LOCKED, the same claim pattern the donor's
// DurableExecutionEngine.ClaimWork uses — but built with bind
// parameters throughout; the donor's RecoverOrphanedWork built one
// query with fmt.Sprintf for an interval literal; this store has no
// interval query, and every query it runs binds its values as parameters.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func wrapPG(message string, err error) error {
	if err == nil {
		return nil
	}
	return rpcerr.NewPersistence(message, err)
}

type retryConfigRow struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"`
	BaseDelayMS int64  `json:"base_delay_ms"`
	MaxDelayMS  int64  `json:"max_delay_ms"`
	Jitter      bool   `json:"jitter"`
}

func encodeRetryConfig(c task.RetryConfig) ([]byte, error) {
	return json.Marshal(retryConfigRow{
		MaxAttempts: c.MaxAttempts,
		Backoff:     string(c.BackoffStrategy),
		BaseDelayMS: c.BaseDelay.Milliseconds(),
		MaxDelayMS:  c.MaxDelay.Milliseconds(),
		Jitter:      c.Jitter,
	})
}

func decodeRetryConfig(raw []byte) (task.RetryConfig, error) {
	var row retryConfigRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return task.RetryConfig{}, err
	}
	return task.RetryConfig{
		MaxAttempts:     row.MaxAttempts,
		BackoffStrategy: task.BackoffStrategy(row.Backoff),
		BaseDelay:       time.Duration(row.BaseDelayMS) * time.Millisecond,
		MaxDelay:        time.Duration(row.MaxDelayMS) * time.Millisecond,
		Jitter:          row.Jitter,
	}, nil
}

func (p *Postgres) SaveTask(ctx context.Context, t *task.Task) error {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return rpcerr.NewSystem("marshal task params", err)
	}
	retryJSON, err := encodeRetryConfig(t.RetryConfig)
	if err != nil {
		return rpcerr.NewSystem("marshal retry config", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, workflow_id, protocol, method, params, dependencies, priority, status, retry_config, attempt, timeout_ms, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, t.ID, t.Name, t.WorkflowID, t.Protocol, t.Method, paramsJSON, pq.Array(t.Dependencies),
		int(t.Priority), string(t.Status), retryJSON, t.Attempt, t.Timeout.Milliseconds(),
		t.CreatedAt, t.StartedAt, t.CompletedAt)
	return wrapPG("save task", err)
}

func scanTask(row *sql.Row) (*task.Task, error) {
	var t task.Task
	var paramsJSON, retryJSON []byte
	var deps pq.StringArray
	var priority int
	var status string
	var timeoutMS int64
	err := row.Scan(&t.ID, &t.Name, &t.WorkflowID, &t.Protocol, &t.Method, &paramsJSON, &deps,
		&priority, &status, &retryJSON, &t.Attempt, &timeoutMS, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
		return nil, err
	}
	rc, err := decodeRetryConfig(retryJSON)
	if err != nil {
		return nil, err
	}
	t.RetryConfig = rc
	t.Dependencies = []string(deps)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &t, nil
}

const taskColumns = `id, name, workflow_id, protocol, method, params, dependencies, priority, status, retry_config, attempt, timeout_ms, created_at, started_at, completed_at`

func (p *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rpcerr.NewPersistence("task not found: "+id, err)
	}
	return t, wrapPG("get task", err)
}

func (p *Postgres) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*task.Task, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPG("query tasks", err)
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		var t task.Task
		var paramsJSON, retryJSON []byte
		var deps pq.StringArray
		var priority int
		var status string
		var timeoutMS int64
		if err := rows.Scan(&t.ID, &t.Name, &t.WorkflowID, &t.Protocol, &t.Method, &paramsJSON, &deps,
			&priority, &status, &retryJSON, &t.Attempt, &timeoutMS, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, wrapPG("scan task", err)
		}
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, wrapPG("unmarshal task params", err)
		}
		rc, err := decodeRetryConfig(retryJSON)
		if err != nil {
			return nil, wrapPG("unmarshal retry config", err)
		}
		t.RetryConfig = rc
		t.Dependencies = []string(deps)
		t.Priority = task.Priority(priority)
		t.Status = task.Status(status)
		t.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, &t)
	}
	return out, wrapPG("iterate tasks", rows.Err())
}

func (p *Postgres) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return p.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1`, string(status))
}

func (p *Postgres) GetTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	return p.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1`, workflowID)
}

func (p *Postgres) TaskCountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, wrapPG("count tasks by status", err)
	}
	defer rows.Close()
	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapPG("scan status count", err)
		}
		counts[task.Status(status)] = count
	}
	return counts, wrapPG("iterate status counts", rows.Err())
}

func (p *Postgres) CompareAndTransitionStatus(ctx context.Context, id string, from []task.Status, to task.Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		string(to), id, pq.Array(fromStrs))
	if err != nil {
		return false, wrapPG("CAS task status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapPG("CAS rows affected", err)
	}
	return n == 1, nil
}

func (p *Postgres) SaveTaskResult(ctx context.Context, r *task.TaskResult) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, workflow_id, status, result, error, started_at, completed_at, attempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at, attempt = EXCLUDED.attempt
	`, r.TaskID, r.WorkflowID, string(r.Status), r.Result, r.Error, r.StartedAt, r.CompletedAt, r.Attempt)
	return wrapPG("save task result", err)
}

func (p *Postgres) GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, error) {
	row := p.db.QueryRowContext(ctx, `SELECT task_id, workflow_id, status, result, error, started_at, completed_at, attempt FROM task_results WHERE task_id = $1`, taskID)
	var r task.TaskResult
	var status string
	var errText sql.NullString
	if err := row.Scan(&r.TaskID, &r.WorkflowID, &status, &r.Result, &errText, &r.StartedAt, &r.CompletedAt, &r.Attempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rpcerr.NewPersistence("task result not found: "+taskID, err)
		}
		return nil, wrapPG("get task result", err)
	}
	r.Status = task.ResultStatus(status)
	r.Error = errText.String
	return &r, nil
}

// CompleteTask writes the result and transitions the task in one
// transaction, satisfying "result write and the terminal status update
// are a single atomic commit."
func (p *Postgres) CompleteTask(ctx context.Context, result *task.TaskResult, newStatus task.Status) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapPG("begin complete-task tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_results (task_id, workflow_id, status, result, error, started_at, completed_at, attempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at, attempt = EXCLUDED.attempt
	`, result.TaskID, result.WorkflowID, string(result.Status), result.Result, result.Error, result.StartedAt, result.CompletedAt, result.Attempt)
	if err != nil {
		return wrapPG("write task result", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = $1, completed_at = $2 WHERE id = $3`,
		string(newStatus), result.CompletedAt, result.TaskID)
	if err != nil {
		return wrapPG("update task status", err)
	}

	return wrapPG("commit complete-task tx", tx.Commit())
}

func (p *Postgres) SaveWorkflow(ctx context.Context, wf *task.Workflow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, task_ids, status, error_strategy, max_parallel, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`, wf.ID, wf.Name, wf.Description, pq.Array(wf.TaskIDs), string(wf.Status), string(wf.ErrorStrategy), wf.MaxParallel, wf.CreatedAt)
	return wrapPG("save workflow", err)
}

func scanWorkflow(scan func(dest ...interface{}) error) (*task.Workflow, error) {
	var wf task.Workflow
	var taskIDs pq.StringArray
	var status, strategy string
	if err := scan(&wf.ID, &wf.Name, &wf.Description, &taskIDs, &status, &strategy, &wf.MaxParallel, &wf.CreatedAt); err != nil {
		return nil, err
	}
	wf.TaskIDs = []string(taskIDs)
	wf.Status = task.WorkflowStatus(status)
	wf.ErrorStrategy = task.ErrorStrategy(strategy)
	return &wf, nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*task.Workflow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, description, task_ids, status, error_strategy, max_parallel, created_at FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rpcerr.NewPersistence("workflow not found: "+id, err)
	}
	return wf, wrapPG("get workflow", err)
}

func (p *Postgres) UpdateWorkflowStatus(ctx context.Context, id string, status task.WorkflowStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workflows SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return wrapPG("update workflow status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapPG("update workflow status rows affected", err)
	}
	if n == 0 {
		return rpcerr.NewPersistence("workflow not found: "+id, nil)
	}
	return nil
}

func (p *Postgres) ListWorkflows(ctx context.Context) ([]*task.Workflow, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, description, task_ids, status, error_strategy, max_parallel, created_at FROM workflows`)
	if err != nil {
		return nil, wrapPG("list workflows", err)
	}
	defer rows.Close()
	var out []*task.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, wrapPG("scan workflow", err)
		}
		out = append(out, wf)
	}
	return out, wrapPG("iterate workflows", rows.Err())
}

func (p *Postgres) Enqueue(ctx context.Context, queueName, taskID string, priority task.Priority, seq int64, enqueuedAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO queue_items (queue_name, task_id, priority, seq, enqueued_at) VALUES ($1,$2,$3,$4,$5)`,
		queueName, taskID, int(priority), seq, enqueuedAt)
	return wrapPG("enqueue", err)
}

func (p *Postgres) DequeueHighestPriority(ctx context.Context, queueName string) (string, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id, task_id FROM queue_items
			WHERE queue_name = $1
			ORDER BY priority DESC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		DELETE FROM queue_items WHERE id IN (SELECT id FROM next) RETURNING task_id
	`, queueName)
	var taskID string
	if err := row.Scan(&taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, wrapPG("dequeue", err)
	}
	return taskID, true, nil
}

func (p *Postgres) QueueSize(ctx context.Context, queueName string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM queue_items WHERE queue_name = $1`, queueName).Scan(&n)
	return n, wrapPG("queue size", err)
}

func (p *Postgres) MaxQueueSeq(ctx context.Context, queueName string) (int64, error) {
	var max int64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM queue_items WHERE queue_name = $1`, queueName).Scan(&max)
	return max, wrapPG("max queue seq", err)
}

func (p *Postgres) ScheduleRetry(ctx context.Context, taskID string, fireAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO retry_schedule (task_id, fire_at) VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET fire_at = EXCLUDED.fire_at
	`, taskID, fireAt)
	return wrapPG("schedule retry", err)
}

func (p *Postgres) PopDueRetries(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH due AS (
			SELECT task_id FROM retry_schedule WHERE fire_at <= $1 FOR UPDATE SKIP LOCKED
		)
		DELETE FROM retry_schedule WHERE task_id IN (SELECT task_id FROM due) RETURNING task_id
	`, now)
	if err != nil {
		return nil, wrapPG("pop due retries", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPG("scan due retry", err)
		}
		out = append(out, id)
	}
	return out, wrapPG("iterate due retries", rows.Err())
}

var _ Store = (*Postgres)(nil)
