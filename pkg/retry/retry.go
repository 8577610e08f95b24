// Package retry implements the Retry Manager (C6): given a failed
// dispatch attempt, it classifies the error and computes a backoff
// delay, persisting a (task_id, fire_at) entry when a retry is
// warranted. The backoff math mirrors the donor's RetryPolicy
// (pkg/execution/types.go: CalculateRetryDelay, IsRetryable), extended
// to the three strategies and jitter the specification requires.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/task"
)

// Store is the subset of the persistence contract the Retry Manager
// needs: scheduling a future re-dispatch.
type Store interface {
	ScheduleRetry(ctx context.Context, taskID string, fireAt time.Time) error
}

type Manager struct {
	store Store
	now   func() time.Time

	// rngMu serializes jitter draws: ScheduleRetry is called from every
	// engine worker goroutine at once, and a bare *rand.Rand is not safe
	// for concurrent use.
	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(store Store) *Manager {
	return &Manager{store: store, now: time.Now, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ShouldRetry decides retryability without touching persistence —
// exposed separately so callers (and tests) can reason about the
// decision before committing a schedule.
func ShouldRetry(attempt int, cfg task.RetryConfig, category rpcerr.Category) bool {
	if attempt >= cfg.MaxAttempts {
		return false
	}
	return category.Retryable()
}

// Delay computes the backoff duration for the given attempt, clamped to
// [0, MaxDelay], with jitter uniformly distributed in [0.5, 1.5] applied
// when enabled.
func Delay(attempt int, cfg task.RetryConfig, rng *rand.Rand) time.Duration {
	var d time.Duration
	switch cfg.BackoffStrategy {
	case task.BackoffFixed:
		d = cfg.BaseDelay
	case task.BackoffLinear:
		d = cfg.BaseDelay * time.Duration(attempt)
	case task.BackoffExponential:
		d = time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	default:
		d = cfg.BaseDelay
	}
	if cfg.Jitter {
		factor := 0.5 + rng.Float64() // uniform in [0.5, 1.5)
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// ScheduleRetry is the engine-facing entry point: schedule_retry(task,
// error) -> bool. Returns false (no persistence write) when the task has
// exhausted its attempts or the error is non-retryable; it is then
// terminally failed by the caller.
func (m *Manager) ScheduleRetry(ctx context.Context, t *task.Task, category rpcerr.Category) (bool, error) {
	if !ShouldRetry(t.Attempt, t.RetryConfig, category) {
		return false, nil
	}
	m.rngMu.Lock()
	delay := Delay(t.Attempt, t.RetryConfig, m.rng)
	m.rngMu.Unlock()
	fireAt := m.now().Add(delay)
	if err := m.store.ScheduleRetry(ctx, t.ID, fireAt); err != nil {
		return false, rpcerr.NewPersistence("scheduling retry", err)
	}
	return true, nil
}
