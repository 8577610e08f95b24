package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/queue"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/task"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

// funcProvider is a Provider whose HandleRequest delegates to call; the
// tests use it to implement math/v1.add, echo/v1.print and the failing
// protocols of the seed scenarios in §8 of the specification.
type funcProvider struct {
	methods []string
	call    func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

func (f *funcProvider) Initialize(ctx context.Context) error { return nil }
func (f *funcProvider) Shutdown(ctx context.Context) error   { return nil }
func (f *funcProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Status: provider.HealthHealthy}, nil
}
func (f *funcProvider) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return f.call(ctx, method, params)
}
func (f *funcProvider) SupportedMethods() []string { return f.methods }

func newHarness(t *testing.T) (*Engine, *workflow.Manager, *provider.Registry, store.Store) {
	t.Helper()
	s := store.NewMemory()
	q := queue.New(s, "")
	reg := provider.NewRegistry(50)

	eng := New(s, q, reg, Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, MaxWorkers: 4})
	mgr := workflow.New(s, eng)
	eng.SetNotifier(mgr)
	return eng, mgr, reg, s
}

func registerMathAndEcho(t *testing.T, reg *provider.Registry) {
	t.Helper()
	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "math/v1",
		Methods:    map[string]protocol.MethodSpec{"add": {Name: "add"}},
	}))
	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "echo/v1",
		Methods:    map[string]protocol.MethodSpec{"print": {Name: "print"}},
	}))
	require.NoError(t, reg.RegisterProvider(context.Background(), "math/v1", "p1", &funcProvider{
		methods: []string{"add"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			var p struct{ A, B float64 }
			_ = json.Unmarshal(params, &p)
			return json.Marshal(map[string]float64{"sum": p.A + p.B})
		},
	}))
	require.NoError(t, reg.RegisterProvider(context.Background(), "echo/v1", "p1", &funcProvider{
		methods: []string{"print"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			return params, nil
		},
	}))
}

func runUntilDrained(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx, ModeSingleShot))
}

// Seed scenario 1: two-step chain with substitution.
func TestTwoStepChainSubstitution(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	registerMathAndEcho(t, reg)
	ctx := context.Background()

	wf := &task.Workflow{ID: "wf1", Name: "calc-then-print", ErrorStrategy: task.ErrorStrategyStop}
	t1 := &task.Task{ID: "T1", WorkflowID: "wf1", Protocol: "math/v1", Method: "add",
		Params: map[string]interface{}{"a": 2.0, "b": 3.0}, RetryConfig: task.DefaultRetryConfig()}
	t2 := &task.Task{ID: "T2", WorkflowID: "wf1", Protocol: "echo/v1", Method: "print",
		Params: map[string]interface{}{"text": "result=${T1.sum}"}, Dependencies: []string{"T1"},
		RetryConfig: task.DefaultRetryConfig()}

	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, []*task.Task{t1, t2}))
	runUntilDrained(t, eng)

	r2, err := s.GetTaskResult(ctx, "T2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"result=5"}`, string(r2.Result))

	got, err := s.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowCompleted, got.Status)

	status, err := mgr.GetExecutionStatus(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, status.Progress)
}

// Seed scenario 2: fan-out/fan-in with a native array value.
func TestFanOutFanIn(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "items/v1",
		Methods:    map[string]protocol.MethodSpec{"produce": {Name: "produce"}, "consume": {Name: "consume"}, "join": {Name: "join"}},
	}))
	require.NoError(t, reg.RegisterProvider(ctx, "items/v1", "p1", &funcProvider{
		methods: []string{"produce", "consume", "join"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			switch method {
			case "produce":
				return json.Marshal(map[string]interface{}{"items": []int{1, 2, 3}})
			case "consume":
				return params, nil
			default:
				return json.Marshal(map[string]bool{"done": true})
			}
		},
	}))

	wf := &task.Workflow{ID: "wf2", ErrorStrategy: task.ErrorStrategyStop}
	t0 := &task.Task{ID: "T0", WorkflowID: "wf2", Protocol: "items/v1", Method: "produce", RetryConfig: task.DefaultRetryConfig()}
	mk := func(id string) *task.Task {
		return &task.Task{ID: id, WorkflowID: "wf2", Protocol: "items/v1", Method: "consume",
			Params: map[string]interface{}{"value": "${T0.items}"}, Dependencies: []string{"T0"},
			RetryConfig: task.DefaultRetryConfig()}
	}
	t1, t2, t3 := mk("T1"), mk("T2"), mk("T3")
	t4 := &task.Task{ID: "T4", WorkflowID: "wf2", Protocol: "items/v1", Method: "join",
		Dependencies: []string{"T1", "T2", "T3"}, RetryConfig: task.DefaultRetryConfig()}

	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, []*task.Task{t0, t1, t2, t3, t4}))
	runUntilDrained(t, eng)

	for _, id := range []string{"T1", "T2", "T3"} {
		r, err := s.GetTaskResult(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":[1,2,3]}`, string(r.Result))
	}

	wfGot, err := s.GetWorkflow(ctx, "wf2")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowCompleted, wfGot.Status)
}

// Seed scenario 3: retry with exponential backoff, success on third attempt.
func TestRetryExponentialBackoffThenSucceed(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "flaky/v1",
		Methods:    map[string]protocol.MethodSpec{"call": {Name: "call"}},
	}))
	require.NoError(t, reg.RegisterProvider(ctx, "flaky/v1", "p1", &funcProvider{
		methods: []string{"call"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts < 3 {
				return nil, rpcerr.NewProviderTimeout("not yet")
			}
			return json.Marshal(map[string]bool{"ok": true})
		},
	}))

	wf := &task.Workflow{ID: "wf3", ErrorStrategy: task.ErrorStrategyStop}
	tk := &task.Task{ID: "T1", WorkflowID: "wf3", Protocol: "flaky/v1", Method: "call",
		RetryConfig: task.RetryConfig{MaxAttempts: 3, BackoffStrategy: task.BackoffExponential, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}}

	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, []*task.Task{tk}))
	runUntilDrained(t, eng)

	r, err := s.GetTaskResult(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, task.ResultCompleted, r.Status)
	assert.Equal(t, 3, r.Attempt)

	got, err := s.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

// Seed scenario 4: stop-on-failure cancels the dependent task.
func TestStopOnFailureCancelsDependent(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "bad/v1",
		Methods:    map[string]protocol.MethodSpec{"fail": {Name: "fail"}},
	}))
	require.NoError(t, reg.RegisterProvider(ctx, "bad/v1", "p1", &funcProvider{
		methods: []string{"fail"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			return nil, rpcerr.NewInvalidParams("always fails")
		},
	}))

	wf := &task.Workflow{ID: "wf4", ErrorStrategy: task.ErrorStrategyStop}
	t1 := &task.Task{ID: "T1", WorkflowID: "wf4", Protocol: "bad/v1", Method: "fail", RetryConfig: task.DefaultRetryConfig()}
	t2 := &task.Task{ID: "T2", WorkflowID: "wf4", Protocol: "bad/v1", Method: "fail", Dependencies: []string{"T1"}, RetryConfig: task.DefaultRetryConfig()}

	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, []*task.Task{t1, t2}))
	runUntilDrained(t, eng)

	got1, err := s.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got1.Status)

	got2, err := s.GetTask(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got2.Status)

	wfGot, err := s.GetWorkflow(ctx, "wf4")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowFailed, wfGot.Status)
}

// Seed scenario 5: continue-on-failure still completes the independent task.
func TestContinueOnFailureCompletesIndependentTask(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "mixed/v1",
		Methods:    map[string]protocol.MethodSpec{"fail": {Name: "fail"}, "ok": {Name: "ok"}},
	}))
	require.NoError(t, reg.RegisterProvider(ctx, "mixed/v1", "p1", &funcProvider{
		methods: []string{"fail", "ok"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			if method == "fail" {
				return nil, rpcerr.NewInvalidParams("always fails")
			}
			return json.Marshal(map[string]bool{"ok": true})
		},
	}))

	wf := &task.Workflow{ID: "wf5", ErrorStrategy: task.ErrorStrategyContinue}
	t1 := &task.Task{ID: "T1", WorkflowID: "wf5", Protocol: "mixed/v1", Method: "fail", RetryConfig: task.DefaultRetryConfig()}
	t2 := &task.Task{ID: "T2", WorkflowID: "wf5", Protocol: "mixed/v1", Method: "ok", Dependencies: []string{"T1"}, RetryConfig: task.DefaultRetryConfig()}
	t3 := &task.Task{ID: "T3", WorkflowID: "wf5", Protocol: "mixed/v1", Method: "ok", RetryConfig: task.DefaultRetryConfig()}

	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, []*task.Task{t1, t2, t3}))
	runUntilDrained(t, eng)

	got1, err := s.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got1.Status)

	got3, err := s.GetTask(ctx, "T3")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got3.Status)

	wfGot, err := s.GetWorkflow(ctx, "wf5")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowFailed, wfGot.Status)
}

// Seed scenario 6: a crash mid-workflow is followed by a fresh process
// (new Engine, Manager and PriorityQueue over the same store) recovering
// and completing the remaining work rather than leaving it stuck running.
func TestCrashRecoveryResumesWorkflow(t *testing.T) {
	s := store.NewMemory()
	reg := provider.NewRegistry(50)
	registerMathAndEcho(t, reg)
	ctx := context.Background()

	wf := &task.Workflow{ID: "wf6", Name: "calc-then-print", ErrorStrategy: task.ErrorStrategyStop}
	t1 := &task.Task{ID: "T1", WorkflowID: "wf6", Protocol: "math/v1", Method: "add",
		Params: map[string]interface{}{"a": 4.0, "b": 5.0}, RetryConfig: task.DefaultRetryConfig()}
	t2 := &task.Task{ID: "T2", WorkflowID: "wf6", Protocol: "echo/v1", Method: "print",
		Params: map[string]interface{}{"text": "result=${T1.sum}"}, Dependencies: []string{"T1"},
		RetryConfig: task.DefaultRetryConfig()}

	// First process: submit the workflow and drive it only far enough for
	// T1 to complete, then "crash" by simply abandoning this engine/queue
	// without ever letting T2 dispatch.
	q1 := queue.New(s, "")
	eng1 := New(s, q1, reg, Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, MaxWorkers: 4})
	mgr1 := workflow.New(s, eng1)
	eng1.SetNotifier(mgr1)

	require.NoError(t, mgr1.SubmitWorkflow(ctx, wf, []*task.Task{t1, t2}))

	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = eng1.Run(runCtx, ModeEventDriven) }()
	require.Eventually(t, func() bool {
		got, err := s.GetTask(ctx, "T1")
		return err == nil && got.Status == task.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	got2, err := s.GetTask(ctx, "T2")
	require.NoError(t, err)
	assert.NotEqual(t, task.StatusCompleted, got2.Status)

	gotWF, err := s.GetWorkflow(ctx, "wf6")
	require.NoError(t, err)
	require.Equal(t, task.WorkflowRunning, gotWF.Status)

	// Second process: fresh Engine/Manager/PriorityQueue over the same
	// store, recovering before dispatch resumes.
	q2 := queue.New(s, "")
	eng2 := New(s, q2, reg, Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, MaxWorkers: 4})
	mgr2 := workflow.New(s, eng2)
	eng2.SetNotifier(mgr2)

	require.NoError(t, mgr2.Recover(ctx))
	require.NoError(t, eng2.Recover(ctx))
	runUntilDrained(t, eng2)

	r2, err := s.GetTaskResult(ctx, "T2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"result=9"}`, string(r2.Result))

	finalWF, err := s.GetWorkflow(ctx, "wf6")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowCompleted, finalWF.Status)
}

// ModeWorkflowOnly returns once every submitted workflow is terminal,
// including workflows whose last task only completes after a scheduled
// retry fires.
func TestWorkflowOnlyModeReturnsWhenWorkflowsTerminal(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "flaky/v1",
		Methods:    map[string]protocol.MethodSpec{"call": {Name: "call"}},
	}))
	require.NoError(t, reg.RegisterProvider(ctx, "flaky/v1", "p1", &funcProvider{
		methods: []string{"call"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts < 2 {
				return nil, rpcerr.NewProviderTimeout("not yet")
			}
			return json.Marshal(map[string]bool{"ok": true})
		},
	}))

	wf := &task.Workflow{ID: "wf7", ErrorStrategy: task.ErrorStrategyStop}
	tk := &task.Task{ID: "T1", WorkflowID: "wf7", Protocol: "flaky/v1", Method: "call",
		RetryConfig: task.RetryConfig{MaxAttempts: 2, BackoffStrategy: task.BackoffFixed, BaseDelay: 100 * time.Millisecond}}
	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, []*task.Task{tk}))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(runCtx, ModeWorkflowOnly))

	got, err := s.GetWorkflow(ctx, "wf7")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowCompleted, got.Status)
	assert.Equal(t, 2, attempts)
}

// max_parallel caps a workflow's simultaneous dispatches even when the
// global worker pool has spare capacity.
func TestMaxParallelCapsConcurrentDispatches(t *testing.T) {
	eng, mgr, reg, s := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	current, peak := 0, 0
	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "slow/v1",
		Methods:    map[string]protocol.MethodSpec{"work": {Name: "work"}},
	}))
	require.NoError(t, reg.RegisterProvider(ctx, "slow/v1", "p1", &funcProvider{
		methods: []string{"work"},
		call: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			return json.Marshal(map[string]bool{"ok": true})
		},
	}))

	wf := &task.Workflow{ID: "wf8", ErrorStrategy: task.ErrorStrategyStop, MaxParallel: 1}
	var tasks []*task.Task
	for _, id := range []string{"T1", "T2", "T3"} {
		tasks = append(tasks, &task.Task{ID: id, WorkflowID: "wf8", Protocol: "slow/v1", Method: "work",
			RetryConfig: task.DefaultRetryConfig()})
	}
	require.NoError(t, mgr.SubmitWorkflow(ctx, wf, tasks))
	runUntilDrained(t, eng)

	got, err := s.GetWorkflow(ctx, "wf8")
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowCompleted, got.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}
