// Package remoteworker implements the remote-worker side of the
// provider contract: it lets an out-of-process worker pull task
// dispatches over HTTP instead of handling them in-process. A Broker
// satisfies provider.Provider — the registry dispatches to it exactly
// like any in-process provider — but HandleRequest blocks on a
// claim/complete round trip instead of calling a function directly.
// Work travels as JSON-RPC 2.0 envelopes: claim-work hands out
// jsonrpc.Request objects and complete-work reports a jsonrpc.Response,
// so the error category survives the wire via the response's error code.
// Grounded on the donor's pkg/execution/remote_worker.go client
// (claim-work/complete-work/heartbeat/deregister), with the
// corresponding server-side bookkeeping this repository's
// internal/httpapi exposes.
package remoteworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gleitzeit/gleitzeit/pkg/jsonrpc"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

type pendingCall struct {
	req      jsonrpc.Request
	resultCh chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

type workerInfo struct {
	lastHeartbeat time.Time
}

// Broker is a provider.Provider backed by remote HTTP workers rather
// than an in-process implementation.
type Broker struct {
	id      string
	methods []string

	mu       sync.Mutex
	pending  []*pendingCall
	inFlight map[string]*pendingCall
	workers  map[string]*workerInfo
}

func New(id string, methods []string) *Broker {
	return &Broker{
		id:       id,
		methods:  methods,
		inFlight: make(map[string]*pendingCall),
		workers:  make(map[string]*workerInfo),
	}
}

func (b *Broker) Initialize(ctx context.Context) error { return nil }
func (b *Broker) Shutdown(ctx context.Context) error   { return nil }

func (b *Broker) SupportedMethods() []string { return b.methods }

// HealthCheck reports unhealthy when no worker is registered, and
// degraded when workers are registered but none has heartbeated in the
// last two minutes, mirroring the donor's heartbeat cadence of 30s.
func (b *Broker) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.workers) == 0 {
		return provider.HealthStatus{Status: provider.HealthUnhealthy, Details: "no registered workers"}, nil
	}
	for _, w := range b.workers {
		if time.Since(w.lastHeartbeat) < 2*time.Minute {
			return provider.HealthStatus{Status: provider.HealthHealthy}, nil
		}
	}
	return provider.HealthStatus{Status: provider.HealthDegraded, Details: "no recent worker heartbeat"}, nil
}

// HandleRequest wraps the call in a JSON-RPC request, enqueues it for
// pickup by ClaimWork, and blocks until a worker reports its outcome
// via CompleteWork, or ctx expires.
func (b *Broker) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	call := &pendingCall{
		req:      jsonrpc.NewRequest(uuid.NewString(), method, params),
		resultCh: make(chan callOutcome, 1),
	}
	b.mu.Lock()
	b.pending = append(b.pending, call)
	b.mu.Unlock()

	select {
	case out := <-call.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.inFlight, call.req.ID)
		b.mu.Unlock()
		return nil, rpcerr.NewProviderTimeout(ctx.Err().Error())
	}
}

// RegisterWorker records a worker as known, used by heartbeat/claim to
// track liveness for HealthCheck.
func (b *Broker) RegisterWorker(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[workerID] = &workerInfo{lastHeartbeat: time.Now()}
}

func (b *Broker) Heartbeat(workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker %q", workerID)
	}
	w.lastHeartbeat = time.Now()
	return nil
}

func (b *Broker) DeregisterWorker(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, workerID)
}

// ClaimWork hands up to maxItems queued JSON-RPC requests to workerID.
func (b *Broker) ClaimWork(workerID string, maxItems int) ([]jsonrpc.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workers[workerID]; !ok {
		b.workers[workerID] = &workerInfo{lastHeartbeat: time.Now()}
	} else {
		b.workers[workerID].lastHeartbeat = time.Now()
	}

	if maxItems <= 0 || maxItems > len(b.pending) {
		maxItems = len(b.pending)
	}
	claimed := b.pending[:maxItems]
	b.pending = b.pending[maxItems:]

	out := make([]jsonrpc.Request, 0, len(claimed))
	for _, call := range claimed {
		b.inFlight[call.req.ID] = call
		out = append(out, call.req)
	}
	return out, nil
}

// CompleteWork reports a claimed request's JSON-RPC response back to
// the blocked HandleRequest caller. A response carrying an error object
// marks the call failed, with the error's code mapped back into the
// internal taxonomy so retry classification survives the round trip.
func (b *Broker) CompleteWork(resp jsonrpc.Response) error {
	b.mu.Lock()
	call, ok := b.inFlight[resp.ID]
	delete(b.inFlight, resp.ID)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no in-flight work item %q", resp.ID)
	}

	var err error
	if resp.Error != nil {
		err = resp.Error.AsRPCErr()
	}
	call.resultCh <- callOutcome{result: resp.Result, err: err}
	return nil
}

var _ provider.Provider = (*Broker)(nil)
