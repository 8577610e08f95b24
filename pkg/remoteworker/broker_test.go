package remoteworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/pkg/jsonrpc"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

func TestHandleRequestBlocksUntilCompleteWork(t *testing.T) {
	b := New("b1", []string{"do"})

	done := make(chan struct{})
	var result json.RawMessage
	var err error
	go func() {
		result, err = b.HandleRequest(context.Background(), "do", json.RawMessage(`{"x":1}`))
		close(done)
	}()

	var items []jsonrpc.Request
	require.Eventually(t, func() bool {
		var claimErr error
		items, claimErr = b.ClaimWork("w1", 10)
		return claimErr == nil && len(items) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, jsonrpc.Version, items[0].JSONRPC)
	assert.Equal(t, "do", items[0].Method)

	require.NoError(t, b.CompleteWork(jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      items[0].ID,
		Result:  json.RawMessage(`{"ok":true}`),
	}))

	<-done
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestHandleRequestPropagatesWorkerError(t *testing.T) {
	b := New("b1", []string{"do"})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = b.HandleRequest(context.Background(), "do", json.RawMessage(`{}`))
		close(done)
	}()

	var items []jsonrpc.Request
	require.Eventually(t, func() bool {
		items, _ = b.ClaimWork("w1", 1)
		return len(items) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, b.CompleteWork(jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      items[0].ID,
		Error:   &jsonrpc.Error{Code: -32002, Message: "worker failed"},
	}))
	<-done
	require.Error(t, err)
	rerr, ok := err.(*rpcerr.Error)
	require.True(t, ok)
	assert.Equal(t, rpcerr.ProviderTimeout, rerr.Code)
	assert.True(t, rerr.Retryable())
	assert.Equal(t, "worker failed", rerr.Message)
}

func TestHandleRequestTimesOutIfNeverClaimed(t *testing.T) {
	b := New("b1", []string{"do"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.HandleRequest(ctx, "do", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestHealthCheckUnhealthyWithNoWorkers(t *testing.T) {
	b := New("b1", []string{"do"})
	status, err := b.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", string(status.Status))
}

func TestHealthCheckHealthyAfterHeartbeat(t *testing.T) {
	b := New("b1", []string{"do"})
	b.RegisterWorker("w1")
	status, err := b.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", string(status.Status))
}

func TestCompleteWorkUnknownItemErrors(t *testing.T) {
	b := New("b1", []string{"do"})
	err := b.CompleteWork(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: "ghost"})
	assert.Error(t, err)
}
