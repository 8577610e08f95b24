package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/pkg/engine"
	"github.com/gleitzeit/gleitzeit/pkg/jsonrpc"
	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/queue"
	"github.com/gleitzeit/gleitzeit/pkg/remoteworker"
	"github.com/gleitzeit/gleitzeit/pkg/scheduler"
	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

func newTestRouter(t *testing.T) (http.Handler, *engine.Engine) {
	s := store.NewMemory()
	q := queue.New(s, "")
	reg := provider.NewRegistry(50)
	require.NoError(t, reg.RegisterProtocol(protocol.Spec{
		ProtocolID: "script/v1",
		Methods: map[string]protocol.MethodSpec{
			"execute": {Name: "execute"},
		},
	}))

	eng := engine.New(s, q, reg, engine.Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, MaxWorkers: 4})
	mgr := workflow.New(s, eng)
	eng.SetNotifier(mgr)

	broker := remoteworker.New("remote", []string{"execute"})
	require.NoError(t, reg.RegisterProvider(context.Background(), "script/v1", "remote-worker", broker))

	h := NewHandler(mgr, reg, broker, scheduler.NewMemoryEntryStore(), nil)
	return NewRouter(h), eng
}

const singleTaskYAML = `
name: wf1
tasks:
  - name: t1
    protocol: script/v1
    method: execute
    params:
      code: "return 1;"
`

func TestSubmitWorkflowAndGetStatus(t *testing.T) {
	router, eng := newTestRouter(t)
	_ = eng

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString(singleTaskYAML))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	wfID := created["workflow_id"]
	require.NotEmpty(t, wfID)

	statusReq := httptest.NewRequest(http.MethodGet, "/workflows/"+wfID, nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)
	assert.Equal(t, http.StatusOK, statusRec.Code)
}

func TestSubmitWorkflowRejectsInvalidDocument(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString("tasks:\n  - name: a\n    dependencies: [ghost]\n"))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetExecutionStatusUnknownWorkflow(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/workflows/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointWithoutDatabase(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaimWorkAndCompleteWorkRoundTrip(t *testing.T) {
	router, eng := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx, engine.ModeEventDriven)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString(singleTaskYAML))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var items []jsonrpc.Request
	require.Eventually(t, func() bool {
		claimRec := httptest.NewRecorder()
		claimReq := httptest.NewRequest(http.MethodPost, "/workers/w1/claim-work?max_items=1", nil)
		router.ServeHTTP(claimRec, claimReq)
		if claimRec.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(claimRec.Body.Bytes(), &items)
		return len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, jsonrpc.Version, items[0].JSONRPC)

	completeBody, _ := json.Marshal(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: items[0].ID, Result: json.RawMessage(`1`)})
	completeReq := httptest.NewRequest(http.MethodPost, "/workers/w1/complete-work/"+items[0].ID, bytes.NewReader(completeBody))
	completeRec := httptest.NewRecorder()
	router.ServeHTTP(completeRec, completeReq)
	assert.Equal(t, http.StatusOK, completeRec.Code)
}

func TestHeartbeatAndDeregisterWorker(t *testing.T) {
	router, _ := newTestRouter(t)

	hbReq := httptest.NewRequest(http.MethodPut, "/workers/w1/heartbeat", nil)
	hbRec := httptest.NewRecorder()
	router.ServeHTTP(hbRec, hbReq)
	assert.Equal(t, http.StatusOK, hbRec.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/workers/w1", nil)
	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestProviderHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/providers/script/v1/remote-worker/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScheduleCreateListDelete(t *testing.T) {
	router, _ := newTestRouter(t)

	docJSON, err := json.Marshal(map[string]interface{}{
		"name": "wf1",
		"tasks": []map[string]interface{}{
			{
				"name":     "t1",
				"protocol": "script/v1",
				"method":   "execute",
				"params":   map[string]interface{}{"code": "return 1;"},
			},
		},
	})
	require.NoError(t, err)
	body, err := json.Marshal(createScheduleRequest{
		CronExpr: "* * * * *",
		Document: docJSON,
	})
	require.NoError(t, err)

	createReq := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created scheduler.Entry
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	listRec := httptest.NewRecorder()
	listReq := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	router.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	var entries []scheduler.Entry
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	delRec := httptest.NewRecorder()
	delReq := httptest.NewRequest(http.MethodDelete, "/schedules/"+created.ID, nil)
	router.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestScheduleCreateRejectsInvalidCron(t *testing.T) {
	router, _ := newTestRouter(t)

	body, err := json.Marshal(createScheduleRequest{
		CronExpr: "not-a-cron",
		Document: json.RawMessage(`{"name":"wf1","tasks":[]}`),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
