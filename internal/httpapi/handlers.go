package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gleitzeit/gleitzeit/pkg/jsonrpc"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/scheduler"
	"github.com/gleitzeit/gleitzeit/pkg/task"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if rerr, ok := err.(*rpcerr.Error); ok {
		writeJSON(w, statusForCode(rerr.Code), map[string]interface{}{
			"error": map[string]interface{}{
				"code":    rerr.Code,
				"message": rerr.Message,
			},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{"message": err.Error()},
	})
}

func statusForCode(code rpcerr.Code) int {
	switch code {
	case rpcerr.InvalidParams, rpcerr.InvalidWorkflow, rpcerr.MethodNotFound:
		return http.StatusBadRequest
	case rpcerr.AuthenticationFailed:
		return http.StatusUnauthorized
	case rpcerr.AuthorizationFailed:
		return http.StatusForbidden
	case rpcerr.ProviderNotAvailable, rpcerr.ProviderUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// submitWorkflow parses a workflow document (YAML by default, JSON
// when Content-Type says so), compiles it, and hands it to the
// Workflow Manager.
func (h *Handler) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, rpcerr.NewInvalidWorkflow("failed reading request body"))
		return
	}
	doc, err := workflow.ParseDocument(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	wf, tasks, err := workflow.Compile(doc)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.SubmitWorkflow(r.Context(), wf, tasks); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"workflow_id": wf.ID})
}

func (h *Handler) getExecutionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	status, err := h.manager.GetExecutionStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if err := h.manager.CancelWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	active, err := h.manager.ListActiveExecutions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if active == nil {
		active = []*task.Workflow{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handler) claimWork(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	maxItems := 1
	if v := r.URL.Query().Get("max_items"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxItems = n
		}
	}
	items, err := h.broker.ClaimWork(workerID, maxItems)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// completeWork accepts a JSON-RPC response envelope for a claimed
// request. The envelope's id must match the item id in the path (it is
// filled in from the path when absent).
func (h *Handler) completeWork(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var resp jsonrpc.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, rpcerr.NewInvalidParams("invalid complete-work body"))
		return
	}
	if resp.ID == "" {
		resp.ID = itemID
	}
	if resp.ID != itemID {
		writeError(w, rpcerr.NewInvalidParams("response id does not match work item id"))
		return
	}
	if err := h.broker.CompleteWork(resp); err != nil {
		writeError(w, rpcerr.NewInvalidParams(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := h.broker.Heartbeat(workerID); err != nil {
		h.broker.RegisterWorker(workerID)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	h.broker.DeregisterWorker(chi.URLParam(r, "workerID"))
	w.WriteHeader(http.StatusNoContent)
}

type createScheduleRequest struct {
	ID       string          `json:"id"`
	CronExpr string          `json:"cron_expr"`
	Enabled  *bool           `json:"enabled"`
	Document json.RawMessage `json:"document"`
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := h.schedules.ListEntries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []scheduler.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// createSchedule registers (or, by reusing an existing id, replaces) a
// cron-triggered workflow submission. The document is parsed the same
// way submitWorkflow parses one, except it's always supplied as JSON
// since it travels inside the createScheduleRequest envelope.
func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, rpcerr.NewInvalidParams("invalid create-schedule body"))
		return
	}
	if req.CronExpr == "" {
		writeError(w, rpcerr.NewInvalidParams("cron_expr is required"))
		return
	}
	if _, err := cron.ParseStandard(req.CronExpr); err != nil {
		writeError(w, rpcerr.NewInvalidParams("invalid cron_expr: "+err.Error()))
		return
	}
	if len(req.Document) == 0 {
		writeError(w, rpcerr.NewInvalidWorkflow("document is required"))
		return
	}
	doc, err := workflow.ParseDocument(req.Document, "application/json")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, _, err := workflow.Compile(doc); err != nil {
		writeError(w, err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	entry := scheduler.Entry{
		ID:       id,
		CronExpr: req.CronExpr,
		Document: doc,
		Enabled:  enabled,
	}
	if err := h.schedules.CreateEntry(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")
	if err := h.schedules.DeleteEntry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// providerHealth parses the tail of the request path as
// {protocolName}/{protocolVersion}/{providerID}/health, since a
// protocol id is itself "name/vN" and so spans two path segments.
func (h *Handler) providerHealth(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 4 || parts[3] != "health" {
		writeError(w, rpcerr.NewInvalidParams("expected /providers/{protocol}/{provider_id}/health"))
		return
	}
	protocolID := parts[0] + "/" + parts[1]
	providerID := parts[2]

	stats, err := h.registry.ProviderHealth(protocolID, providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
