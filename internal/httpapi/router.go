// Package httpapi implements the orchestrator's external HTTP surface:
// workflow submission/status/cancel/list, liveness/readiness, the
// remote-worker claim/complete/heartbeat/deregister protocol, and
// provider health introspection. Grounded on the donor's
// createWorkflowRouter/registerWorker chi routing
// (internal/api/router.go) and healthCheckHandler/readinessCheckHandler
// (cmd/server/main.go) — this is a small, purpose-built surface
// replacing the donor's much larger visual-workflow-builder CRUD API.
package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/remoteworker"
	"github.com/gleitzeit/gleitzeit/pkg/scheduler"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

// Handler owns the dependencies every route needs.
type Handler struct {
	manager   *workflow.Manager
	registry  *provider.Registry
	broker    *remoteworker.Broker
	schedules scheduler.EntryAdmin
	db        *sql.DB // nil when running against the in-memory store; used only by /ready
}

func NewHandler(manager *workflow.Manager, registry *provider.Registry, broker *remoteworker.Broker, schedules scheduler.EntryAdmin, db *sql.DB) *Handler {
	return &Handler{manager: manager, registry: registry, broker: broker, schedules: schedules, db: db}
}

// NewRouter builds the chi router mounted by `cmd/gleitzeit server`.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", h.listWorkflows)
		r.Post("/", h.submitWorkflow)
		r.Get("/{workflowID}", h.getExecutionStatus)
		r.Post("/{workflowID}/cancel", h.cancelWorkflow)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", h.listSchedules)
		r.Post("/", h.createSchedule)
		r.Delete("/{entryID}", h.deleteSchedule)
	})

	r.Route("/workers/{workerID}", func(r chi.Router) {
		r.Post("/claim-work", h.claimWork)
		r.Post("/complete-work/{itemID}", h.completeWork)
		r.Put("/heartbeat", h.heartbeat)
		r.Delete("/", h.deregisterWorker)
	})

	// Protocol ids are themselves "name/vN" (see pkg/protocol), so the
	// {protocol}/{provider_id}/health shape needs a wildcard match and
	// manual splitting rather than two literal chi path params.
	r.Get("/providers/*", h.providerHealth)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	checks := map[string]interface{}{}
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			status = "not_ready"
			checks["database"] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["database"] = map[string]interface{}{"status": "healthy"}
		}
	}
	code := http.StatusOK
	if status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}
