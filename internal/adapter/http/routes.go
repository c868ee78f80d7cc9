package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Health)
	r.Get("/ws", h.Hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Background tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/archive", h.ListTaskHistory)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Workflows
		r.Post("/workflows/parse", h.ParseWorkflow)
		r.Post("/workflows/run", h.RunWorkflow)
		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/{id}", h.GetExecution)

		// Lanes
		r.Get("/lanes", h.LaneStats)
		r.Put("/lanes/{name}/limit", h.SetLaneLimit)
		r.Post("/lanes/{name}/clear", h.ClearLane)

		// Session pools
		r.Get("/pools", h.PoolStats)
		r.Post("/pools/{agent}/stop", h.StopAgentPool)

		// Occupancy snapshot
		r.Get("/stats", h.Stats)
	})
}
