package admin

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Router mounts the admin API.
func Router(h *REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(MaxBodySize(1 << 20))
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Post("/trigger", h.Trigger)
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/seasons/{id}", h.GetSeason)
	})
	return r
}
