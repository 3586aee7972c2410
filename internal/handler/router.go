package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/stockout-system/internal/metrics"
	custommiddleware "github.com/mmeshcher/stockout-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса складских списаний.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/operator", h.IssueOperator)

	r.Route("/api/stockout", func(r chi.Router) {
		r.Use(h.identity.Middleware)

		r.Get("/journal", h.GetJournal)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)

				r.Put("/customer", h.UpdateCustomer)

				r.Post("/item/fetch", h.FetchItem)
				r.Put("/item", h.UpdatePending)

				r.Post("/cart", h.AddLine)
				r.Delete("/cart/{lineID}", h.RemoveLine)

				r.Post("/submit", h.Submit)
				r.Post("/confirm", h.Confirm)
			})
		})
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
