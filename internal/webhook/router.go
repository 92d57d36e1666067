package webhook

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// corsHeaders are the request headers browsers and the database webhook
// send.
var corsHeaders = []string{"authorization", "x-client-info", "apikey", "content-type"}

// NewRouter mounts the handler's routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: corsHeaders,
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSecret)
		r.Post("/", h.Webhook)
		r.Post("/webhook/dna-validator", h.Webhook)
		r.Post("/admin/reload", h.Reload)
	})

	return r
}
