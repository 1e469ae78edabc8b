package httpapi

import (
	stdhttp "net/http"

	"server/internal/http/handlers"
	mw "server/internal/middleware"
	"server/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(mw.Logger(app.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)

		r.With(mw.RateLimit(app.Limiter, ratelimit.RouteClassGenerate)).
			Post("/generate", app.Generate)

		r.With(mw.RateLimit(app.Limiter, ratelimit.RouteClassUpload)).
			Post("/uploads", app.Upload)

		r.Route("/jobs", func(r chi.Router) {
			r.Use(mw.RateLimit(app.Limiter, ratelimit.RouteClassAPI))
			r.Get("/{id}", app.JobStatus)
			r.Post("/{id}/cancel", app.JobCancel)
			r.Get("/{id}/events", app.JobEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit(app.Limiter, ratelimit.RouteClassAPI))
			r.Get("/models", app.Models)
			r.Get("/stats", app.Stats)
			r.Delete("/cache/{fingerprint}", app.CacheInvalidate)
		})
	})

	return r
}
