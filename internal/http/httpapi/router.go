package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"server/internal/http/handlers"
	appmw "server/internal/middleware"
)

func NewRouter(app *handlers.App, logger zerolog.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, appmw.Logger(logger))

	r.Get("/health", app.Health)

	r.Post("/publish", app.Publish)
	r.Get("/status/{jobId}", app.Status)
	r.Get("/results/{filename}", app.ServeResult)

	// Internal worker callbacks.
	r.Post("/update_status", app.UpdateStatus)
	r.Post("/release_lock", app.ReleaseLock)

	return r
}
