package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/canvas-api/internal/api"
	apiMiddleware "github.com/phrazzld/canvas-api/internal/api/middleware"
)

// routes are the handlers the router mounts.
type routes struct {
	tasks  *api.TaskHandler
	stream http.Handler
	health http.Handler
	auth   *apiMiddleware.AuthMiddleware
}

func (app *application) setupRouter() http.Handler {
	return newRouter(app.handlers, app.logger)
}

// newRouter creates the application router with all routes and middleware.
// The stream endpoint authenticates inside the WebSocket session, where a
// failure can be reported with a close code.
func newRouter(h routes, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.Trace(logger))

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/{id}/stream", h.stream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Authenticate)
			r.Post("/", h.tasks.SubmitTask)
			r.Get("/", h.tasks.ListTasks)
			r.Get("/{id}", h.tasks.GetTask)
		})
	})

	r.Method(http.MethodGet, "/health", h.health)

	return r
}
