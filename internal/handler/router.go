package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mindhaven/backend/internal/handler/chat"
	middlewarePkg "github.com/mindhaven/backend/internal/middleware"
	chatservice "github.com/mindhaven/backend/internal/service/chat"
	workflowservice "github.com/mindhaven/backend/internal/service/workflow"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(sessions *chatservice.Service, orchestrator *workflowservice.Orchestrator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(sessions, orchestrator)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
	})

	return r
}
