package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/handler/conversation"
	"github.com/inklet-app/diagramchat/backend/internal/handler/diagram"
	"github.com/inklet-app/diagramchat/backend/internal/middleware"
	"github.com/inklet-app/diagramchat/backend/internal/orchestrator"
	"github.com/inklet-app/diagramchat/backend/internal/preview"
	"github.com/inklet-app/diagramchat/backend/internal/session"
	"github.com/inklet-app/diagramchat/backend/internal/store"
	"github.com/inklet-app/diagramchat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(orch *orchestrator.Orchestrator, sess *session.Session, st *store.Service, hub *preview.Hub, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	diagramHandler := diagram.New(orch, sess, logger)
	conversationHandler := conversation.New(orch, st)

	r.Route("/api", func(api chi.Router) {
		diagramHandler.RegisterRoutes(api)
		conversationHandler.RegisterRoutes(api)

		api.Get("/ws/preview", hub.ServeWS)

		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
