// Package conversation exposes saved-conversation management over HTTP.
package conversation

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
	"github.com/inklet-app/diagramchat/backend/internal/orchestrator"
	"github.com/inklet-app/diagramchat/backend/internal/store"
	"github.com/inklet-app/diagramchat/backend/pkg/utils"
)

// Handler serves the conversation endpoints.
type Handler struct {
	orch  *orchestrator.Orchestrator
	store *store.Service
}

// New creates the conversation handler.
func New(orch *orchestrator.Orchestrator, st *store.Service) *Handler {
	return &Handler{orch: orch, store: st}
}

// RegisterRoutes registers the conversation routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleList)
	r.Post("/conversations", h.handleCreate)
	r.Post("/conversations/{conversationID}/restore", h.handleRestore)
	r.Delete("/conversations/{conversationID}", h.handleDelete)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	// Flush first so the listing includes the active conversation.
	h.store.SaveActive()

	conversations := h.store.List()
	if conversations == nil {
		conversations = []chat.Conversation{}
	}
	utils.RespondJSON(w, http.StatusOK, conversations)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := h.orch.NewConversation()
	utils.RespondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	conv, ok := h.orch.RestoreConversation(r.Context(), id)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	remaining := h.orch.DeleteConversation(r.Context(), id)
	if remaining == nil {
		remaining = []chat.Conversation{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": remaining,
		"activeId":      h.orch.ActiveConversationID(),
	})
}
