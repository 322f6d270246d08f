// Package diagram exposes the generation state machine over HTTP. Fragments
// are relayed downstream as Server-Sent Events while the orchestrator feeds
// the preview channel.
package diagram

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/generate"
	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
	"github.com/inklet-app/diagramchat/backend/internal/orchestrator"
	"github.com/inklet-app/diagramchat/backend/internal/session"
	"github.com/inklet-app/diagramchat/backend/pkg/utils"
)

// Handler serves the generation and message endpoints.
type Handler struct {
	orch   *orchestrator.Orchestrator
	sess   *session.Session
	logger *zap.Logger
}

// New creates the diagram handler.
func New(orch *orchestrator.Orchestrator, sess *session.Session, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, sess: sess, logger: logger}
}

// RegisterRoutes registers the diagram routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/diagram/generate", h.handleGenerate)
	r.Post("/diagram/repair", h.handleRepair)
	r.Post("/diagram/abort", h.handleAbort)
	r.Get("/diagram/source", h.handleSource)
	r.Get("/diagram/state", h.handleState)
	r.Put("/diagram/draft", h.handleDraft)
	r.Post("/diagram/messages/{messageID}/insert", h.handleInsertMessage)
	r.Delete("/diagram/messages/{messageID}", h.handleDeleteMessage)
}

// StreamResponse is one SSE frame sent to the UI during generation.
type StreamResponse struct {
	Event    string `json:"event"`
	Content  string `json:"content,omitempty"`
	State    string `json:"state,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.stream(w, r, func(onFragment func(string)) (orchestrator.Outcome, error) {
		return h.orch.Generate(r.Context(), payload.Prompt, onFragment)
	})
}

func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, func(onFragment func(string)) (orchestrator.Outcome, error) {
		return h.orch.Repair(r.Context(), onFragment)
	})
}

// stream runs one generation and relays its fragments as SSE frames. The
// headers stay untouched until the first frame, so pre-stream rejections
// still go out as plain JSON errors with a meaningful status code.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, run func(onFragment func(string)) (orchestrator.Outcome, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	send := func(resp StreamResponse) {
		if !started {
			utils.SetupSSEHeaders(w)
			started = true
		}
		utils.SendSSEChunk(w, flusher, resp)
	}

	outcome, err := run(func(fragment string) {
		send(StreamResponse{Event: "message", Content: fragment})
	})

	if err != nil && !started {
		utils.RespondError(w, rejectionStatus(err), err.Error())
		return
	}

	send(StreamResponse{
		Event:    "end",
		State:    string(outcome.State),
		Kind:     string(outcome.Kind),
		Error:    outcome.Message,
		Finished: true,
	})
}

func rejectionStatus(err error) int {
	var vErr *orchestrator.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, generate.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrGenerationInFlight):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNothingToRepair):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	h.orch.Abort()
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "aborted"})
}

func (h *Handler) handleSource(w http.ResponseWriter, r *http.Request) {
	source := h.orch.RawSource()
	if source == "" {
		utils.RespondError(w, http.StatusNotFound, "no generated diagram yet")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"source": source})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	messages := h.sess.Messages()
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": h.sess.ID(),
		"state":          h.orch.State(),
		"messages":       messages,
		"draftPrompt":    h.sess.Draft(),
		"rateLimits":     h.sess.RateLimits(),
	})
}

func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.sess.SetDraft(payload.Prompt)
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) handleInsertMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := h.orch.InsertMessage(r.Context(), messageID); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "inserted"})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if !h.orch.DeleteMessage(r.Context(), messageID) {
		utils.RespondError(w, http.StatusNotFound, "message not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": h.sess.Messages(),
	})
}
